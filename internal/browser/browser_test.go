// internal/browser/browser_test.go
package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/breaker"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/timeout"
)

// fakeDriver stands in for a Chrome handle.
type fakeDriver struct {
	id       int
	healthy  int32
	navErr   error
	content  string
	closed   int32
	navCalls int32
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	atomic.AddInt32(&f.navCalls, 1)
	if f.navErr != nil {
		return f.navErr
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (f *fakeDriver) Content(ctx context.Context) (string, error) { return f.content, nil }

func (f *fakeDriver) WaitForElement(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (f *fakeDriver) ExecuteScript(ctx context.Context, script string, out interface{}) error {
	return nil
}

func (f *fakeDriver) Healthy() bool { return atomic.LoadInt32(&f.healthy) == 1 }

func (f *fakeDriver) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func newFakePool(t *testing.T, size int) (*Pool, *int32) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolSize = size
	cfg.AcquireTimeout = 500 * time.Millisecond

	var created int32
	p := NewPool(cfg, nil, nil)
	p.factory = func(*Config) (Driver, error) {
		id := atomic.AddInt32(&created, 1)
		return &fakeDriver{id: int(id), healthy: 1, content: "<html></html>"}, nil
	}
	t.Cleanup(func() { p.Close() })
	return p, &created
}

func TestPoolReusesDrivers(t *testing.T) {
	p, created := newFakePool(t, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := p.WithDriver(ctx, func(ctx context.Context, d Driver) error { return nil }); err != nil {
			t.Fatalf("with driver: %v", err)
		}
	}
	if got := atomic.LoadInt32(created); got != 1 {
		t.Errorf("sequential borrows should reuse one driver, created %d", got)
	}
}

func TestPoolBoundsConcurrentDrivers(t *testing.T) {
	p, created := newFakePool(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.WithDriver(ctx, func(ctx context.Context, d Driver) error {
				<-release
				return nil
			})
		}()
	}

	// Give the three borrowers time to claim their drivers, then verify
	// a fourth cannot exceed the bound.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(created); got != 3 {
		t.Errorf("expected 3 drivers created, got %d", got)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.WithDriver(ctx, func(ctx context.Context, d Driver) error { return nil })
	}()

	select {
	case err := <-errCh:
		t.Fatalf("fourth borrow should block while pool is saturated, returned %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	if err := <-errCh; err != nil {
		t.Fatalf("fourth borrow should succeed after a release: %v", err)
	}
	if got := atomic.LoadInt32(created); got != 3 {
		t.Errorf("bound exceeded: %d drivers created", got)
	}
}

func TestDriverReturnedOnFailure(t *testing.T) {
	p, _ := newFakePool(t, 1)
	ctx := context.Background()

	wantErr := errors.New("extraction blew up")
	if err := p.WithDriver(ctx, func(ctx context.Context, d Driver) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected the fn error, got %v", err)
	}

	// The single driver must be back in the pool.
	done := make(chan error, 1)
	go func() {
		done <- p.WithDriver(ctx, func(ctx context.Context, d Driver) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("driver leaked after failure: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("driver leaked: second borrow never completed")
	}
}

func TestUnhealthyDriverReplaced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 1

	var created int32
	var first *fakeDriver
	p := NewPool(cfg, nil, nil)
	p.factory = func(*Config) (Driver, error) {
		id := atomic.AddInt32(&created, 1)
		d := &fakeDriver{id: int(id), healthy: 1}
		if id == 1 {
			first = d
		}
		return d, nil
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.WithDriver(ctx, func(ctx context.Context, d Driver) error { return nil }); err != nil {
		t.Fatal(err)
	}

	// Kill the idle driver; the next borrow must replace it.
	atomic.StoreInt32(&first.healthy, 0)
	if err := p.WithDriver(ctx, func(ctx context.Context, d Driver) error {
		if d.(*fakeDriver).id == 1 {
			t.Error("dead driver handed out")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&first.closed) != 1 {
		t.Error("dead driver should be closed")
	}
	if got := atomic.LoadInt32(&created); got != 2 {
		t.Errorf("expected replacement driver, created=%d", got)
	}
}

func TestFetchPageRecordsIntoTimeoutModel(t *testing.T) {
	tm := timeout.NewManager()
	reg := breaker.NewRegistry(breaker.DefaultConfig())

	cfg := DefaultConfig()
	cfg.PoolSize = 1
	p := NewPool(cfg, reg, tm)
	p.factory = func(*Config) (Driver, error) {
		return &fakeDriver{healthy: 1, content: "<html><body><script src='a.js'></script></body></html>"}, nil
	}
	defer p.Close()

	html, err := p.FetchPage(context.Background(), "https://fetch.org/parishes", 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if html == "" {
		t.Fatal("expected page content")
	}

	found := false
	for _, ds := range tm.Stats() {
		if ds.Domain == "fetch.org" && ds.Samples > 0 {
			found = true
		}
	}
	if !found {
		t.Error("fetch latency should be recorded against the domain")
	}
	if stats := p.GetStats(); stats.PagesLoaded != 1 {
		t.Errorf("expected 1 page loaded, got %d", stats.PagesLoaded)
	}
}

func TestFetchPageBreakerTripsOnRepeatedFailure(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.MaxRetries = 0
	reg := breaker.NewRegistry(cfg)

	pcfg := DefaultConfig()
	pcfg.PoolSize = 1
	p := NewPool(pcfg, reg, nil)
	navErr := errors.New("navigation failed: net::ERR_NAME_NOT_RESOLVED")
	p.factory = func(*Config) (Driver, error) {
		return &fakeDriver{healthy: 1, navErr: navErr}, nil
	}
	defer p.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.FetchPage(ctx, "https://down.org/", 0); err == nil {
			t.Fatal("expected navigation failure")
		}
	}

	_, err := p.FetchPage(ctx, "https://down.org/", 0)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected open-circuit rejection, got %v", err)
	}
}
