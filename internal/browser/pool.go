// internal/browser/pool.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/breaker"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/timeout"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// Pool is a bounded set of reusable browser drivers. A task borrows a
// driver for the duration of one operation and the pool takes it back
// in all paths, so handles cannot leak as long as operations respect
// their deadlines.
type Pool struct {
	config   *Config
	breakers *breaker.Registry
	timeouts *timeout.Manager
	logger   utils.Logger

	idle    chan Driver
	factory func(*Config) (Driver, error)

	mu      sync.Mutex
	created int
	closed  bool

	pagesLoaded int64
	errorCount  int64
	timeoutHits int64
	loadTimeSum time.Duration

	now func() time.Time
}

// NewPool creates a driver pool. Drivers are launched lazily as demand
// arrives, up to PoolSize.
func NewPool(config *Config, breakers *breaker.Registry, timeouts *timeout.Manager) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PoolSize <= 0 {
		config.PoolSize = DefaultConfig().PoolSize
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	return &Pool{
		config:   config,
		breakers: breakers,
		timeouts: timeouts,
		logger:   utils.NewComponentLogger("browser"),
		idle:     make(chan Driver, config.PoolSize),
		factory:  newChromeDriver,
		now:      time.Now,
	}
}

// acquire hands out an idle driver, creates one under the size limit,
// or waits for a return.
func (p *Pool) acquire(ctx context.Context) (Driver, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("driver pool is closed")
	}
	p.mu.Unlock()

	select {
	case d := <-p.idle:
		return p.ensureHealthy(d)
	default:
	}

	p.mu.Lock()
	if p.created < p.config.PoolSize {
		p.created++
		p.mu.Unlock()
		d, err := p.factory(p.config)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, fmt.Errorf("launching browser: %w", err)
		}
		return d, nil
	}
	p.mu.Unlock()

	waitTimer := time.NewTimer(p.config.AcquireTimeout)
	defer waitTimer.Stop()
	select {
	case d := <-p.idle:
		return p.ensureHealthy(d)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-waitTimer.C:
		return nil, errors.New("timeout waiting for an available browser")
	}
}

// ensureHealthy replaces a dead idle driver with a fresh one.
func (p *Pool) ensureHealthy(d Driver) (Driver, error) {
	if d.Healthy() {
		return d, nil
	}
	d.Close()
	fresh, err := p.factory(p.config)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil, fmt.Errorf("replacing dead browser: %w", err)
	}
	return fresh, nil
}

// release returns a driver to the idle set, closing it if the pool shut
// down or the driver went bad.
func (p *Pool) release(d Driver) {
	if d == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || !d.Healthy() {
		d.Close()
		p.mu.Lock()
		p.created--
		if p.created < 0 {
			p.created = 0
		}
		p.mu.Unlock()
		return
	}

	select {
	case p.idle <- d:
	default:
		d.Close()
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
	}
}

// WithDriver borrows a driver for the duration of fn and guarantees its
// return on every path.
func (p *Pool) WithDriver(ctx context.Context, fn func(ctx context.Context, d Driver) error) error {
	d, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(d)
	return fn(ctx, d)
}

// FetchPage loads a URL through a pooled driver behind the shared
// page_load breaker, with the time budget taken from the adaptive
// timeout model. Observed latency and page complexity feed back into
// the model.
func (p *Pool) FetchPage(ctx context.Context, url string, retryCount int) (string, error) {
	budget := 30 * time.Second
	if p.timeouts != nil {
		budget = p.timeouts.OptimalTimeout(url, "page_load", retryCount, nil)
	}

	var html string
	fetch := func(ctx context.Context) error {
		return p.WithDriver(ctx, func(ctx context.Context, d Driver) error {
			opCtx, cancel := context.WithTimeout(ctx, budget)
			defer cancel()

			start := p.now()
			err := d.Navigate(opCtx, url)
			if err == nil {
				html, err = d.Content(opCtx)
			}
			latency := p.now().Sub(start)
			timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(opCtx.Err(), context.DeadlineExceeded)

			p.recordFetch(url, html, latency, err, timedOut)

			if timedOut {
				return &breaker.TimeoutError{Op: "page_load", Timeout: budget}
			}
			return err
		})
	}

	var err error
	if p.breakers != nil {
		err = p.breakers.Get("page_load").Execute(ctx, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		return "", err
	}
	return html, nil
}

// recordFetch updates pool stats and the adaptive timeout model.
func (p *Pool) recordFetch(url, html string, latency time.Duration, err error, timedOut bool) {
	p.mu.Lock()
	if err == nil {
		p.pagesLoaded++
		p.loadTimeSum += latency
	} else {
		p.errorCount++
		if timedOut {
			p.timeoutHits++
		}
	}
	p.mu.Unlock()

	if p.timeouts == nil {
		return
	}
	var indicators map[string]float64
	if err == nil && html != "" {
		indicators = timeout.AnalyzeComplexityIndicators(html, nil, 0)
	}
	p.timeouts.RecordResponse(url, latency, err == nil, indicators, timedOut)
}

// GetStats returns a pool activity snapshot.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	avg := time.Duration(0)
	if p.pagesLoaded > 0 {
		avg = p.loadTimeSum / time.Duration(p.pagesLoaded)
	}
	return Stats{
		PagesLoaded:     p.pagesLoaded,
		Errors:          p.errorCount,
		Timeouts:        p.timeoutHits,
		AverageLoadTime: avg,
		DriversCreated:  p.created,
		DriversIdle:     len(p.idle),
	}
}

// Close tears down every idle driver and rejects new borrows. In-flight
// drivers are closed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case d := <-p.idle:
			d.Close()
		default:
			return nil
		}
	}
}
