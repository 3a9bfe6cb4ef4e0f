// internal/scheduler/manager_test.go
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/cache"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/ratelimit"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/timeout"
)

func TestPriorityOrdering(t *testing.T) {
	var q taskHeap
	heap.Init(&q)

	low := NewTask("https://a.org/1", 1.0)
	high := NewTask("https://a.org/2", 9.0)
	mid := NewTask("https://a.org/3", 5.0)
	for i, task := range []*ExtractionTask{low, high, mid} {
		task.seq = uint64(i)
		heap.Push(&q, task)
	}

	want := []string{"https://a.org/2", "https://a.org/3", "https://a.org/1"}
	for _, url := range want {
		got := heap.Pop(&q).(*ExtractionTask)
		if got.URL != url {
			t.Fatalf("expected %s, got %s", url, got.URL)
		}
	}
}

func TestPriorityTieBreaksFIFO(t *testing.T) {
	var q taskHeap
	heap.Init(&q)

	first := NewTask("https://a.org/first", 5.0)
	first.seq = 1
	second := NewTask("https://a.org/second", 5.0)
	second.seq = 2
	heap.Push(&q, second)
	heap.Push(&q, first)

	if got := heap.Pop(&q).(*ExtractionTask); got.URL != "https://a.org/first" {
		t.Errorf("equal priorities should dequeue in submission order, got %s", got.URL)
	}
}

func TestCacheKeyDistinguishesMetadata(t *testing.T) {
	a := NewTask("https://a.org/page", 1)
	b := NewTask("https://a.org/page", 1)
	b.Metadata = map[string]string{"selector": ".parish"}

	if a.cacheKey() == b.cacheKey() {
		t.Error("metadata must change the cache key")
	}

	c := NewTask("https://a.org/page", 1)
	c.Metadata = map[string]string{"selector": ".parish"}
	if b.cacheKey() != c.cacheKey() {
		t.Error("identical metadata must produce identical cache keys")
	}
}

func TestProcessBatchCompletes(t *testing.T) {
	m := NewManager(Config{MaxWorkers: 4}, timeout.NewManager(), nil, nil)

	var calls int64
	extract := func(ctx context.Context, task *ExtractionTask, budget time.Duration) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return []byte("content:" + task.URL), nil
	}

	tasks := []*ExtractionTask{}
	for i := 0; i < 10; i++ {
		tasks = append(tasks, NewTask(fmt.Sprintf("https://d%d.org/parishes", i%3), float64(i)))
	}
	if err := m.SubmitBatch(tasks); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Start(ctx, extract); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	m.Shutdown()

	if got := atomic.LoadInt64(&calls); got != 10 {
		t.Errorf("expected 10 extraction calls, got %d", got)
	}
	stats := m.GetStats()
	if stats.Completed != 10 || stats.Failed != 0 {
		t.Errorf("expected 10 completed / 0 failed, got %d/%d", stats.Completed, stats.Failed)
	}
	for _, task := range tasks {
		result, ok := m.Result(task.ID)
		if !ok {
			t.Fatalf("missing result for %s", task.ID)
		}
		if string(result.Data) != "content:"+task.URL {
			t.Errorf("wrong payload for %s", task.URL)
		}
	}
}

func TestRetryThenPermanentFailure(t *testing.T) {
	m := NewManager(Config{MaxWorkers: 1}, timeout.NewManager(), nil, nil)
	// Collapse retry backoff so the test runs instantly.
	m.retryBackoff = func(int) time.Duration { return 0 }

	task := NewTask("https://broken.org/parishes", 5.0)
	task.MaxRetries = 2

	var calls int64
	extract := func(ctx context.Context, _ *ExtractionTask, _ time.Duration) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("connection reset")
	}

	if err := m.Submit(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Start(ctx, extract); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	m.Shutdown()

	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Errorf("expected initial + 2 retries = 3 calls, got %d", got)
	}
	result, ok := m.Result(task.ID)
	if !ok || result.Error == "" {
		t.Fatal("task should be recorded as failed with an error string")
	}
	if task.Priority >= 5.0 {
		t.Errorf("priority should decay across retries, got %f", task.Priority)
	}
	if stats := m.GetStats(); stats.Requeues != 2 {
		t.Errorf("expected 2 requeues, got %d", stats.Requeues)
	}
}

func TestCacheHitSkipsExtraction(t *testing.T) {
	cm := cache.NewManager(100, 1024*1024)
	m := NewManager(Config{MaxWorkers: 1}, timeout.NewManager(), cm, nil)

	var calls int64
	extract := func(ctx context.Context, task *ExtractionTask, _ time.Duration) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return []byte("fresh"), nil
	}

	first := NewTask("https://cached.org/parishes", 1)
	second := NewTask("https://cached.org/parishes", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Submit(first); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx, extract); err != nil {
		t.Fatal(err)
	}
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Submit(second); err != nil {
		t.Fatal(err)
	}
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	m.Shutdown()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("second task should be served from cache, got %d extraction calls", got)
	}
	result, ok := m.Result(second.ID)
	if !ok || !result.FromCache || string(result.Data) != "fresh" {
		t.Errorf("cached result missing or wrong: %+v", result)
	}
	if stats := m.GetStats(); stats.CacheHits != 1 {
		t.Errorf("expected 1 cache hit, got %d", stats.CacheHits)
	}
}

func TestThrottledTaskRequeues(t *testing.T) {
	limits := ratelimit.NewLimiter(ratelimit.Config{
		MaxConcurrent:     1,
		RequestsPerSecond: 1000,
		BurstLimit:        1000,
		Cooldown:          time.Minute,
	}, nil)

	// Saturate the single concurrency slot so the first worker pass is
	// refused, forcing the throttle/requeue path.
	d := limits.ForDomain("slow.org")
	if !d.Acquire() {
		t.Fatal("setup acquire failed")
	}

	m := NewManager(Config{MaxWorkers: 1}, timeout.NewManager(), nil, limits)
	m.randFloat = func() float64 { return 0 }

	var once sync.Once
	extract := func(ctx context.Context, task *ExtractionTask, _ time.Duration) ([]byte, error) {
		return []byte("done"), nil
	}

	task := NewTask("https://slow.org/parishes", 5)
	if err := m.Submit(task); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Start(ctx, extract); err != nil {
		t.Fatal(err)
	}

	// Release the slot shortly after startup so the requeued attempt
	// can proceed.
	go once.Do(func() {
		time.Sleep(50 * time.Millisecond)
		d.Release()
	})

	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	m.Shutdown()

	stats := m.GetStats()
	if stats.Throttled < 1 {
		t.Errorf("expected at least one throttle event, got %d", stats.Throttled)
	}
	if stats.Completed != 1 {
		t.Errorf("task should eventually complete, got %d", stats.Completed)
	}
	if task.Priority >= 5 {
		t.Errorf("throttling should lower priority, got %f", task.Priority)
	}
}

func TestAdaptiveWorkerCount(t *testing.T) {
	cases := []struct {
		name    string
		urls    []string
		max     int
		wantMax int
		wantMin int
	}{
		{"empty queue floors at one", nil, 8, 1, 1},
		{"single domain", []string{"https://a.org/1", "https://a.org/2", "https://a.org/3"}, 8, 2, 2},
		{"capped by max", []string{"https://a.org/1", "https://b.org/1", "https://c.org/1", "https://d.org/1", "https://e.org/1", "https://f.org/1"}, 4, 4, 4},
		{"capped by volume", []string{"https://a.org/1", "https://b.org/1"}, 8, 2, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(Config{MaxWorkers: tc.max}, timeout.NewManager(), nil, nil)
			for _, u := range tc.urls {
				if err := m.Submit(NewTask(u, 1)); err != nil {
					t.Fatal(err)
				}
			}
			m.mu.Lock()
			got := m.adaptiveWorkerCountLocked()
			m.mu.Unlock()
			if got < tc.wantMin || got > tc.wantMax {
				t.Errorf("worker count %d outside [%d, %d]", got, tc.wantMin, tc.wantMax)
			}
		})
	}
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	m := NewManager(Config{MaxWorkers: 1, ShutdownGrace: time.Second}, timeout.NewManager(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx, func(ctx context.Context, _ *ExtractionTask, _ time.Duration) ([]byte, error) {
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	cancel()
	m.Shutdown()

	if err := m.Submit(NewTask("https://late.org", 1)); err == nil {
		t.Error("submit after shutdown must fail")
	}
}

func TestSubmitPreservesLiteralTaskFields(t *testing.T) {
	m := NewManager(Config{MaxWorkers: 1}, timeout.NewManager(), nil, nil)

	task := &ExtractionTask{
		URL:           "https://stlouis.org/parishes",
		OperationType: "detail_page",
		DioceseID:     7,
		Priority:      2.5,
		MaxRetries:    1,
		Timeout:       5 * time.Second,
		Metadata:      map[string]string{"selector": ".parish"},
	}
	if err := m.Submit(task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if task.ID == "" {
		t.Error("submit should assign an ID to literal tasks")
	}
	if task.OperationType != "detail_page" {
		t.Errorf("operation type overwritten: %q", task.OperationType)
	}
	if task.DioceseID != 7 {
		t.Errorf("diocese id overwritten: %d", task.DioceseID)
	}
	if task.MaxRetries != 1 {
		t.Errorf("max retries overwritten: %d", task.MaxRetries)
	}
	if task.Timeout != 5*time.Second {
		t.Errorf("timeout overwritten: %v", task.Timeout)
	}
	if task.Metadata["selector"] != ".parish" {
		t.Errorf("metadata overwritten: %v", task.Metadata)
	}

	// Omitted fields still pick up the defaults.
	bare := &ExtractionTask{URL: "https://bare.org/parishes", Priority: 1}
	if err := m.Submit(bare); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if bare.OperationType != defaultOperationType {
		t.Errorf("expected default operation type, got %q", bare.OperationType)
	}
	if bare.MaxRetries != defaultMaxRetries {
		t.Errorf("expected default max retries, got %d", bare.MaxRetries)
	}
}

// recorderStub counts metrics callbacks under a lock; workers call it
// concurrently.
type recorderStub struct {
	mu        sync.Mutex
	throttles int
	cacheOps  map[string]int
	gaugeSets int
}

func newRecorderStub() *recorderStub {
	return &recorderStub{cacheOps: make(map[string]int)}
}

func (r *recorderStub) RecordThrottle(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttles++
}

func (r *recorderStub) RecordCacheOp(operation, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheOps[operation+"/"+result]++
}

func (r *recorderStub) SetSchedulerGauges(queued, active, workers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gaugeSets++
}

func TestMetricsRecorderObservesActivity(t *testing.T) {
	cm := cache.NewManager(100, 1024*1024)
	rec := newRecorderStub()
	m := NewManager(Config{MaxWorkers: 1}, timeout.NewManager(), cm, nil).WithMetrics(rec)

	extract := func(ctx context.Context, task *ExtractionTask, _ time.Duration) ([]byte, error) {
		return []byte("fresh"), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Submit(NewTask("https://metered.org/parishes", 1)); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx, extract); err != nil {
		t.Fatal(err)
	}
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Submit(NewTask("https://metered.org/parishes", 1)); err != nil {
		t.Fatal(err)
	}
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	m.Shutdown()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.cacheOps["get/miss"] != 1 {
		t.Errorf("expected 1 cache miss, got %d", rec.cacheOps["get/miss"])
	}
	if rec.cacheOps["set/stored"] != 1 {
		t.Errorf("expected 1 cache store, got %d", rec.cacheOps["set/stored"])
	}
	if rec.cacheOps["get/hit"] != 1 {
		t.Errorf("expected 1 cache hit, got %d", rec.cacheOps["get/hit"])
	}
	if rec.gaugeSets == 0 {
		t.Error("scheduler gauges were never updated")
	}
}

func TestMetricsRecorderCountsThrottles(t *testing.T) {
	limits := ratelimit.NewLimiter(ratelimit.Config{
		MaxConcurrent:     1,
		RequestsPerSecond: 1000,
		BurstLimit:        1000,
		Cooldown:          time.Minute,
	}, nil)

	d := limits.ForDomain("slow.org")
	if !d.Acquire() {
		t.Fatal("setup acquire failed")
	}

	rec := newRecorderStub()
	m := NewManager(Config{MaxWorkers: 1}, timeout.NewManager(), nil, limits).WithMetrics(rec)
	m.randFloat = func() float64 { return 0 }

	extract := func(ctx context.Context, task *ExtractionTask, _ time.Duration) ([]byte, error) {
		return []byte("done"), nil
	}

	if err := m.Submit(NewTask("https://slow.org/parishes", 5)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Start(ctx, extract); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		d.Release()
	}()

	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	m.Shutdown()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.throttles < 1 {
		t.Errorf("expected at least one throttle callback, got %d", rec.throttles)
	}
}

func TestTimeoutFeedsAdaptiveModel(t *testing.T) {
	tm := timeout.NewManager()
	m := NewManager(Config{MaxWorkers: 1}, tm, nil, nil)

	task := NewTask("https://slowsite.org/parishes", 1)
	task.MaxRetries = 0
	task.Timeout = 20 * time.Millisecond

	extract := func(ctx context.Context, _ *ExtractionTask, _ time.Duration) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Submit(task); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx, extract); err != nil {
		t.Fatal(err)
	}
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	m.Shutdown()

	found := false
	for _, ds := range tm.Stats() {
		if ds.Domain == "slowsite.org" && ds.Timeouts >= 1 {
			found = true
		}
	}
	if !found {
		t.Error("timeout should be recorded against the domain's metrics")
	}
}
