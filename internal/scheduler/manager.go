// internal/scheduler/manager.go
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/cache"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/ratelimit"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/timeout"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

const (
	// Retry backoff grows as 2^retry seconds, capped here.
	maxRetryBackoff = 30 * time.Second

	// Priority decay applied each retry; throttled tasks lose a flat
	// point so competing work on other domains gets ahead of them.
	retryPriorityDecay      = 0.8
	throttlePriorityPenalty = 1.0
	throttleBackoffMax      = 250 * time.Millisecond
)

// ExtractFunc performs the actual extraction for one task within the
// given time budget. The context carries a matching deadline.
type ExtractFunc func(ctx context.Context, task *ExtractionTask, budget time.Duration) ([]byte, error)

// MetricsRecorder receives scheduler activity for the metrics endpoint.
// Satisfied by *monitoring.MetricsManager.
type MetricsRecorder interface {
	RecordThrottle(domain string)
	RecordCacheOp(operation, result string)
	SetSchedulerGauges(queued, active, workers int)
}

// Config sizes the worker pool and terminal behavior.
type Config struct {
	MaxWorkers    int           `yaml:"max_workers" json:"max_workers"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	ResultTTL     time.Duration `yaml:"result_ttl" json:"result_ttl"`
}

// UnmarshalYAML accepts durations as strings ("30s") or nanoseconds.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxWorkers    int            `yaml:"max_workers"`
		ShutdownGrace utils.Duration `yaml:"shutdown_grace"`
		ResultTTL     utils.Duration `yaml:"result_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.MaxWorkers = raw.MaxWorkers
	c.ShutdownGrace = time.Duration(raw.ShutdownGrace)
	c.ResultTTL = time.Duration(raw.ResultTTL)
	return nil
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:    8,
		ShutdownGrace: 30 * time.Second,
	}
}

// DomainTaskStats breaks completed/failed counts down per domain.
type DomainTaskStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats is a diagnostic snapshot of the scheduler.
type Stats struct {
	Queued            int                        `json:"queued"`
	Active            int                        `json:"active"`
	Completed         int64                      `json:"completed"`
	Failed            int64                      `json:"failed"`
	Requeues          int64                      `json:"requeues"`
	Throttled         int64                      `json:"throttled"`
	CacheHits         int64                      `json:"cache_hits"`
	WorkerCount       int                        `json:"worker_count"`
	PeakConcurrency   int                        `json:"peak_concurrency"`
	AverageCompletion time.Duration              `json:"average_completion"`
	PerDomain         map[string]DomainTaskStats `json:"per_domain"`
}

// Manager runs extraction tasks through a priority-ordered worker pool.
// Workers respect per-domain limits, take their time budget from the
// adaptive timeout manager, consult the cache before fetching, and feed
// observed latencies back so later budgets improve.
type Manager struct {
	cfg      Config
	timeouts *timeout.Manager
	cache    *cache.Manager
	limits   *ratelimit.Limiter
	metrics  MetricsRecorder
	logger   utils.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	queue       taskHeap
	nextSeq     uint64
	outstanding int
	stopping    bool
	started     bool
	workerCount int

	active          int
	peakConcurrency int
	completed       map[string]*TaskResult
	failed          map[string]*TaskResult
	perDomain       map[string]*DomainTaskStats

	totalCompleted int64
	totalFailed    int64
	totalRequeues  int64
	totalThrottled int64
	cacheHits      int64
	completionSum  time.Duration

	workers   sync.WaitGroup
	requeuers sync.WaitGroup

	randFloat    func() float64
	now          func() time.Time
	retryBackoff func(retry int) time.Duration
}

// defaultRetryBackoff grows as 2^retry seconds, capped.
func defaultRetryBackoff(retry int) time.Duration {
	backoff := time.Duration(1<<uint(retry)) * time.Second
	if backoff > maxRetryBackoff {
		backoff = maxRetryBackoff
	}
	return backoff
}

// NewManager wires the scheduler to its collaborators. Any of cache or
// limits may be nil to disable that integration (tests mostly, but also
// cache-less one-shot runs).
func NewManager(cfg Config, timeouts *timeout.Manager, cacheMgr *cache.Manager, limits *ratelimit.Limiter) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	m := &Manager{
		cfg:          cfg,
		timeouts:     timeouts,
		cache:        cacheMgr,
		limits:       limits,
		logger:       utils.NewComponentLogger("scheduler"),
		completed:    make(map[string]*TaskResult),
		failed:       make(map[string]*TaskResult),
		perDomain:    make(map[string]*DomainTaskStats),
		randFloat:    rand.Float64,
		now:          time.Now,
		retryBackoff: defaultRetryBackoff,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// WithMetrics attaches a metrics recorder. Gauges and throttle/cache
// counters stay silent without one.
func (m *Manager) WithMetrics(rec MetricsRecorder) *Manager {
	m.metrics = rec
	return m
}

// updateGaugesLocked pushes queue depth, active count, and pool size to
// the recorder. Must be called with mu held.
func (m *Manager) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetSchedulerGauges(len(m.queue), m.active, m.workerCount)
}

// Submit enqueues a task. Returns an error once shutdown has begun.
func (m *Manager) Submit(task *ExtractionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping {
		return errors.New("scheduler is shutting down")
	}
	// Fill only the missing fields on literal-constructed tasks; a
	// caller-set DioceseID, Timeout, or Metadata must survive Submit.
	if task.ID == "" {
		task.ID = uuid.NewString()
		if task.OperationType == "" {
			task.OperationType = defaultOperationType
		}
		if task.MaxRetries == 0 {
			task.MaxRetries = defaultMaxRetries
		}
	}
	task.seq = m.nextSeq
	m.nextSeq++
	task.state = TaskQueued
	m.outstanding++
	heap.Push(&m.queue, task)
	m.updateGaugesLocked()
	m.cond.Signal()
	return nil
}

// SubmitBatch enqueues several tasks, stopping at the first error.
func (m *Manager) SubmitBatch(tasks []*ExtractionTask) error {
	for _, t := range tasks {
		if err := m.Submit(t); err != nil {
			return err
		}
	}
	return nil
}

// Start spawns the worker pool. The pool size adapts to the queue
// composition at start time: roughly two workers per distinct domain,
// never more than there are tasks, capped by MaxWorkers.
func (m *Manager) Start(ctx context.Context, extract ExtractFunc) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("scheduler already started")
	}
	m.started = true
	n := m.adaptiveWorkerCountLocked()
	m.workerCount = n
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Infof("starting %d extraction workers", n)
	for i := 0; i < n; i++ {
		m.workers.Add(1)
		go m.worker(ctx, extract)
	}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.stopping = true
		m.cond.Broadcast()
		m.mu.Unlock()
	}()
	return nil
}

// adaptiveWorkerCountLocked sizes the pool from domain diversity and
// queue volume. Must be called with mu held.
func (m *Manager) adaptiveWorkerCountLocked() int {
	domains := make(map[string]struct{})
	for _, t := range m.queue {
		domains[t.Domain()] = struct{}{}
	}
	n := 2 * len(domains)
	if n > len(m.queue) {
		n = len(m.queue)
	}
	if n < 1 {
		n = 1
	}
	if n > m.cfg.MaxWorkers {
		n = m.cfg.MaxWorkers
	}
	return n
}

// Shutdown stops dequeuing and waits for in-flight work, bounded by the
// configured grace period. Remaining queued tasks are abandoned.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.stopping = true
	m.cond.Broadcast()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		m.requeuers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace):
		m.logger.Warn("shutdown grace period elapsed with work still in flight")
	}
}

// WaitIdle blocks until every submitted task has reached a terminal
// state, or the context is cancelled.
func (m *Manager) WaitIdle(ctx context.Context) error {
	aborted := false
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		for m.outstanding > 0 && !m.stopping && !aborted {
			m.cond.Wait()
		}
		m.mu.Unlock()
		close(done)
	}()
	select {
	case <-ctx.Done():
		m.mu.Lock()
		aborted = true
		m.cond.Broadcast()
		m.mu.Unlock()
		<-done
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (m *Manager) worker(ctx context.Context, extract ExtractFunc) {
	defer m.workers.Done()
	for {
		task, ok := m.pop()
		if !ok {
			return
		}
		m.process(ctx, task, extract)
	}
}

// pop blocks for the highest-priority task; returns false on shutdown.
func (m *Manager) pop() (*ExtractionTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.stopping {
		m.cond.Wait()
	}
	if m.stopping {
		return nil, false
	}
	task := heap.Pop(&m.queue).(*ExtractionTask)
	task.state = TaskRunning
	m.active++
	if m.active > m.peakConcurrency {
		m.peakConcurrency = m.active
	}
	m.updateGaugesLocked()
	return task, true
}

func (m *Manager) process(ctx context.Context, task *ExtractionTask, extract ExtractFunc) {
	var limits *ratelimit.DomainLimits
	if m.limits != nil {
		limits = m.limits.ForDomain(task.Domain())
		if !limits.Acquire() {
			m.throttle(ctx, task)
			return
		}
	}

	if m.cache != nil {
		if data, ok := m.cache.Get(task.cacheKey()); ok {
			if limits != nil {
				limits.Release()
			}
			m.mu.Lock()
			m.cacheHits++
			m.active--
			m.updateGaugesLocked()
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.RecordCacheOp("get", "hit")
			}
			m.finish(task, &TaskResult{
				TaskID:      task.ID,
				URL:         task.URL,
				Data:        data,
				Retries:     task.retryCount,
				FromCache:   true,
				CompletedAt: m.now(),
			}, true)
			return
		}
		if m.metrics != nil {
			m.metrics.RecordCacheOp("get", "miss")
		}
	}

	budget := task.Timeout
	if m.timeouts != nil {
		advised := m.timeouts.OptimalTimeout(task.URL, task.OperationType, task.retryCount, nil)
		if budget <= 0 || advised < budget {
			budget = advised
		}
	}
	if budget <= 0 {
		budget = 30 * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, budget)
	start := m.now()
	data, err := extract(execCtx, task, budget)
	latency := m.now().Sub(start)
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	if limits != nil {
		limits.Release()
		limits.RecordResult(err == nil)
	}
	if m.timeouts != nil {
		m.timeouts.RecordResponse(task.URL, latency, err == nil, nil, timedOut)
	}

	m.mu.Lock()
	m.active--
	m.updateGaugesLocked()
	m.mu.Unlock()

	if err != nil {
		m.retryOrFail(ctx, task, err, latency)
		return
	}

	if m.cache != nil && len(data) > 0 {
		m.cache.Set(task.cacheKey(), data, cache.SetOptions{
			TTL:         m.cfg.ResultTTL,
			ContentType: cache.ContentTypeHTML,
			Metadata:    map[string]string{"task_id": task.ID},
		})
		if m.metrics != nil {
			m.metrics.RecordCacheOp("set", "stored")
		}
	}
	m.finish(task, &TaskResult{
		TaskID:      task.ID,
		URL:         task.URL,
		Data:        data,
		Duration:    latency,
		Retries:     task.retryCount,
		CompletedAt: m.now(),
	}, true)
}

// throttle handles a domain-limit refusal: the task loses a priority
// point and is re-enqueued after a short random sleep so other domains
// keep the worker busy in the meantime.
func (m *Manager) throttle(ctx context.Context, task *ExtractionTask) {
	task.Priority -= throttlePriorityPenalty

	m.mu.Lock()
	m.totalThrottled++
	m.active--
	m.updateGaugesLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordThrottle(task.Domain())
	}

	backoff := time.Duration(m.randFloat() * float64(throttleBackoffMax))
	m.requeueAfter(ctx, task, backoff)
}

// retryOrFail applies exponential backoff and priority decay, or moves
// the task to the failed map once retries are exhausted.
func (m *Manager) retryOrFail(ctx context.Context, task *ExtractionTask, cause error, latency time.Duration) {
	task.retryCount++
	if task.retryCount > task.MaxRetries {
		m.logger.WithField("url", task.URL).Warnf("task failed permanently after %d retries: %v", task.MaxRetries, cause)
		m.finish(task, &TaskResult{
			TaskID:      task.ID,
			URL:         task.URL,
			Error:       cause.Error(),
			Duration:    latency,
			Retries:     task.retryCount - 1,
			CompletedAt: m.now(),
		}, false)
		return
	}

	task.Priority *= retryPriorityDecay
	backoff := m.retryBackoff(task.retryCount)

	m.mu.Lock()
	m.totalRequeues++
	m.mu.Unlock()

	m.logger.Debugf("requeuing %s after %v (retry %d/%d): %v", task.URL, backoff, task.retryCount, task.MaxRetries, cause)
	m.requeueAfter(ctx, task, backoff)
}

// requeueAfter re-enqueues the task after a delay without blocking the
// worker. Tasks still sleeping at shutdown are recorded as failed.
func (m *Manager) requeueAfter(ctx context.Context, task *ExtractionTask, delay time.Duration) {
	m.requeuers.Add(1)
	go func() {
		defer m.requeuers.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				m.abandon(task)
				return
			case <-timer.C:
			}
		}

		m.mu.Lock()
		if m.stopping {
			m.mu.Unlock()
			m.abandon(task)
			return
		}
		task.seq = m.nextSeq
		m.nextSeq++
		task.state = TaskQueued
		heap.Push(&m.queue, task)
		m.updateGaugesLocked()
		m.cond.Signal()
		m.mu.Unlock()
	}()
}

func (m *Manager) abandon(task *ExtractionTask) {
	m.finish(task, &TaskResult{
		TaskID:      task.ID,
		URL:         task.URL,
		Error:       "abandoned at shutdown",
		Retries:     task.retryCount,
		CompletedAt: m.now(),
	}, false)
}

// finish records a terminal result and wakes idle waiters.
func (m *Manager) finish(task *ExtractionTask, result *TaskResult, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	domain := task.Domain()
	ds, ok := m.perDomain[domain]
	if !ok {
		ds = &DomainTaskStats{}
		m.perDomain[domain] = ds
	}

	if success {
		task.state = TaskCompleted
		m.completed[task.ID] = result
		m.totalCompleted++
		m.completionSum += result.Duration
		ds.Completed++
	} else {
		task.state = TaskFailed
		m.failed[task.ID] = result
		m.totalFailed++
		ds.Failed++
	}

	m.outstanding--
	if m.outstanding == 0 {
		m.cond.Broadcast()
	}
}

// Result returns the terminal result for a task id, if it has one.
func (m *Manager) Result(taskID string) (*TaskResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.completed[taskID]; ok {
		return r, true
	}
	if r, ok := m.failed[taskID]; ok {
		return r, true
	}
	return nil, false
}

// CompletedResults returns all successful results.
func (m *Manager) CompletedResults() []*TaskResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TaskResult, 0, len(m.completed))
	for _, r := range m.completed {
		out = append(out, r)
	}
	return out
}

// FailedResults returns all permanently failed results.
func (m *Manager) FailedResults() []*TaskResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TaskResult, 0, len(m.failed))
	for _, r := range m.failed {
		out = append(out, r)
	}
	return out
}

// GetStats returns a snapshot of scheduler activity.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	perDomain := make(map[string]DomainTaskStats, len(m.perDomain))
	for d, s := range m.perDomain {
		perDomain[d] = *s
	}
	avg := time.Duration(0)
	if m.totalCompleted > 0 {
		avg = m.completionSum / time.Duration(m.totalCompleted)
	}
	return Stats{
		Queued:            len(m.queue),
		Active:            m.active,
		Completed:         m.totalCompleted,
		Failed:            m.totalFailed,
		Requeues:          m.totalRequeues,
		Throttled:         m.totalThrottled,
		CacheHits:         m.cacheHits,
		WorkerCount:       m.workerCount,
		PeakConcurrency:   m.peakConcurrency,
		AverageCompletion: avg,
		PerDomain:         perDomain,
	}
}
