// internal/processor/processor.go

// Package processor drives diocese-level extraction: it leases work
// from the coordinator, runs each diocese's directory page through the
// scheduler and extraction chain, and persists what comes out. One
// diocese failing never stops the batch.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/coordinator"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/errorhandling"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/extractor"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/scheduler"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/storage"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// PageFetcher loads one page and reports retry context to the adaptive
// timeout model. Satisfied by browser.Pool.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string, retryCount int) (string, error)
}

// ParishExtractor turns a fetched page into parish candidates.
// Satisfied by extractor.Chain.
type ParishExtractor interface {
	Extract(ctx context.Context, pageURL, rawHTML string) (*extractor.Result, error)
}

// WorkSource leases diocese work and records terminal outcomes.
// Satisfied by coordinator.Coordinator.
type WorkSource interface {
	GetAvailableWork(ctx context.Context, maxDioceses int) ([]coordinator.DioceseWork, error)
	MarkDioceseCompleted(ctx context.Context, dioceseID int64, status string) error
}

// MetricsRecorder receives processing outcomes for the metrics
// endpoint. Satisfied by *monitoring.MetricsManager.
type MetricsRecorder interface {
	RecordDiocese(status, strategy string, duration time.Duration)
	RecordParishes(extractorName string, count int)
	RecordScheduleFacts(factType string, count int)
	RecordStage(stage, outcome string)
	RecordPageLoad(domain string, duration time.Duration, success bool)
	RecordAI(success bool)
	RecordError(errType string)
}

// Config tunes the diocese processing loop.
type Config struct {
	BatchSize          int           `yaml:"batch_size" json:"batch_size"`
	MaxDioceses        int           `yaml:"max_dioceses" json:"max_dioceses"`
	PollInterval       time.Duration `yaml:"poll_interval" json:"poll_interval"`
	ExitWhenIdle       bool          `yaml:"exit_when_idle" json:"exit_when_idle"`
	ExtractSchedules   bool          `yaml:"extract_schedules" json:"extract_schedules"`
	MaxScheduleFetches int           `yaml:"max_schedule_fetches" json:"max_schedule_fetches"`

	// TaskMaxRetries caps scheduler-level retries per directory page.
	// Negative means no retries.
	TaskMaxRetries int `yaml:"task_max_retries" json:"task_max_retries"`
}

// UnmarshalYAML accepts the poll interval as a string ("30s") or
// nanoseconds.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BatchSize          int            `yaml:"batch_size"`
		MaxDioceses        int            `yaml:"max_dioceses"`
		PollInterval       utils.Duration `yaml:"poll_interval"`
		ExitWhenIdle       bool           `yaml:"exit_when_idle"`
		ExtractSchedules   bool           `yaml:"extract_schedules"`
		MaxScheduleFetches int            `yaml:"max_schedule_fetches"`
		TaskMaxRetries     int            `yaml:"task_max_retries"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.BatchSize = raw.BatchSize
	c.MaxDioceses = raw.MaxDioceses
	c.PollInterval = time.Duration(raw.PollInterval)
	c.ExitWhenIdle = raw.ExitWhenIdle
	c.ExtractSchedules = raw.ExtractSchedules
	c.MaxScheduleFetches = raw.MaxScheduleFetches
	c.TaskMaxRetries = raw.TaskMaxRetries
	return nil
}

// DefaultConfig returns processing defaults: batches of 4, continuous
// polling every 30s, schedule extraction off.
func DefaultConfig() Config {
	return Config{
		BatchSize:          4,
		PollInterval:       30 * time.Second,
		MaxScheduleFetches: 10,
		TaskMaxRetries:     3,
	}
}

// Stats is a snapshot of processing activity.
type Stats struct {
	DiocesesProcessed int `json:"dioceses_processed"`
	DiocesesSucceeded int `json:"dioceses_succeeded"`
	DiocesesFailed    int `json:"dioceses_failed"`
	ParishesPersisted int `json:"parishes_persisted"`
	FactsPersisted    int `json:"facts_persisted"`
}

// AsyncDioceseProcessor composes the coordinator, scheduler, fetcher,
// extraction chain, and store into the diocese pipeline.
type AsyncDioceseProcessor struct {
	cfg     Config
	work    WorkSource
	fetcher PageFetcher
	chain   ParishExtractor
	store   storage.Store
	errors  *errorhandling.Handler
	sched   *scheduler.Manager
	logger  utils.Logger
	metrics MetricsRecorder

	mu    sync.Mutex
	stats Stats
}

// New wires a processor from its collaborators. The error handler's
// diocese_extraction operation runs with zero handler-level retries:
// task retries belong to the scheduler, and stacking the two would
// multiply attempts.
func New(cfg Config, work WorkSource, fetcher PageFetcher, chain ParishExtractor,
	store storage.Store, handler *errorhandling.Handler, sched *scheduler.Manager) *AsyncDioceseProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxScheduleFetches <= 0 {
		cfg.MaxScheduleFetches = DefaultConfig().MaxScheduleFetches
	}
	if cfg.TaskMaxRetries == 0 {
		cfg.TaskMaxRetries = DefaultConfig().TaskMaxRetries
	}
	if handler == nil {
		handler = errorhandling.NewHandler(map[string]errorhandling.FallbackConfig{
			"diocese_extraction": {MaxRetries: 0},
		})
	}
	return &AsyncDioceseProcessor{
		cfg:     cfg,
		work:    work,
		fetcher: fetcher,
		chain:   chain,
		store:   store,
		errors:  handler,
		sched:   sched,
		logger:  utils.NewComponentLogger("processor"),
	}
}

// WithMetrics attaches a metrics recorder. Nil disables recording.
func (p *AsyncDioceseProcessor) WithMetrics(rec MetricsRecorder) *AsyncDioceseProcessor {
	p.metrics = rec
	return p
}

// Run leases and processes dioceses until the context is canceled, the
// MaxDioceses cap is reached, or the work pool drains with ExitWhenIdle
// set. It always returns with the scheduler shut down.
func (p *AsyncDioceseProcessor) Run(ctx context.Context) error {
	if err := p.sched.Start(ctx, p.extractTask); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer p.sched.Shutdown()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.cfg.MaxDioceses > 0 && p.processedCount() >= p.cfg.MaxDioceses {
			p.logger.Infof("reached diocese cap %d, stopping", p.cfg.MaxDioceses)
			return nil
		}

		batch := p.cfg.BatchSize
		if p.cfg.MaxDioceses > 0 {
			if remaining := p.cfg.MaxDioceses - p.processedCount(); remaining < batch {
				batch = remaining
			}
		}

		leased, err := p.work.GetAvailableWork(ctx, batch)
		if err != nil {
			p.logger.Errorf("leasing work: %v", err)
			if !p.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if len(leased) == 0 {
			if p.cfg.ExitWhenIdle {
				p.logger.Info("no dioceses left to process")
				return nil
			}
			if !p.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		p.processBatch(ctx, leased)
	}
}

// processBatch pushes one leased batch through the scheduler and
// persists every outcome, success or failure.
func (p *AsyncDioceseProcessor) processBatch(ctx context.Context, leased []coordinator.DioceseWork) {
	tasks := make(map[string]coordinator.DioceseWork, len(leased))
	for _, w := range leased {
		task := scheduler.NewTask(w.DirectoryURL, 1.0)
		task.DioceseID = w.ID
		task.MaxRetries = p.cfg.TaskMaxRetries
		if task.MaxRetries < 0 {
			task.MaxRetries = 0
		}
		if err := p.sched.Submit(task); err != nil {
			p.failDiocese(ctx, w, fmt.Errorf("submitting task: %w", err))
			continue
		}
		tasks[task.ID] = w
	}
	if len(tasks) == 0 {
		return
	}

	if err := p.sched.WaitIdle(ctx); err != nil {
		// Canceled mid-batch: release what we still hold so other
		// workers can pick it up.
		for _, w := range tasks {
			p.work.MarkDioceseCompleted(context.Background(), w.ID, coordinator.StatusFailed)
		}
		return
	}

	for taskID, w := range tasks {
		res, ok := p.sched.Result(taskID)
		if !ok {
			p.failDiocese(ctx, w, fmt.Errorf("task %s vanished from the scheduler", taskID))
			continue
		}
		if res.Error != "" {
			p.failDiocese(ctx, w, fmt.Errorf("extraction failed after %d retries: %s", res.Retries, res.Error))
			continue
		}
		p.persistDiocese(ctx, w, res)
	}
}

// extractTask is the scheduler's ExtractFunc: fetch the directory page,
// run the chain, and hand back the serialized result.
func (p *AsyncDioceseProcessor) extractTask(ctx context.Context, task *scheduler.ExtractionTask, budget time.Duration) ([]byte, error) {
	out, err := p.errors.HandleWithFallback(ctx, "diocese_extraction", func(ctx context.Context) (interface{}, error) {
		fetchStart := time.Now()
		html, err := p.fetcher.FetchPage(ctx, task.URL, task.RetryCount())
		if p.metrics != nil {
			p.metrics.RecordPageLoad(task.Domain(), time.Since(fetchStart), err == nil)
		}
		if err != nil {
			return nil, err
		}
		result, err := p.chain.Extract(ctx, task.URL, html)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}, map[string]interface{}{
		"diocese_id": task.DioceseID,
		"url":        task.URL,
	})
	if err != nil {
		return nil, err
	}
	data, _ := out.([]byte)
	return data, nil
}

// persistDiocese writes the extraction result and marks the lease
// completed. Persistence errors fail the diocese like any other error.
func (p *AsyncDioceseProcessor) persistDiocese(ctx context.Context, w coordinator.DioceseWork, res *scheduler.TaskResult) {
	var result extractor.Result
	if err := json.Unmarshal(res.Data, &result); err != nil {
		p.failDiocese(ctx, w, fmt.Errorf("decoding extraction result: %w", err))
		return
	}

	parishes := make([]storage.Parish, 0, len(result.Parishes))
	for _, c := range result.Parishes {
		parishes = append(parishes, storage.Parish{
			Name:       c.Name,
			Address:    c.Address,
			Phone:      c.Phone,
			Website:    c.Website,
			DetailURL:  c.DetailURL,
			SourceURL:  c.SourceURL,
			Extractor:  c.Extractor,
			Confidence: c.Confidence,
		})
	}

	written, err := p.store.UpsertParishes(ctx, w.ID, parishes)
	if err != nil {
		p.failDiocese(ctx, w, fmt.Errorf("persisting parishes: %w", err))
		return
	}

	facts := 0
	if p.cfg.ExtractSchedules {
		facts = p.extractSchedules(ctx, parishes)
	}

	if err := p.work.MarkDioceseCompleted(ctx, w.ID, coordinator.StatusCompleted); err != nil {
		p.logger.Warnf("marking diocese %d completed: %v", w.ID, err)
	}

	p.mu.Lock()
	p.stats.DiocesesProcessed++
	p.stats.DiocesesSucceeded++
	p.stats.ParishesPersisted += written
	p.stats.FactsPersisted += facts
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordDiocese(coordinator.StatusCompleted, string(result.Strategy), res.Duration)
		p.metrics.RecordParishes(winningExtractor(&result), written)
		p.recordStages(result.Stages)
	}

	p.logger.WithFields(map[string]interface{}{
		"diocese":    w.Name,
		"parishes":   written,
		"facts":      facts,
		"strategy":   result.Strategy,
		"from_cache": res.FromCache,
	}).Info("diocese processed")
}

// extractSchedules visits a bounded number of parish detail pages and
// stores whatever schedule facts they yield. Failures here degrade to
// fewer facts, never to a failed diocese.
func (p *AsyncDioceseProcessor) extractSchedules(ctx context.Context, parishes []storage.Parish) int {
	total := 0
	fetched := 0
	for _, parish := range parishes {
		if fetched >= p.cfg.MaxScheduleFetches {
			break
		}
		if parish.DetailURL == "" || parish.ID == 0 {
			continue
		}
		fetched++

		html, err := p.fetcher.FetchPage(ctx, parish.DetailURL, 0)
		if err != nil {
			p.logger.Debugf("schedule fetch for %q failed: %v", parish.Name, err)
			continue
		}
		facts := ScanScheduleFacts(html, parish.DetailURL)
		if len(facts) == 0 {
			continue
		}
		n, err := p.store.UpsertScheduleFacts(ctx, parish.ID, facts)
		if err != nil {
			p.logger.Warnf("persisting schedule facts for %q: %v", parish.Name, err)
			continue
		}
		total += n
		if p.metrics != nil {
			byType := make(map[string]int)
			for _, f := range facts {
				byType[f.FactType]++
			}
			for factType, count := range byType {
				p.metrics.RecordScheduleFacts(factType, count)
			}
		}
	}
	return total
}

// failDiocese records the error against the diocese and releases the
// lease as failed. The batch keeps going.
func (p *AsyncDioceseProcessor) failDiocese(ctx context.Context, w coordinator.DioceseWork, cause error) {
	p.logger.WithFields(map[string]interface{}{
		"diocese": w.Name,
		"error":   cause.Error(),
	}).Error("diocese processing failed")

	if err := p.store.RecordDioceseError(ctx, w.ID, cause.Error()); err != nil {
		p.logger.Warnf("recording diocese error: %v", err)
	}
	if err := p.work.MarkDioceseCompleted(ctx, w.ID, coordinator.StatusFailed); err != nil {
		p.logger.Warnf("releasing failed diocese %d: %v", w.ID, err)
	}

	p.mu.Lock()
	p.stats.DiocesesProcessed++
	p.stats.DiocesesFailed++
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordDiocese(coordinator.StatusFailed, "", 0)
		p.metrics.RecordError(string(errorhandling.Classify(cause)))
	}
}

// recordStages mirrors the chain's stage outcomes into the metrics
// counters. AI stages also feed the success-rate counter.
func (p *AsyncDioceseProcessor) recordStages(stages []extractor.StageOutcome) {
	for _, st := range stages {
		outcome := "success"
		switch {
		case st.Skipped:
			outcome = "skipped"
		case st.Error != "":
			outcome = "error"
		case st.Candidates == 0:
			outcome = "empty"
		}
		p.metrics.RecordStage(st.Extractor, outcome)
		if st.Strategy == extractor.StrategyAI && !st.Skipped {
			p.metrics.RecordAI(st.Error == "" && st.Candidates > 0)
		}
	}
}

// winningExtractor names the stage that produced the persisted
// candidates, falling back to the result strategy.
func winningExtractor(result *extractor.Result) string {
	for _, st := range result.Stages {
		if !st.Skipped && st.Error == "" && st.Candidates > 0 {
			return st.Extractor
		}
	}
	return string(result.Strategy)
}

func (p *AsyncDioceseProcessor) processedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.DiocesesProcessed
}

// GetStats returns a processing snapshot.
func (p *AsyncDioceseProcessor) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// sleep waits one poll interval, returning false if the context died.
func (p *AsyncDioceseProcessor) sleep(ctx context.Context) bool {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
