// internal/processor/processor_test.go
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/coordinator"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/extractor"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/scheduler"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/storage"
)

type stubWork struct {
	mu        sync.Mutex
	batches   [][]coordinator.DioceseWork
	completed map[int64]string
}

func newStubWork(batches ...[]coordinator.DioceseWork) *stubWork {
	return &stubWork{batches: batches, completed: make(map[int64]string)}
}

func (s *stubWork) GetAvailableWork(ctx context.Context, maxDioceses int) ([]coordinator.DioceseWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	if len(batch) > maxDioceses {
		batch = batch[:maxDioceses]
	}
	return batch, nil
}

func (s *stubWork) MarkDioceseCompleted(ctx context.Context, dioceseID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[dioceseID] = status
	return nil
}

func (s *stubWork) statusOf(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[id]
}

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls []string
}

func (f *stubFetcher) FetchPage(ctx context.Context, url string, retryCount int) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return "", err
	}
	if html, ok := f.pages[url]; ok {
		return html, nil
	}
	return "<html><body></body></html>", nil
}

type stubChain struct {
	results map[string]*extractor.Result
	errs    map[string]error
}

func (c *stubChain) Extract(ctx context.Context, pageURL, rawHTML string) (*extractor.Result, error) {
	if err, ok := c.errs[pageURL]; ok {
		return nil, err
	}
	if r, ok := c.results[pageURL]; ok {
		return r, nil
	}
	return &extractor.Result{Strategy: extractor.StrategyGeneric}, nil
}

type memStore struct {
	mu       sync.Mutex
	nextID   int64
	parishes map[int64][]storage.Parish
	facts    map[int64][]storage.ScheduleFact
	errors   map[int64]string
	failUp   bool
}

func newMemStore() *memStore {
	return &memStore{
		parishes: make(map[int64][]storage.Parish),
		facts:    make(map[int64][]storage.ScheduleFact),
		errors:   make(map[int64]string),
	}
}

func (m *memStore) UpsertDiocese(ctx context.Context, d *storage.Diocese) error { return nil }

func (m *memStore) UpsertParishes(ctx context.Context, dioceseID int64, parishes []storage.Parish) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUp {
		return 0, errors.New("disk full")
	}
	for i := range parishes {
		m.nextID++
		parishes[i].ID = m.nextID
		parishes[i].DioceseID = dioceseID
	}
	m.parishes[dioceseID] = append(m.parishes[dioceseID], parishes...)
	return len(parishes), nil
}

func (m *memStore) UpsertScheduleFacts(ctx context.Context, parishID int64, facts []storage.ScheduleFact) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[parishID] = append(m.facts[parishID], facts...)
	return len(facts), nil
}

func (m *memStore) RecordDioceseError(ctx context.Context, dioceseID int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[dioceseID] = message
	return nil
}

func (m *memStore) Close() error { return nil }

func parishResult(sourceURL string, names ...string) *extractor.Result {
	r := &extractor.Result{Strategy: extractor.StrategyTable, Confidence: 0.9}
	for _, name := range names {
		r.Parishes = append(r.Parishes, extractor.Candidate{
			Name:       name,
			SourceURL:  sourceURL,
			Extractor:  "table",
			Confidence: 0.9,
		})
	}
	return r
}

func newTestProcessor(cfg Config, work WorkSource, fetch PageFetcher, chain ParishExtractor, store storage.Store) *AsyncDioceseProcessor {
	sched := scheduler.NewManager(scheduler.Config{MaxWorkers: 2, ShutdownGrace: 2 * time.Second}, nil, nil, nil)
	cfg.ExitWhenIdle = true
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return New(cfg, work, fetch, chain, store, nil, sched)
}

func TestRunProcessesLeasedDioceses(t *testing.T) {
	work := newStubWork([]coordinator.DioceseWork{
		{ID: 1, Name: "Diocese of Atlanta", DirectoryURL: "https://archatl.com/parishes"},
		{ID: 2, Name: "Diocese of Savannah", DirectoryURL: "https://diosav.org/parishes"},
	})
	chain := &stubChain{results: map[string]*extractor.Result{
		"https://archatl.com/parishes": parishResult("https://archatl.com/parishes",
			"St. Mary Catholic Church", "Holy Cross Parish"),
		"https://diosav.org/parishes": parishResult("https://diosav.org/parishes",
			"Sacred Heart Church"),
	}}
	store := newMemStore()
	p := newTestProcessor(Config{TaskMaxRetries: -1}, work, &stubFetcher{}, chain, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := work.statusOf(1); got != coordinator.StatusCompleted {
		t.Errorf("diocese 1 status = %q, want completed", got)
	}
	if got := work.statusOf(2); got != coordinator.StatusCompleted {
		t.Errorf("diocese 2 status = %q, want completed", got)
	}
	if len(store.parishes[1]) != 2 || len(store.parishes[2]) != 1 {
		t.Errorf("parish counts = %d/%d, want 2/1", len(store.parishes[1]), len(store.parishes[2]))
	}

	stats := p.GetStats()
	if stats.DiocesesSucceeded != 2 || stats.ParishesPersisted != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDioceseFailureDoesNotStopBatch(t *testing.T) {
	work := newStubWork([]coordinator.DioceseWork{
		{ID: 1, Name: "Diocese A", DirectoryURL: "https://a.org/parishes"},
		{ID: 2, Name: "Diocese B", DirectoryURL: "https://b.org/parishes"},
	})
	chain := &stubChain{
		results: map[string]*extractor.Result{
			"https://b.org/parishes": parishResult("https://b.org/parishes", "St. Joseph Parish"),
		},
		errs: map[string]error{
			"https://a.org/parishes": extractor.ErrNoParishes,
		},
	}
	store := newMemStore()
	p := newTestProcessor(Config{TaskMaxRetries: -1}, work, &stubFetcher{}, chain, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := work.statusOf(1); got != coordinator.StatusFailed {
		t.Errorf("diocese 1 status = %q, want failed", got)
	}
	if got := work.statusOf(2); got != coordinator.StatusCompleted {
		t.Errorf("diocese 2 status = %q, want completed", got)
	}
	if store.errors[1] == "" {
		t.Error("failure should be recorded against diocese 1")
	}
	if len(store.parishes[2]) != 1 {
		t.Errorf("diocese 2 parishes = %d, want 1", len(store.parishes[2]))
	}

	stats := p.GetStats()
	if stats.DiocesesFailed != 1 || stats.DiocesesSucceeded != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPersistenceErrorFailsDiocese(t *testing.T) {
	work := newStubWork([]coordinator.DioceseWork{
		{ID: 5, Name: "Diocese C", DirectoryURL: "https://c.org/parishes"},
	})
	chain := &stubChain{results: map[string]*extractor.Result{
		"https://c.org/parishes": parishResult("https://c.org/parishes", "St. Anne Church"),
	}}
	store := newMemStore()
	store.failUp = true
	p := newTestProcessor(Config{TaskMaxRetries: -1}, work, &stubFetcher{}, chain, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := work.statusOf(5); got != coordinator.StatusFailed {
		t.Errorf("status = %q, want failed after persistence error", got)
	}
	if store.errors[5] == "" {
		t.Error("persistence failure should be recorded")
	}
}

func TestScheduleFactsPersisted(t *testing.T) {
	const detailURL = "https://stmary.org/mass-times"
	work := newStubWork([]coordinator.DioceseWork{
		{ID: 3, Name: "Diocese D", DirectoryURL: "https://d.org/parishes"},
	})
	result := parishResult("https://d.org/parishes", "St. Mary Catholic Church")
	result.Parishes[0].DetailURL = detailURL
	chain := &stubChain{results: map[string]*extractor.Result{"https://d.org/parishes": result}}
	fetch := &stubFetcher{pages: map[string]string{
		detailURL: `<html><body>
			<h2>Mass Times</h2>
			<p>Sunday Masses: 8:00 AM, 10:30 AM</p>
			<p>Confessions: Saturday 3:30 PM</p>
		</body></html>`,
	}}
	store := newMemStore()
	p := newTestProcessor(Config{TaskMaxRetries: -1, ExtractSchedules: true}, work, fetch, chain, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	parishID := store.parishes[3][0].ID
	facts := store.facts[parishID]
	if len(facts) != 2 {
		t.Fatalf("facts = %d, want mass and reconciliation", len(facts))
	}
	types := map[string]bool{}
	for _, f := range facts {
		types[f.FactType] = true
		if f.SourceURL != detailURL {
			t.Errorf("fact source = %q, want %q", f.SourceURL, detailURL)
		}
	}
	if !types[storage.FactMass] || !types[storage.FactReconciliation] {
		t.Errorf("fact types = %v", types)
	}
	if p.GetStats().FactsPersisted != 2 {
		t.Errorf("stats facts = %d, want 2", p.GetStats().FactsPersisted)
	}
}

func TestMaxDiocesesCapsLeasing(t *testing.T) {
	var all []coordinator.DioceseWork
	for i := 1; i <= 6; i++ {
		all = append(all, coordinator.DioceseWork{
			ID:           int64(i),
			Name:         fmt.Sprintf("Diocese %d", i),
			DirectoryURL: fmt.Sprintf("https://d%d.org/parishes", i),
		})
	}
	work := newStubWork(all, all)
	store := newMemStore()
	p := newTestProcessor(Config{TaskMaxRetries: -1, BatchSize: 4, MaxDioceses: 2},
		work, &stubFetcher{}, &stubChain{}, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := p.GetStats().DiocesesProcessed; got != 2 {
		t.Errorf("processed %d dioceses, want 2", got)
	}
}

func TestRunExitsWhenIdle(t *testing.T) {
	p := newTestProcessor(Config{TaskMaxRetries: -1}, newStubWork(), &stubFetcher{}, &stubChain{}, newMemStore())

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("processor should exit once the work pool drains")
	}
}

// metricsStub counts recorder callbacks; the scheduler's workers call
// them concurrently.
type metricsStub struct {
	mu           sync.Mutex
	dioceses     map[string]int
	parishes     int
	parishSource string
	facts        map[string]int
	stages       map[string]string
	pageLoads    int
	aiSuccesses  int
	aiFailures   int
	errorTypes   map[string]int
}

func newMetricsStub() *metricsStub {
	return &metricsStub{
		dioceses:   make(map[string]int),
		facts:      make(map[string]int),
		stages:     make(map[string]string),
		errorTypes: make(map[string]int),
	}
}

func (m *metricsStub) RecordDiocese(status, strategy string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dioceses[status]++
}

func (m *metricsStub) RecordParishes(extractorName string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parishes += count
	m.parishSource = extractorName
}

func (m *metricsStub) RecordScheduleFacts(factType string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[factType] += count
}

func (m *metricsStub) RecordStage(stage, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage] = outcome
}

func (m *metricsStub) RecordPageLoad(domain string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageLoads++
}

func (m *metricsStub) RecordAI(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.aiSuccesses++
	} else {
		m.aiFailures++
	}
}

func (m *metricsStub) RecordError(errType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorTypes[errType]++
}

func TestProcessingFeedsMetricsRecorder(t *testing.T) {
	const detailURL = "https://holycross.org/mass-times"
	work := newStubWork([]coordinator.DioceseWork{
		{ID: 1, Name: "Diocese of Raleigh", DirectoryURL: "https://dioceseofraleigh.org/parishes"},
		{ID: 2, Name: "Diocese of Charlotte", DirectoryURL: "https://charlottediocese.org/parishes"},
	})

	result := parishResult("https://dioceseofraleigh.org/parishes", "Holy Cross Parish")
	result.Parishes[0].DetailURL = detailURL
	result.Stages = []extractor.StageOutcome{
		{Extractor: "generic", Strategy: extractor.StrategyGeneric, Candidates: 0},
		{Extractor: "table", Strategy: extractor.StrategyTable, Candidates: 1},
		{Extractor: "ai", Strategy: extractor.StrategyAI, Skipped: true, SkipReason: "budget"},
	}
	chain := &stubChain{
		results: map[string]*extractor.Result{"https://dioceseofraleigh.org/parishes": result},
		errs: map[string]error{
			"https://charlottediocese.org/parishes": extractor.ErrNoParishes,
		},
	}
	fetch := &stubFetcher{pages: map[string]string{
		detailURL: "<html><body><p>Sunday Masses: 9:00 AM</p></body></html>",
	}}
	store := newMemStore()
	rec := newMetricsStub()
	p := newTestProcessor(Config{TaskMaxRetries: -1, ExtractSchedules: true},
		work, fetch, chain, store).WithMetrics(rec)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.dioceses[coordinator.StatusCompleted] != 1 || rec.dioceses[coordinator.StatusFailed] != 1 {
		t.Errorf("diocese counts = %v, want 1 completed / 1 failed", rec.dioceses)
	}
	if rec.parishes != 1 || rec.parishSource != "table" {
		t.Errorf("parishes = %d from %q, want 1 from table", rec.parishes, rec.parishSource)
	}
	if rec.facts[storage.FactMass] != 1 {
		t.Errorf("mass facts = %d, want 1", rec.facts[storage.FactMass])
	}
	if rec.stages["generic"] != "empty" || rec.stages["table"] != "success" || rec.stages["ai"] != "skipped" {
		t.Errorf("stage outcomes = %v", rec.stages)
	}
	if rec.aiSuccesses != 0 || rec.aiFailures != 0 {
		t.Error("skipped AI stage must not count toward AI requests")
	}
	if rec.pageLoads < 2 {
		t.Errorf("page loads = %d, want one per directory page", rec.pageLoads)
	}
	if len(rec.errorTypes) == 0 {
		t.Error("failed diocese should record a classified error")
	}
}

func TestScanScheduleFacts(t *testing.T) {
	html := `<html><body>
		<h1>St. Mary Catholic Church</h1>
		<p>Sunday Masses: 8:00 AM, 10:30 AM, 12:15 PM</p>
		<p>Daily Mass: Monday-Friday 7:00 AM</p>
		<p>Reconciliation: Saturday 3:30 PM or by appointment</p>
		<p>Eucharistic Adoration: First Friday 9:00 AM - 5:00 PM</p>
		<p>Office hours: 9:00 AM to 4:00 PM</p>
		<p>Parish picnic in June</p>
	</body></html>`

	facts := ScanScheduleFacts(html, "https://stmary.org/")
	byType := map[string]int{}
	for _, f := range facts {
		byType[f.FactType]++
		if f.Confidence <= 0 || f.Confidence > 1 {
			t.Errorf("confidence %f out of range", f.Confidence)
		}
	}
	if byType[storage.FactMass] != 2 {
		t.Errorf("mass facts = %d, want 2", byType[storage.FactMass])
	}
	if byType[storage.FactReconciliation] != 1 {
		t.Errorf("reconciliation facts = %d, want 1", byType[storage.FactReconciliation])
	}
	if byType[storage.FactAdoration] != 1 {
		t.Errorf("adoration facts = %d, want 1", byType[storage.FactAdoration])
	}

	if got := ScanScheduleFacts("<html><body><p>Welcome to our parish</p></body></html>", "u"); len(got) != 0 {
		t.Errorf("pages without times should yield no facts, got %d", len(got))
	}
}
