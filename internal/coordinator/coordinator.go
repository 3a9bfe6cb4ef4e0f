// internal/coordinator/coordinator.go
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// WorkerType specializes what a worker process does with its leases.
type WorkerType string

const (
	WorkerDiscovery  WorkerType = "discovery"
	WorkerExtraction WorkerType = "extraction"
	WorkerSchedule   WorkerType = "schedule"
	WorkerAll        WorkerType = "all"
)

// Assignment statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Config tunes coordination liveness.
type Config struct {
	WorkerType        WorkerType    `yaml:"worker_type" json:"worker_type"`
	PodName           string        `yaml:"pod_name" json:"pod_name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	WorkerTimeout     time.Duration `yaml:"worker_timeout" json:"worker_timeout"`

	// DioceseID restricts leasing to one diocese. Zero means no filter.
	DioceseID int64 `yaml:"diocese_id" json:"diocese_id"`
}

// UnmarshalYAML accepts durations as strings ("30s") or nanoseconds.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		WorkerType        WorkerType     `yaml:"worker_type"`
		PodName           string         `yaml:"pod_name"`
		HeartbeatInterval utils.Duration `yaml:"heartbeat_interval"`
		WorkerTimeout     utils.Duration `yaml:"worker_timeout"`
		DioceseID         int64          `yaml:"diocese_id"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.WorkerType = raw.WorkerType
	c.PodName = raw.PodName
	c.HeartbeatInterval = time.Duration(raw.HeartbeatInterval)
	c.WorkerTimeout = time.Duration(raw.WorkerTimeout)
	c.DioceseID = raw.DioceseID
	return nil
}

// DefaultConfig returns the coordination defaults: heartbeat every 30s,
// a worker silent for 120s is stale.
func DefaultConfig() Config {
	pod, _ := os.Hostname()
	return Config{
		WorkerType:        WorkerAll,
		PodName:           pod,
		HeartbeatInterval: 30 * time.Second,
		WorkerTimeout:     120 * time.Second,
	}
}

// DioceseWork is one leased unit of diocese-level work.
type DioceseWork struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	DirectoryURL string `json:"directory_url"`
}

// Schema holds the coordination tables. The partial unique index is the
// leasing correctness mechanism: two coordinators racing to lease the
// same diocese produce a unique violation for the loser instead of a
// silent double-lease.
const Schema = `
CREATE TABLE IF NOT EXISTS workers (
    id             TEXT PRIMARY KEY,
    pod_name       TEXT NOT NULL,
    worker_type    TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'active',
    last_heartbeat TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS diocese_work_assignments (
    id           BIGSERIAL PRIMARY KEY,
    diocese_id   BIGINT NOT NULL,
    worker_id    TEXT NOT NULL REFERENCES workers(id),
    status       TEXT NOT NULL DEFAULT 'processing',
    assigned_at  TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_diocese_processing
    ON diocese_work_assignments (diocese_id)
    WHERE status = 'processing';
`

// Coordinator leases diocese work units across cooperating worker
// processes through the shared store. Heartbeats are the sole liveness
// signal; work owned by a silent worker is reclaimed after
// WorkerTimeout.
type Coordinator struct {
	db       *sql.DB
	cfg      Config
	workerID string
	logger   utils.Logger

	mu       sync.Mutex
	inFlight map[int64]bool

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}

	now func() time.Time
}

// New creates a coordinator with a fresh worker identity.
func New(db *sql.DB, cfg Config) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = DefaultConfig().WorkerTimeout
	}
	if cfg.WorkerType == "" {
		cfg.WorkerType = WorkerAll
	}
	return &Coordinator{
		db:       db,
		cfg:      cfg,
		workerID: uuid.NewString(),
		logger:   utils.NewComponentLogger("coordinator"),
		inFlight: make(map[int64]bool),
		now:      time.Now,
	}
}

// WorkerID returns this process's coordination identity.
func (c *Coordinator) WorkerID() string { return c.workerID }

// EnsureSchema creates the coordination tables if absent.
func (c *Coordinator) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating coordination schema: %w", err)
	}
	return nil
}

// RegisterWorker announces this worker in the shared store and starts
// the heartbeat loop.
func (c *Coordinator) RegisterWorker(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO workers (id, pod_name, worker_type, status, last_heartbeat)
		VALUES ($1, $2, $3, 'active', $4)
		ON CONFLICT (id) DO UPDATE SET
			pod_name = EXCLUDED.pod_name,
			worker_type = EXCLUDED.worker_type,
			status = 'active',
			last_heartbeat = EXCLUDED.last_heartbeat`,
		c.workerID, c.cfg.PodName, string(c.cfg.WorkerType), c.now())
	if err != nil {
		return fmt.Errorf("registering worker %s: %w", c.workerID, err)
	}
	c.logger.WithFields(map[string]interface{}{
		"worker_id": c.workerID,
		"pod":       c.cfg.PodName,
		"type":      string(c.cfg.WorkerType),
	}).Info("worker registered")

	hbCtx, cancel := context.WithCancel(context.Background())
	c.heartbeatCancel = cancel
	c.heartbeatDone = make(chan struct{})
	go c.heartbeatLoop(hbCtx)
	return nil
}

// SendHeartbeat refreshes this worker's liveness timestamp.
func (c *Coordinator) SendHeartbeat(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = $1, status = 'active' WHERE id = $2`,
		c.now(), c.workerID)
	if err != nil {
		return fmt.Errorf("heartbeat for %s: %w", c.workerID, err)
	}
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer close(c.heartbeatDone)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SendHeartbeat(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warnf("heartbeat failed: %v", err)
			}
		}
	}
}

// reclaimStaleWork marks processing assignments of silent workers as
// failed so their dioceses return to the pool, and flags the workers
// themselves failed.
func (c *Coordinator) reclaimStaleWork(ctx context.Context) error {
	cutoff := c.now().Add(-c.cfg.WorkerTimeout)

	res, err := c.db.ExecContext(ctx, `
		UPDATE diocese_work_assignments SET status = 'failed', completed_at = $1
		WHERE status = 'processing'
		  AND worker_id IN (SELECT id FROM workers WHERE last_heartbeat < $2)`,
		c.now(), cutoff)
	if err != nil {
		return fmt.Errorf("reclaiming stale assignments: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.logger.Infof("reclaimed %d stale diocese assignments", n)
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE workers SET status = 'failed' WHERE last_heartbeat < $1 AND status = 'active'`,
		cutoff); err != nil {
		return fmt.Errorf("flagging stale workers: %w", err)
	}
	return nil
}

// GetAvailableWork reclaims stale work, then leases up to maxDioceses
// unassigned dioceses to this worker. The insert races against other
// coordinators; a unique violation on the processing index means
// another worker won that diocese and it is skipped.
func (c *Coordinator) GetAvailableWork(ctx context.Context, maxDioceses int) ([]DioceseWork, error) {
	if maxDioceses <= 0 {
		return nil, nil
	}
	if err := c.reclaimStaleWork(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT d.id, d.name, d.directory_url
		FROM dioceses d
		WHERE d.directory_url IS NOT NULL AND d.directory_url <> ''
		  AND NOT EXISTS (
			SELECT 1 FROM diocese_work_assignments a
			WHERE a.diocese_id = d.id AND a.status = 'processing'
		  )
		ORDER BY d.id
		LIMIT $1`
	args := []interface{}{maxDioceses}
	if c.cfg.DioceseID > 0 {
		query = `
		SELECT d.id, d.name, d.directory_url
		FROM dioceses d
		WHERE d.id = $2
		  AND d.directory_url IS NOT NULL AND d.directory_url <> ''
		  AND NOT EXISTS (
			SELECT 1 FROM diocese_work_assignments a
			WHERE a.diocese_id = d.id AND a.status = 'processing'
		  )
		LIMIT $1`
		args = append(args, c.cfg.DioceseID)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting available dioceses: %w", err)
	}
	defer rows.Close()

	var candidates []DioceseWork
	for rows.Next() {
		var w DioceseWork
		if err := rows.Scan(&w.ID, &w.Name, &w.DirectoryURL); err != nil {
			return nil, fmt.Errorf("scanning diocese row: %w", err)
		}
		candidates = append(candidates, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading diocese rows: %w", err)
	}

	var leased []DioceseWork
	for _, w := range candidates {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO diocese_work_assignments (diocese_id, worker_id, status, assigned_at)
			VALUES ($1, $2, 'processing', $3)`,
			w.ID, c.workerID, c.now())
		if err != nil {
			if isUniqueViolation(err) {
				c.logger.Debugf("lost lease race for diocese %d, skipping", w.ID)
				continue
			}
			return leased, fmt.Errorf("leasing diocese %d: %w", w.ID, err)
		}
		c.mu.Lock()
		c.inFlight[w.ID] = true
		c.mu.Unlock()
		leased = append(leased, w)
	}

	c.logger.Infof("leased %d of %d candidate dioceses", len(leased), len(candidates))
	return leased, nil
}

// MarkDioceseCompleted finishes this worker's processing assignment
// with the given terminal status.
func (c *Coordinator) MarkDioceseCompleted(ctx context.Context, dioceseID int64, status string) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE diocese_work_assignments SET status = $1, completed_at = $2
		WHERE diocese_id = $3 AND worker_id = $4 AND status = 'processing'`,
		status, c.now(), dioceseID, c.workerID)
	if err != nil {
		return fmt.Errorf("completing diocese %d: %w", dioceseID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no processing assignment for diocese %d owned by this worker", dioceseID)
	}

	c.mu.Lock()
	delete(c.inFlight, dioceseID)
	c.mu.Unlock()
	return nil
}

// Shutdown stops the heartbeat, releases in-flight assignments as
// failed so other workers can reclaim them immediately, and marks the
// worker inactive.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
		<-c.heartbeatDone
	}

	c.mu.Lock()
	pending := make([]int64, 0, len(c.inFlight))
	for id := range c.inFlight {
		pending = append(pending, id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range pending {
		if err := c.MarkDioceseCompleted(ctx, id, StatusFailed); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE workers SET status = 'inactive' WHERE id = $1`, c.workerID); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("deactivating worker: %w", err)
	}
	c.logger.Infof("worker %s shut down, released %d in-flight dioceses", c.workerID, len(pending))
	return firstErr
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
