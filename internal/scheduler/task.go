// internal/scheduler/task.go
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// TaskState tracks a task through the scheduler.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// ExtractionTask is one unit of extraction work. Priority decays on
// retry so persistently failing tasks sink below healthy work.
type ExtractionTask struct {
	ID            string
	URL           string
	OperationType string
	DioceseID     int64
	ParishID      int64
	Priority      float64
	MaxRetries    int
	Timeout       time.Duration
	Metadata      map[string]string

	retryCount int
	domain     string
	seq        uint64
	state      TaskState
}

// Defaults applied to tasks that omit the field, whether built through
// NewTask or submitted as literals.
const (
	defaultOperationType = "page_load"
	defaultMaxRetries    = 3
)

// NewTask creates a queued task with defaults filled in.
func NewTask(url string, priority float64) *ExtractionTask {
	return &ExtractionTask{
		ID:            uuid.NewString(),
		URL:           url,
		OperationType: defaultOperationType,
		Priority:      priority,
		MaxRetries:    defaultMaxRetries,
		domain:        utils.DomainOf(url),
		state:         TaskQueued,
	}
}

// Domain returns the task's rate-limiting domain.
func (t *ExtractionTask) Domain() string {
	if t.domain == "" {
		t.domain = utils.DomainOf(t.URL)
	}
	return t.domain
}

// RetryCount reports how many times the task has been retried.
func (t *ExtractionTask) RetryCount() int { return t.retryCount }

// cacheKey derives the cache key from the URL plus a stable digest of
// the metadata, so the same URL fetched with different parameters does
// not collide.
func (t *ExtractionTask) cacheKey() string {
	if len(t.Metadata) == 0 {
		return fmt.Sprintf("task:%s", t.URL)
	}
	keys := make([]string, 0, len(t.Metadata))
	for k := range t.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf []byte
	for _, k := range keys {
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, t.Metadata[k]...)
		buf = append(buf, ';')
	}
	return fmt.Sprintf("task:%s:%s", t.URL, utils.ContentHash(buf)[:16])
}

// TaskResult records the terminal outcome of a task.
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	URL         string        `json:"url"`
	Data        []byte        `json:"-"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	Retries     int           `json:"retries"`
	FromCache   bool          `json:"from_cache"`
	CompletedAt time.Time     `json:"completed_at"`
}

// taskHeap is a max-heap on priority with FIFO tie-breaking by
// submission order.
type taskHeap []*ExtractionTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*ExtractionTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
