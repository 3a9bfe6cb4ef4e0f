// internal/errorhandling/metrics.go
package errorhandling

import (
	"sync"
	"time"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

const recentErrorCap = 100

// ErrorRecord is one classified failure kept in the recent ring.
type ErrorRecord struct {
	Operation string    `json:"operation"`
	Type      ErrorType `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Metrics accumulates classified failures and recovery outcomes.
type Metrics struct {
	mu sync.Mutex

	totalErrors     int64
	byType          map[ErrorType]int64
	byOperation     map[string]int64
	recoverySuccess int64
	recoveryFailure int64
	recent          []ErrorRecord
	recentHead      int

	now func() time.Time
}

// NewMetrics creates an empty metrics accumulator.
func NewMetrics() *Metrics {
	return &Metrics{
		byType:      make(map[ErrorType]int64),
		byOperation: make(map[string]int64),
		recent:      make([]ErrorRecord, 0, recentErrorCap),
		now:         time.Now,
	}
}

func (m *Metrics) record(operation string, errType ErrorType, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalErrors++
	m.byType[errType]++
	m.byOperation[operation]++

	rec := ErrorRecord{
		Operation: operation,
		Type:      errType,
		Severity:  SeverityOf(errType).String(),
		Message:   utils.TruncateString(err.Error(), 200),
		At:        m.now(),
	}
	if len(m.recent) < recentErrorCap {
		m.recent = append(m.recent, rec)
	} else {
		m.recent[m.recentHead] = rec
		m.recentHead = (m.recentHead + 1) % recentErrorCap
	}
}

func (m *Metrics) recordRecovery(operation string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.recoverySuccess++
	} else {
		m.recoveryFailure++
	}
}

// MetricsSnapshot is a point-in-time copy for reporting.
type MetricsSnapshot struct {
	TotalErrors     int64               `json:"total_errors"`
	ByType          map[ErrorType]int64 `json:"by_type"`
	ByOperation     map[string]int64    `json:"by_operation"`
	RecoverySuccess int64               `json:"recovery_success"`
	RecoveryFailure int64               `json:"recovery_failure"`
	RecoveryRate    float64             `json:"recovery_rate"`
	Recent          []ErrorRecord       `json:"recent"`
}

// Snapshot copies the current counters and recent errors in
// chronological order.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[ErrorType]int64, len(m.byType))
	for k, v := range m.byType {
		byType[k] = v
	}
	byOp := make(map[string]int64, len(m.byOperation))
	for k, v := range m.byOperation {
		byOp[k] = v
	}

	recent := make([]ErrorRecord, 0, len(m.recent))
	if len(m.recent) == recentErrorCap {
		recent = append(recent, m.recent[m.recentHead:]...)
		recent = append(recent, m.recent[:m.recentHead]...)
	} else {
		recent = append(recent, m.recent...)
	}

	rate := 0.0
	if total := m.recoverySuccess + m.recoveryFailure; total > 0 {
		rate = float64(m.recoverySuccess) / float64(total)
	}

	return MetricsSnapshot{
		TotalErrors:     m.totalErrors,
		ByType:          byType,
		ByOperation:     byOp,
		RecoverySuccess: m.recoverySuccess,
		RecoveryFailure: m.recoveryFailure,
		RecoveryRate:    rate,
		Recent:          recent,
	}
}
