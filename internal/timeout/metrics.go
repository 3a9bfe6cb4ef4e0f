// internal/timeout/metrics.go
package timeout

import (
	"math"
	"sort"
	"time"
)

// Window capacities. Response times keep a longer history than the
// success/failure timestamps used for rate calculations.
const (
	responseWindowSize = 100
	outcomeWindowSize  = 50

	// Multiplier applied over the average when too few samples exist
	// for a meaningful p95.
	sparseP95Multiplier = 1.5
	minSamplesForP95    = 5
)

// responseMetrics holds bounded rolling windows of observations for one
// domain. It is owned by the Manager and mutated only through
// Manager.RecordResponse; derived values are read under the Manager's
// lock.
type responseMetrics struct {
	responseTimes        []float64 // seconds
	successTimes         []time.Time
	failureTimes         []time.Time
	timeoutCount         int
	complexityIndicators map[string]float64
	lastUpdated          time.Time
}

func newResponseMetrics() *responseMetrics {
	return &responseMetrics{
		complexityIndicators: make(map[string]float64),
	}
}

func (m *responseMetrics) record(latency time.Duration, success bool, timedOut bool, now time.Time) {
	m.responseTimes = appendBounded(m.responseTimes, latency.Seconds(), responseWindowSize)
	if success {
		m.successTimes = appendBoundedTime(m.successTimes, now, outcomeWindowSize)
	} else {
		m.failureTimes = appendBoundedTime(m.failureTimes, now, outcomeWindowSize)
	}
	if timedOut {
		m.timeoutCount++
	}
	m.lastUpdated = now
}

func (m *responseMetrics) mergeIndicators(indicators map[string]float64) {
	for k, v := range indicators {
		m.complexityIndicators[k] = v
	}
}

func (m *responseMetrics) sampleCount() int { return len(m.responseTimes) }

func (m *responseMetrics) average() float64 {
	if len(m.responseTimes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.responseTimes {
		sum += v
	}
	return sum / float64(len(m.responseTimes))
}

// recentAverage averages the last n samples.
func (m *responseMetrics) recentAverage(n int) float64 {
	if len(m.responseTimes) == 0 {
		return 0
	}
	start := len(m.responseTimes) - n
	if start < 0 {
		start = 0
	}
	window := m.responseTimes[start:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

// p95 returns the 95th percentile latency, or a multiple of the average
// when fewer than minSamplesForP95 observations exist.
func (m *responseMetrics) p95() float64 {
	if len(m.responseTimes) < minSamplesForP95 {
		return m.average() * sparseP95Multiplier
	}
	sorted := make([]float64, len(m.responseTimes))
	copy(sorted, m.responseTimes)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (m *responseMetrics) successRate() float64 {
	total := len(m.successTimes) + len(m.failureTimes)
	if total == 0 {
		return 1.0
	}
	return float64(len(m.successTimes)) / float64(total)
}

// complexityScore sums indicator weights, capped at 10.
func (m *responseMetrics) complexityScore() float64 {
	var score float64
	for _, w := range m.complexityIndicators {
		score += w
	}
	if score > 10 {
		score = 10
	}
	return score
}

func appendBounded(s []float64, v float64, capacity int) []float64 {
	s = append(s, v)
	if len(s) > capacity {
		s = s[len(s)-capacity:]
	}
	return s
}

func appendBoundedTime(s []time.Time, v time.Time, capacity int) []time.Time {
	s = append(s, v)
	if len(s) > capacity {
		s = s[len(s)-capacity:]
	}
	return s
}
