// internal/timeout/manager.go
package timeout

import (
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// Floor applied to every computed timeout.
const minTimeout = 3 * time.Second

// History weighting: the empirical p95 dominates the static preset as
// observations accrue, capped once historyWeightCapSamples exist.
const (
	historyWeightCap        = 0.7
	historyWeightCapSamples = 20
)

// Context hint keys accepted by OptimalTimeout.
const (
	HintDetectedSPA  = "detected_spa"
	HintCDNDetected  = "cdn_detected"
	HintLargeContent = "large_content"
	HintManyImages   = "many_images"
	HintPoorNetwork  = "poor_network_quality"
)

// Manager computes per-domain adaptive timeouts from rolling response
// statistics.
type Manager struct {
	mu      sync.Mutex
	domains map[string]*responseMetrics

	// Process-wide moving average across all domains, used for
	// diagnostics only.
	globalAverage float64
	globalSamples int64

	logger utils.Logger
	now    func() time.Time
}

// NewManager creates an adaptive timeout manager.
func NewManager() *Manager {
	return &Manager{
		domains: make(map[string]*responseMetrics),
		logger:  utils.NewComponentLogger("adaptive-timeout"),
		now:     time.Now,
	}
}

// OptimalTimeout returns the recommended timeout for the next operation
// against the URL's domain. The result is always within
// [minTimeout, strategy.MaxTimeout] and never decreases as retryCount
// grows with all else fixed.
func (m *Manager) OptimalTimeout(url, operationType string, retryCount int, hints map[string]bool) time.Duration {
	domain := utils.DomainOf(url)

	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.metricsFor(domain)
	strategy := m.selectStrategy(domain, metrics, hints)

	// Blend the preset base with the domain's historical p95, weighted
	// by how much history exists.
	base := strategy.BaseTimeout.Seconds()
	if n := metrics.sampleCount(); n > 0 {
		weight := historyWeightCap * float64(n) / historyWeightCapSamples
		if weight > historyWeightCap {
			weight = historyWeightCap
		}
		weight *= strategy.AdaptiveFactor
		if p95 := metrics.p95(); p95 > 0 {
			base = base*(1-weight) + p95*weight
		}
	}

	if mult, ok := operationMultipliers[operationType]; ok {
		base *= mult
	}

	// Retry escalation.
	base *= math.Pow(strategy.RetryMultiplier, float64(retryCount))

	// Recent-trend adjustment: a hot streak of slow responses bumps the
	// budget before the full average catches up.
	if metrics.sampleCount() >= minSamplesForP95 {
		overall := metrics.average()
		recent := metrics.recentAverage(5)
		switch {
		case overall > 0 && recent > overall*1.5:
			base *= 1.3
		case overall > 0 && recent < overall*0.7:
			base *= 0.9
		}
	}

	// Reliability adjustment, once enough outcomes exist to judge.
	if len(metrics.successTimes)+len(metrics.failureTimes) >= minSamplesForP95 {
		switch rate := metrics.successRate(); {
		case rate < 0.5:
			base *= 1.4
		case rate > 0.95:
			base *= 0.9
		}
	}

	// Complexity scaling in [0.8, 1.4]; neutral until content has been
	// observed for the domain.
	if len(metrics.complexityIndicators) > 0 {
		score := metrics.complexityScore()
		scale := 0.8 + 0.06*score
		if score < 0 {
			scale = 0.8
		}
		base *= scale
	}

	// Caller-supplied modifiers.
	if hints[HintLargeContent] {
		base *= 1.2
	}
	if hints[HintManyImages] {
		base *= 1.15
	}
	if hints[HintPoorNetwork] {
		base *= 1.3
	}

	result := time.Duration(base * float64(time.Second))
	if result < minTimeout {
		result = minTimeout
	}
	if result > strategy.MaxTimeout {
		result = strategy.MaxTimeout
	}
	return result
}

// StrategyFor exposes the strategy that would be selected for a URL,
// used by callers sizing per-extractor budgets.
func (m *Manager) StrategyFor(url string, hints map[string]bool) Strategy {
	domain := utils.DomainOf(url)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectStrategy(domain, m.metricsFor(domain), hints)
}

// selectStrategy resolves the preset for a domain. Must be called with
// mu held.
func (m *Manager) selectStrategy(domain string, metrics *responseMetrics, hints map[string]bool) Strategy {
	for substr, name := range domainClassifications {
		if strings.Contains(domain, substr) {
			return StrategyByName(name)
		}
	}

	if metrics.sampleCount() >= minSamplesForP95 {
		avg := metrics.average()
		complexity := metrics.complexityScore()
		rate := metrics.successRate()
		switch {
		case avg < 2.0 && complexity < 2.0 && rate > 0.9:
			return StrategyByName(StrategyLightning)
		case avg > 15.0 || complexity > 7.0 || rate < 0.6:
			return StrategyByName(StrategyPatient)
		case avg < 5.0 && rate > 0.8:
			return StrategyByName(StrategyFast)
		case avg > 8.0 || complexity > 4.0:
			return StrategyByName(StrategyComplex)
		}
		return StrategyByName(StrategyModerate)
	}

	if hints[HintDetectedSPA] {
		return StrategyByName(StrategyComplex)
	}
	if hints[HintCDNDetected] {
		return StrategyByName(StrategyFast)
	}
	return StrategyByName(StrategyModerate)
}

// RecordResponse feeds one observed operation back into the model.
func (m *Manager) RecordResponse(url string, latency time.Duration, success bool, indicators map[string]float64, timedOut bool) {
	domain := utils.DomainOf(url)

	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.metricsFor(domain)
	metrics.record(latency, success, timedOut, m.now())
	if len(indicators) > 0 {
		metrics.mergeIndicators(indicators)
	}

	m.globalSamples++
	m.globalAverage += (latency.Seconds() - m.globalAverage) / float64(m.globalSamples)
}

func (m *Manager) metricsFor(domain string) *responseMetrics {
	metrics, ok := m.domains[domain]
	if !ok {
		metrics = newResponseMetrics()
		m.domains[domain] = metrics
	}
	return metrics
}

// DomainStats is a diagnostic snapshot for one domain.
type DomainStats struct {
	Domain          string    `json:"domain"`
	Samples         int       `json:"samples"`
	AverageSeconds  float64   `json:"average_seconds"`
	P95Seconds      float64   `json:"p95_seconds"`
	SuccessRate     float64   `json:"success_rate"`
	ComplexityScore float64   `json:"complexity_score"`
	Timeouts        int       `json:"timeouts"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Stats returns diagnostic snapshots for all known domains.
func (m *Manager) Stats() []DomainStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DomainStats, 0, len(m.domains))
	for domain, metrics := range m.domains {
		out = append(out, DomainStats{
			Domain:          domain,
			Samples:         metrics.sampleCount(),
			AverageSeconds:  metrics.average(),
			P95Seconds:      metrics.p95(),
			SuccessRate:     metrics.successRate(),
			ComplexityScore: metrics.complexityScore(),
			Timeouts:        metrics.timeoutCount,
			LastUpdated:     metrics.lastUpdated,
		})
	}
	return out
}

var (
	scriptTagPattern = regexp.MustCompile(`(?i)<script[\s>]`)
	iframePattern    = regexp.MustCompile(`(?i)<iframe[\s>]`)
	imgPattern       = regexp.MustCompile(`(?i)<img[\s>]`)
	spaPatterns      = regexp.MustCompile(`(?i)(ng-app|data-reactroot|__NEXT_DATA__|v-app|ember-application|id="root"|id="app")`)
	ajaxPattern      = regexp.MustCompile(`(?i)(XMLHttpRequest|fetch\(|axios|\$\.ajax)`)
)

// AnalyzeComplexityIndicators derives indicator weights from fetched
// page content and response headers. The result feeds the complexity
// score on subsequent timeout computations for the same domain, so
// content observed during one operation informs later decisions.
func AnalyzeComplexityIndicators(content string, headers map[string]string, redirects int) map[string]float64 {
	indicators := make(map[string]float64)

	if content != "" {
		scripts := len(scriptTagPattern.FindAllStringIndex(content, -1))
		if scripts > 0 {
			// JS density relative to page size.
			density := float64(scripts) / math.Max(1, float64(len(content))/10000)
			indicators["js_heavy"] = math.Min(3.0, density)
		}
		if spaPatterns.MatchString(content) {
			indicators["spa_detected"] = 2.5
		}
		if ajaxPattern.MatchString(content) {
			indicators["ajax_usage"] = 1.5
		}
		if n := len(imgPattern.FindAllStringIndex(content, -1)); n > 30 {
			indicators["image_heavy"] = 1.0
		}
		if n := len(iframePattern.FindAllStringIndex(content, -1)); n > 0 {
			indicators["iframes"] = math.Min(2.0, float64(n)*0.5)
		}
	}

	for k, v := range headers {
		key := strings.ToLower(k)
		if key == "server" || key == "via" || key == "x-cache" || key == "cf-ray" {
			lower := strings.ToLower(v)
			if strings.Contains(lower, "cloudflare") || strings.Contains(lower, "cloudfront") ||
				strings.Contains(lower, "fastly") || key == "cf-ray" {
				indicators["cdn"] = -0.5
			}
		}
	}

	if redirects > 1 {
		indicators["redirects"] = math.Min(1.5, float64(redirects)*0.5)
	}

	return indicators
}
