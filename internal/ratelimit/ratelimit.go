// internal/ratelimit/ratelimit.go
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// Default per-domain limits. Diocese sites are small; two concurrent
// requests per host is already aggressive.
const (
	DefaultMaxConcurrent     = 2
	DefaultRequestsPerSecond = 1.0
	DefaultBurstLimit        = 3
	DefaultCooldown          = 5 * time.Minute

	// A domain with a failure rate above this, after at least
	// minRequestsForCooldown observations, is placed in cooldown.
	cooldownFailureRate    = 0.5
	minRequestsForCooldown = 5
	failureWindowDuration  = 60 * time.Second
)

// Config holds the limits applied to domains without overrides.
type Config struct {
	MaxConcurrent     int           `yaml:"max_concurrent" json:"max_concurrent"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	BurstLimit        int           `yaml:"burst_limit" json:"burst_limit"`
	Cooldown          time.Duration `yaml:"cooldown" json:"cooldown"`
}

// UnmarshalYAML accepts the cooldown as a string ("5m") or nanoseconds.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxConcurrent     int            `yaml:"max_concurrent"`
		RequestsPerSecond float64        `yaml:"requests_per_second"`
		BurstLimit        int            `yaml:"burst_limit"`
		Cooldown          utils.Duration `yaml:"cooldown"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.MaxConcurrent = raw.MaxConcurrent
	c.RequestsPerSecond = raw.RequestsPerSecond
	c.BurstLimit = raw.BurstLimit
	c.Cooldown = time.Duration(raw.Cooldown)
	return nil
}

// DefaultConfig returns production-safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     DefaultMaxConcurrent,
		RequestsPerSecond: DefaultRequestsPerSecond,
		BurstLimit:        DefaultBurstLimit,
		Cooldown:          DefaultCooldown,
	}
}

// DomainLimits enforces concurrency, request rate and cooldown for one
// domain.
type DomainLimits struct {
	domain  string
	limiter *rate.Limiter

	mu             sync.Mutex
	maxConcurrent  int
	cooldown       time.Duration
	activeRequests int
	blockedUntil   time.Time

	// Rolling outcome window for the failure-rate cooldown trigger.
	outcomes []outcome

	totalRequests int64
	totalBlocked  int64

	now func() time.Time
}

type outcome struct {
	at      time.Time
	success bool
}

func newDomainLimits(domain string, cfg Config) *DomainLimits {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = DefaultBurstLimit
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &DomainLimits{
		domain:        domain,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstLimit),
		maxConcurrent: cfg.MaxConcurrent,
		cooldown:      cfg.Cooldown,
		now:           time.Now,
	}
}

// CanMakeRequest reports whether a request would currently be admitted,
// without consuming capacity.
func (d *DomainLimits) CanMakeRequest() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Before(d.blockedUntil) {
		return false
	}
	if d.activeRequests >= d.maxConcurrent {
		return false
	}
	return d.limiter.TokensAt(now) >= 1
}

// Acquire consumes one slot if admitted; callers must pair a successful
// Acquire with Release.
func (d *DomainLimits) Acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Before(d.blockedUntil) {
		d.totalBlocked++
		return false
	}
	if d.activeRequests >= d.maxConcurrent {
		d.totalBlocked++
		return false
	}
	if !d.limiter.AllowN(now, 1) {
		d.totalBlocked++
		return false
	}

	d.activeRequests++
	d.totalRequests++
	return true
}

// Release returns a concurrency slot.
func (d *DomainLimits) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeRequests > 0 {
		d.activeRequests--
	}
}

// RecordResult feeds an outcome into the cooldown model. A failure rate
// above 50% across the rolling window, with at least five observations,
// blocks the domain for the cooldown period.
func (d *DomainLimits) RecordResult(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.outcomes = append(d.outcomes, outcome{at: now, success: success})
	d.pruneOutcomesLocked(now)

	total := len(d.outcomes)
	if total < minRequestsForCooldown {
		return
	}
	failures := 0
	for _, o := range d.outcomes {
		if !o.success {
			failures++
		}
	}
	if float64(failures)/float64(total) > cooldownFailureRate {
		d.blockedUntil = now.Add(d.cooldown)
		d.outcomes = d.outcomes[:0]
	}
}

// pruneOutcomesLocked drops outcomes older than the rolling window.
// Must be called with mu held.
func (d *DomainLimits) pruneOutcomesLocked(now time.Time) {
	cutoff := now.Add(-failureWindowDuration)
	idx := 0
	for idx < len(d.outcomes) && d.outcomes[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		d.outcomes = d.outcomes[idx:]
	}
}

// Blocked reports whether the domain is in cooldown.
func (d *DomainLimits) Blocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now().Before(d.blockedUntil)
}

// DomainStats is a diagnostic snapshot for one domain.
type DomainStats struct {
	Domain         string    `json:"domain"`
	ActiveRequests int       `json:"active_requests"`
	TotalRequests  int64     `json:"total_requests"`
	TotalBlocked   int64     `json:"total_blocked"`
	BlockedUntil   time.Time `json:"blocked_until,omitempty"`
}

// Limiter holds per-domain limits, created lazily with shared defaults
// plus optional per-domain overrides.
type Limiter struct {
	mu        sync.Mutex
	domains   map[string]*DomainLimits
	defaults  Config
	overrides map[string]Config
	logger    utils.Logger
}

// NewLimiter creates a domain rate limiter.
func NewLimiter(defaults Config, overrides map[string]Config) *Limiter {
	return &Limiter{
		domains:   make(map[string]*DomainLimits),
		defaults:  defaults,
		overrides: overrides,
		logger:    utils.NewComponentLogger("ratelimit"),
	}
}

// ForURL returns the limits for the URL's domain.
func (l *Limiter) ForURL(url string) *DomainLimits {
	return l.ForDomain(utils.DomainOf(url))
}

// ForDomain returns the limits for a domain, creating them on first use.
func (l *Limiter) ForDomain(domain string) *DomainLimits {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d, ok := l.domains[domain]; ok {
		return d
	}
	cfg := l.defaults
	if override, ok := l.overrides[domain]; ok {
		cfg = override
	}
	d := newDomainLimits(domain, cfg)
	l.domains[domain] = d
	return d
}

// Stats returns snapshots for all tracked domains.
func (l *Limiter) Stats() []DomainStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]DomainStats, 0, len(l.domains))
	for _, d := range l.domains {
		d.mu.Lock()
		out = append(out, DomainStats{
			Domain:         d.domain,
			ActiveRequests: d.activeRequests,
			TotalRequests:  d.totalRequests,
			TotalBlocked:   d.totalBlocked,
			BlockedUntil:   d.blockedUntil,
		})
		d.mu.Unlock()
	}
	return out
}
