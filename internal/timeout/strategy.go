// internal/timeout/strategy.go
package timeout

import "time"

// Strategy is a named timeout preset. Strategies are immutable once
// defined; selection is a pure function of domain classification,
// recorded metrics and caller context hints.
type Strategy struct {
	Name            string
	BaseTimeout     time.Duration
	MaxTimeout      time.Duration
	RetryMultiplier float64
	AdaptiveFactor  float64
}

// Preset strategy names.
const (
	StrategyLightning = "lightning"
	StrategyFast      = "fast"
	StrategyModerate  = "moderate"
	StrategyComplex   = "complex"
	StrategyPatient   = "patient"
)

var strategies = map[string]Strategy{
	StrategyLightning: {
		Name:            StrategyLightning,
		BaseTimeout:     5 * time.Second,
		MaxTimeout:      15 * time.Second,
		RetryMultiplier: 1.2,
		AdaptiveFactor:  0.3,
	},
	StrategyFast: {
		Name:            StrategyFast,
		BaseTimeout:     12 * time.Second,
		MaxTimeout:      30 * time.Second,
		RetryMultiplier: 1.3,
		AdaptiveFactor:  0.5,
	},
	StrategyModerate: {
		Name:            StrategyModerate,
		BaseTimeout:     20 * time.Second,
		MaxTimeout:      45 * time.Second,
		RetryMultiplier: 1.5,
		AdaptiveFactor:  0.7,
	},
	StrategyComplex: {
		Name:            StrategyComplex,
		BaseTimeout:     30 * time.Second,
		MaxTimeout:      75 * time.Second,
		RetryMultiplier: 1.6,
		AdaptiveFactor:  0.9,
	},
	StrategyPatient: {
		Name:            StrategyPatient,
		BaseTimeout:     45 * time.Second,
		MaxTimeout:      120 * time.Second,
		RetryMultiplier: 1.8,
		AdaptiveFactor:  1.0,
	},
}

// StrategyByName returns the named preset, falling back to moderate.
func StrategyByName(name string) Strategy {
	if s, ok := strategies[name]; ok {
		return s
	}
	return strategies[StrategyModerate]
}

// operationMultipliers scale the computed timeout per operation type.
var operationMultipliers = map[string]float64{
	"page_load":      1.0,
	"element_wait":   0.7,
	"script_execute": 0.8,
	"api_call":       0.6,
	"dns_check":      0.3,
	"file_download":  2.0,
}

// domainClassifications maps URL substrings to a strategy name. Entries
// here override metrics-based classification.
var domainClassifications = map[string]string{
	"ecatholic.com":    StrategyFast,
	"squarespace.com":  StrategyComplex,
	"wixsite.com":      StrategyComplex,
	"weebly.com":       StrategyComplex,
	"wordpress.com":    StrategyModerate,
	"blogspot.com":     StrategyFast,
	"archdiocese":      StrategyModerate,
	"parishesonline":   StrategyFast,
	"masstimes.org":    StrategyLightning,
	"google.com":       StrategyLightning,
	"googleapis.com":   StrategyLightning,
	"cloudfront.net":   StrategyLightning,
}
