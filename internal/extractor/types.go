// internal/extractor/types.go
package extractor

import (
	"time"
)

// Strategy classifies how a parish listing page is structured. Each
// strategy maps to one extractor in the chain's dispatch table.
type Strategy string

const (
	StrategyTable      Strategy = "table"
	StrategyCardGrid   Strategy = "card_grid"
	StrategyNavigation Strategy = "navigation"
	StrategyMap        Strategy = "map"
	StrategyPDF        Strategy = "pdf"
	StrategyGeneric    Strategy = "generic"
	StrategyAI         Strategy = "ai"
)

// Platform identifies the site-builder behind a diocese website.
type Platform string

const (
	PlatformWordPress   Platform = "wordpress"
	PlatformECatholic   Platform = "ecatholic"
	PlatformDrupal      Platform = "drupal"
	PlatformSquarespace Platform = "squarespace"
	PlatformWix         Platform = "wix"
	PlatformWeebly      Platform = "weebly"
	PlatformCustom      Platform = "custom"
)

// Detection is the pattern detector's classification of a page.
type Detection struct {
	Platform   Platform `json:"platform"`
	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`
}

// Candidate is one extracted parish listing entry, prior to
// persistence. Name is the only required field.
type Candidate struct {
	Name       string            `json:"name"`
	Address    string            `json:"address,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Website    string            `json:"website,omitempty"`
	DetailURL  string            `json:"detail_url,omitempty"`
	SourceURL  string            `json:"source_url"`
	Extractor  string            `json:"extractor"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// StageOutcome records one attempted stage of the fallback chain for
// diagnosability.
type StageOutcome struct {
	Extractor  string        `json:"extractor"`
	Strategy   Strategy      `json:"strategy"`
	Candidates int           `json:"candidates"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// Result is the chain's final output for one page.
type Result struct {
	Parishes   []Candidate    `json:"parishes"`
	Strategy   Strategy       `json:"strategy"`
	Platform   Platform       `json:"platform"`
	Confidence float64        `json:"confidence"`
	Stages     []StageOutcome `json:"stages"`
	FromProfile bool          `json:"from_profile,omitempty"`
}
