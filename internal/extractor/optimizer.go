// internal/extractor/optimizer.go
package extractor

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PageSignals are the cheap structural observations the optimizer uses
// to prune and reorder the extractor chain before anything expensive
// runs.
type PageSignals struct {
	HasIframe      bool `json:"has_iframe"`
	ParishTable    bool `json:"parish_table"`
	CardClasses    bool `json:"card_classes"`
	PDFLinks       bool `json:"pdf_links"`
	MapFingerprint bool `json:"map_fingerprint"`
	NavParishLinks bool `json:"nav_parish_links"`
}

// Optimizer performs the content-analysis pre-pass: skip extractors
// that cannot apply, reorder the rest by suitability.
type Optimizer struct{}

// NewOptimizer creates an optimizer.
func NewOptimizer() *Optimizer {
	return &Optimizer{}
}

// Analyze derives signals from the parsed page.
func (o *Optimizer) Analyze(doc *goquery.Document, rawHTML string) PageSignals {
	signals := PageSignals{
		HasIframe:      doc.Find("iframe").Length() > 0,
		MapFingerprint: hasMapFingerprint(rawHTML),
		PDFLinks:       countPDFLinks(doc) > 0,
	}

	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		if table.Find("tr").Length() >= 3 && pageMentionsParishes(table.Text()) {
			signals.ParishTable = true
			return false
		}
		return true
	})

	lower := strings.ToLower(rawHTML)
	for _, class := range []string{"parish-item", "parish-card", "directory-item", "location-item", "card"} {
		if strings.Contains(lower, class) {
			signals.CardClasses = true
			break
		}
	}

	navNames := 0
	doc.Find("nav a, ul.menu a, [class*='directory'] a").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		if ValidName(link.Text()) {
			navNames++
		}
		return navNames < 5
	})
	signals.NavParishLinks = navNames >= 5

	return signals
}

// applicable reports whether signals support even trying an extractor,
// with a reason when they do not.
func (o *Optimizer) applicable(strategy Strategy, signals PageSignals) (bool, string) {
	switch strategy {
	case StrategyMap:
		if !signals.MapFingerprint {
			return false, "no map library fingerprint on page"
		}
	case StrategyPDF:
		if !signals.PDFLinks {
			return false, "no pdf links on page"
		}
	case StrategyTable:
		if !signals.ParishTable {
			return false, "no parish-bearing table on page"
		}
	case StrategyCardGrid:
		if !signals.CardClasses {
			return false, "no card layout classes on page"
		}
	}
	return true, ""
}

// suitability scores an extractor against the signals; higher runs
// first.
func (o *Optimizer) suitability(strategy Strategy, detection Detection, signals PageSignals) float64 {
	score := 0.0
	if strategy == detection.Strategy {
		score += 2.0 + detection.Confidence
	}
	switch strategy {
	case StrategyTable:
		if signals.ParishTable {
			score += 1.5
		}
	case StrategyCardGrid:
		if signals.CardClasses {
			score += 1.2
		}
	case StrategyNavigation:
		if signals.NavParishLinks {
			score += 1.0
		}
	case StrategyMap:
		if signals.MapFingerprint {
			score += 0.8
		}
	case StrategyPDF:
		if signals.PDFLinks {
			score += 0.5
		}
	}
	return score
}

// PlannedStage is one chain entry the optimizer either scheduled or
// pruned.
type PlannedStage struct {
	Extractor  Extractor
	Skipped    bool
	SkipReason string
}

// Plan orders the available extractors by suitability, marking
// inapplicable ones skipped so the chain can report why.
func (o *Optimizer) Plan(available []Extractor, detection Detection, signals PageSignals) []PlannedStage {
	type scored struct {
		stage PlannedStage
		score float64
	}
	stages := make([]scored, 0, len(available))
	for _, ex := range available {
		ok, reason := o.applicable(ex.Strategy(), signals)
		if !ok {
			stages = append(stages, scored{stage: PlannedStage{Extractor: ex, Skipped: true, SkipReason: reason}, score: -1})
			continue
		}
		stages = append(stages, scored{
			stage: PlannedStage{Extractor: ex},
			score: o.suitability(ex.Strategy(), detection, signals),
		})
	}
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].score > stages[j].score })

	out := make([]PlannedStage, len(stages))
	for i, s := range stages {
		out[i] = s.stage
	}
	return out
}
