// internal/processor/schedule.go
package processor

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/storage"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

var (
	clockPattern = regexp.MustCompile(`(?i)\b\d{1,2}(?::\d{2})?\s*(?:a\.?m\.?|p\.?m\.?|noon|midnight)\b`)

	factKeywords = []struct {
		factType string
		words    []string
	}{
		{storage.FactMass, []string{"mass", "masses", "liturgy", "liturgies"}},
		{storage.FactReconciliation, []string{"confession", "confessions", "reconciliation", "penance"}},
		{storage.FactAdoration, []string{"adoration", "holy hour", "exposition"}},
	}
)

// ScanScheduleFacts pulls mass, reconciliation, and adoration times out
// of a parish page. Line-oriented keyword matching keeps it honest
// about confidence: a line needs both a schedule keyword and a clock
// time to count.
func ScanScheduleFacts(html, sourceURL string) []storage.ScheduleFact {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	doc.Find("script, style, noscript").Remove()

	// Block elements are the schedule "lines"; text-node splitting is
	// the fallback for pages that put everything in one container.
	var lines []string
	doc.Find("p, li, td, dd, h2, h3, h4").Each(func(_ int, sel *goquery.Selection) {
		lines = append(lines, sel.Text())
	})
	if len(lines) == 0 {
		lines = strings.Split(doc.Find("body").Text(), "\n")
	}

	var facts []storage.ScheduleFact
	seen := make(map[string]bool)
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		times := clockPattern.FindAllString(line, -1)
		if len(times) == 0 {
			continue
		}
		lower := strings.ToLower(line)
		for _, kw := range factKeywords {
			if !containsAny(lower, kw.words) {
				continue
			}
			detail := utils.TruncateString(line, 200)
			key := kw.factType + "|" + detail
			if seen[key] {
				continue
			}
			seen[key] = true

			confidence := 0.6
			if len(times) > 1 {
				confidence = 0.7
			}
			facts = append(facts, storage.ScheduleFact{
				FactType:   kw.factType,
				Detail:     detail,
				SourceURL:  sourceURL,
				Confidence: confidence,
			})
		}
	}
	return facts
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
