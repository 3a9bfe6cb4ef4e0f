// internal/extractor/aifallback.go
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/ai"
)

// Profile is the structured answer the AI collaborator returns:
// selectors to apply plus the strategy it believes the page uses. A
// successful profile is cached per domain so future runs skip straight
// to the learned selectors.
type Profile struct {
	Selectors        []string `json:"selectors"`
	XPathExpressions []string `json:"xpath_expressions"`
	Strategy         string   `json:"strategy"`
	Confidence       float64  `json:"confidence"`
	Insights         string   `json:"insights"`
}

// AIExtractor is the chain's last resort: summarize the DOM, ask the
// analysis collaborator for selectors, apply them live against the
// page.
type AIExtractor struct {
	analyzer ai.Analyzer
}

// NewAIExtractor wires the fallback to an analyzer.
func NewAIExtractor(analyzer ai.Analyzer) *AIExtractor {
	return &AIExtractor{analyzer: analyzer}
}

func (e *AIExtractor) Name() string          { return "ai_content_analysis" }
func (e *AIExtractor) Strategy() Strategy    { return StrategyAI }
func (e *AIExtractor) Budget() time.Duration { return 60 * time.Second }

// Extract satisfies the Extractor interface; the learned profile is
// discarded. Chain callers use ExtractWithProfile to keep it.
func (e *AIExtractor) Extract(ctx context.Context, page *Page) ([]Candidate, error) {
	candidates, _, err := e.ExtractWithProfile(ctx, page)
	return candidates, err
}

// ExtractWithProfile runs the analysis and returns the profile that
// produced the candidates, for caching.
func (e *AIExtractor) ExtractWithProfile(ctx context.Context, page *Page) ([]Candidate, *Profile, error) {
	prompt := buildAnalysisPrompt(page)
	response, err := e.analyzer.Analyze(ctx, prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("content analysis failed: %w", err)
	}

	raw, err := ai.ExtractJSON(response)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing analysis response: %w", err)
	}
	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, nil, fmt.Errorf("parsing analysis response: %w", err)
	}
	if len(profile.Selectors) == 0 {
		return nil, nil, fmt.Errorf("analysis returned no selectors")
	}

	candidates := ApplyProfile(page, &profile, e.Name())
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("analysis selectors matched no valid parishes")
	}
	return candidates, &profile, nil
}

// ApplyProfile applies a profile's selectors against a page. Used both
// by the AI extractor on fresh profiles and by the chain on cached
// ones.
func ApplyProfile(page *Page, profile *Profile, extractorName string) []Candidate {
	var candidates []Candidate
	for _, selector := range profile.Selectors {
		page.Doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			name := strings.TrimSpace(s.Text())
			if name == "" {
				if val, ok := s.Attr("title"); ok {
					name = strings.TrimSpace(val)
				}
			}
			if name == "" {
				return
			}
			c := Candidate{
				Name:       name,
				SourceURL:  page.URL,
				Extractor:  extractorName,
				Confidence: profile.Confidence,
			}
			if href, ok := s.Attr("href"); ok {
				c.DetailURL = resolveURL(page.URL, href)
			} else if href, ok := s.Find("a[href]").First().Attr("href"); ok {
				c.DetailURL = resolveURL(page.URL, href)
			}
			candidates = append(candidates, c)
		})
	}
	return ValidateAndDedupe(candidates)
}

// buildAnalysisPrompt summarizes the DOM into a compact prompt: page
// identity, structural counts, representative class names, and a text
// snippet.
func buildAnalysisPrompt(page *Page) string {
	doc := page.Doc
	var b strings.Builder

	b.WriteString("You are analyzing a Catholic diocese web page to find its parish directory structure.\n")
	fmt.Fprintf(&b, "URL: %s\n", page.URL)
	fmt.Fprintf(&b, "Title: %s\n\n", strings.TrimSpace(doc.Find("title").Text()))

	fmt.Fprintf(&b, "Structure: %d tables, %d lists, %d links, %d headings, %d iframes\n",
		doc.Find("table").Length(),
		doc.Find("ul, ol").Length(),
		doc.Find("a[href]").Length(),
		doc.Find("h1, h2, h3, h4").Length(),
		doc.Find("iframe").Length())

	classes := sampleClassNames(doc, 25)
	if len(classes) > 0 {
		fmt.Fprintf(&b, "CSS classes seen: %s\n", strings.Join(classes, ", "))
	}

	text := whitespacePattern.ReplaceAllString(doc.Find("body").Text(), " ")
	if len(text) > 1500 {
		text = text[:1500]
	}
	fmt.Fprintf(&b, "\nContent snippet:\n%s\n\n", text)

	b.WriteString("Respond with a JSON object only: " +
		`{"selectors": ["css selectors matching one parish entry each"], ` +
		`"xpath_expressions": [], "strategy": "table|card_grid|navigation|map|pdf|generic", ` +
		`"confidence": 0.0-1.0, "insights": "one sentence"}`)
	return b.String()
}

func sampleClassNames(doc *goquery.Document, limit int) []string {
	seen := make(map[string]bool)
	var classes []string
	doc.Find("[class]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		attr, _ := s.Attr("class")
		for _, class := range strings.Fields(attr) {
			if seen[class] {
				continue
			}
			seen[class] = true
			classes = append(classes, class)
			if len(classes) >= limit {
				return false
			}
		}
		return true
	})
	return classes
}
