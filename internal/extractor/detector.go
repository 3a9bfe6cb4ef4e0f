// internal/extractor/detector.go
package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// platformFingerprints are substring checks against raw page markup,
// ordered from most to least distinctive.
var platformFingerprints = []struct {
	needle   string
	platform Platform
}{
	{"ecatholic.com", PlatformECatholic},
	{"eCatholic", PlatformECatholic},
	{"wp-content", PlatformWordPress},
	{"wp-includes", PlatformWordPress},
	{"Drupal.settings", PlatformDrupal},
	{"drupal.js", PlatformDrupal},
	{"squarespace.com", PlatformSquarespace},
	{"static1.squarespace", PlatformSquarespace},
	{"wixstatic.com", PlatformWix},
	{"wix-code", PlatformWix},
	{"weebly.com", PlatformWeebly},
}

// mapFingerprints identify embedded map widgets that carry parish
// location data.
var mapFingerprints = []string{
	"leaflet", "google.maps", "maps.googleapis.com", "mapbox",
	"storepoint", "batchgeo",
}

// PatternDetector classifies a parish listing page: which platform
// built it, how the listing is laid out, and with what confidence.
type PatternDetector struct{}

// NewPatternDetector creates a detector.
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{}
}

// Detect inspects page markup and URL to recommend an extraction
// strategy.
func (d *PatternDetector) Detect(doc *goquery.Document, rawHTML, pageURL string) Detection {
	detection := Detection{
		Platform:   d.detectPlatform(rawHTML, pageURL),
		Strategy:   StrategyGeneric,
		Confidence: 0.3,
	}

	tableRows := doc.Find("table tr").Length()
	if tableRows >= 3 && pageMentionsParishes(doc.Find("table").Text()) {
		detection.Strategy = StrategyTable
		detection.Confidence = confidenceForCount(tableRows, 10)
		return detection
	}

	cards := doc.Find("[class*='card'], [class*='parish-item'], [class*='directory-item'], [class*='location-item']").Length()
	if cards >= 3 {
		detection.Strategy = StrategyCardGrid
		detection.Confidence = confidenceForCount(cards, 12)
		return detection
	}

	if hasMapFingerprint(rawHTML) {
		detection.Strategy = StrategyMap
		detection.Confidence = 0.6
		return detection
	}

	pdfLinks := countPDFLinks(doc)
	if pdfLinks > 0 && pageMentionsParishes(doc.Find("body").Text()) {
		detection.Strategy = StrategyPDF
		detection.Confidence = 0.5
		return detection
	}

	navLinks := 0
	doc.Find("nav a, ul.menu a, [class*='directory'] a").Each(func(_ int, s *goquery.Selection) {
		if ValidName(s.Text()) {
			navLinks++
		}
	})
	if navLinks >= 5 {
		detection.Strategy = StrategyNavigation
		detection.Confidence = confidenceForCount(navLinks, 20)
	}
	return detection
}

func (d *PatternDetector) detectPlatform(rawHTML, pageURL string) Platform {
	haystack := strings.ToLower(rawHTML)
	lowerURL := strings.ToLower(pageURL)
	for _, fp := range platformFingerprints {
		needle := strings.ToLower(fp.needle)
		if strings.Contains(haystack, needle) || strings.Contains(lowerURL, needle) {
			return fp.platform
		}
	}
	return PlatformCustom
}

func pageMentionsParishes(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "parish") || strings.Contains(lower, "church") ||
		strings.Contains(lower, "mission")
}

func hasMapFingerprint(rawHTML string) bool {
	lower := strings.ToLower(rawHTML)
	for _, fp := range mapFingerprints {
		if strings.Contains(lower, fp) {
			return true
		}
	}
	return false
}

func countPDFLinks(doc *goquery.Document) int {
	n := 0
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if strings.HasSuffix(strings.ToLower(href), ".pdf") {
			n++
		}
	})
	return n
}

// confidenceForCount scales confidence with the evidence count, capped
// at 0.95.
func confidenceForCount(count, saturation int) float64 {
	c := 0.5 + 0.45*float64(count)/float64(saturation)
	if c > 0.95 {
		c = 0.95
	}
	return c
}
