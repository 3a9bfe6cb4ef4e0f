// internal/extractor/extractors.go
package extractor

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Page is the parsed input handed to each extractor.
type Page struct {
	URL     string
	RawHTML string
	Doc     *goquery.Document
}

// Extractor is one strategy implementation. Budget is the progressive
// timeout the chain grants it: cheap structural extractors get short
// budgets, the AI extractor the longest.
type Extractor interface {
	Name() string
	Strategy() Strategy
	Budget() time.Duration
	Extract(ctx context.Context, page *Page) ([]Candidate, error)
}

var phonePattern = regexp.MustCompile(`\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)

// resolveURL absolutizes an href against the page URL.
func resolveURL(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// TableExtractor reads parish rows out of listing tables: first cell is
// the name, remaining cells carry address/phone, any row link is the
// detail URL.
type TableExtractor struct{}

func (e *TableExtractor) Name() string          { return "table" }
func (e *TableExtractor) Strategy() Strategy    { return StrategyTable }
func (e *TableExtractor) Budget() time.Duration { return 8 * time.Second }

func (e *TableExtractor) Extract(ctx context.Context, page *Page) ([]Candidate, error) {
	var candidates []Candidate
	page.Doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		if !pageMentionsParishes(table.Text()) {
			return
		}
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td")
			if cells.Length() == 0 {
				// Header rows carry only th cells.
				return
			}
			name := strings.TrimSpace(cells.First().Text())
			if name == "" {
				return
			}
			c := Candidate{
				Name:       name,
				SourceURL:  page.URL,
				Extractor:  e.Name(),
				Confidence: 0.8,
			}
			cells.Slice(1, cells.Length()).Each(func(_ int, cell *goquery.Selection) {
				text := strings.TrimSpace(cell.Text())
				if text == "" {
					return
				}
				if phone := phonePattern.FindString(text); phone != "" && c.Phone == "" {
					c.Phone = phone
				} else if c.Address == "" {
					c.Address = text
				}
			})
			if href, ok := row.Find("a[href]").First().Attr("href"); ok {
				c.DetailURL = resolveURL(page.URL, href)
			}
			candidates = append(candidates, c)
		})
	})
	return candidates, nil
}

// CardExtractor reads card/grid directory layouts: a repeated container
// class with a heading per entry.
type CardExtractor struct{}

func (e *CardExtractor) Name() string          { return "card_grid" }
func (e *CardExtractor) Strategy() Strategy    { return StrategyCardGrid }
func (e *CardExtractor) Budget() time.Duration { return 8 * time.Second }

var cardSelectors = []string{
	"[class*='parish-item']",
	"[class*='directory-item']",
	"[class*='location-item']",
	"[class*='parish-card']",
	"[class*='card']",
}

func (e *CardExtractor) Extract(ctx context.Context, page *Page) ([]Candidate, error) {
	var best []Candidate
	for _, selector := range cardSelectors {
		var candidates []Candidate
		page.Doc.Find(selector).Each(func(_ int, card *goquery.Selection) {
			heading := card.Find("h1, h2, h3, h4, .title, .name").First()
			name := strings.TrimSpace(heading.Text())
			if name == "" {
				return
			}
			c := Candidate{
				Name:       name,
				SourceURL:  page.URL,
				Extractor:  e.Name(),
				Confidence: 0.75,
			}
			body := card.Text()
			if phone := phonePattern.FindString(body); phone != "" {
				c.Phone = phone
			}
			if addr := strings.TrimSpace(card.Find("address, [class*='address']").First().Text()); addr != "" {
				c.Address = whitespacePattern.ReplaceAllString(addr, " ")
			}
			if href, ok := card.Find("a[href]").First().Attr("href"); ok {
				c.DetailURL = resolveURL(page.URL, href)
			}
			candidates = append(candidates, c)
		})
		if len(candidates) >= 3 {
			return candidates, nil
		}
		if len(candidates) > len(best) {
			best = candidates
		}
	}
	return best, nil
}

// NavigationExtractor reads parish links out of menus and directory
// link lists.
type NavigationExtractor struct{}

func (e *NavigationExtractor) Name() string          { return "navigation" }
func (e *NavigationExtractor) Strategy() Strategy    { return StrategyNavigation }
func (e *NavigationExtractor) Budget() time.Duration { return 5 * time.Second }

func (e *NavigationExtractor) Extract(ctx context.Context, page *Page) ([]Candidate, error) {
	var candidates []Candidate
	page.Doc.Find("nav a[href], ul.menu a[href], [class*='directory'] a[href], [class*='parish'] a[href]").Each(func(_ int, link *goquery.Selection) {
		name := strings.TrimSpace(link.Text())
		if !ValidName(name) {
			return
		}
		href, _ := link.Attr("href")
		candidates = append(candidates, Candidate{
			Name:       name,
			DetailURL:  resolveURL(page.URL, href),
			SourceURL:  page.URL,
			Extractor:  e.Name(),
			Confidence: 0.6,
		})
	})
	return candidates, nil
}

// MapExtractor pulls parish names out of the JSON payloads map widgets
// embed in script tags.
type MapExtractor struct{}

func (e *MapExtractor) Name() string          { return "map" }
func (e *MapExtractor) Strategy() Strategy    { return StrategyMap }
func (e *MapExtractor) Budget() time.Duration { return 15 * time.Second }

var mapMarkerNamePattern = regexp.MustCompile(`"(?:name|title|label)"\s*:\s*"([^"]{4,120})"`)

func (e *MapExtractor) Extract(ctx context.Context, page *Page) ([]Candidate, error) {
	var candidates []Candidate
	page.Doc.Find("script").Each(func(_ int, script *goquery.Selection) {
		body := script.Text()
		if !hasMapFingerprint(body) && !strings.Contains(strings.ToLower(body), "marker") {
			return
		}
		for _, match := range mapMarkerNamePattern.FindAllStringSubmatch(body, -1) {
			candidates = append(candidates, Candidate{
				Name:       match[1],
				SourceURL:  page.URL,
				Extractor:  e.Name(),
				Confidence: 0.55,
			})
		}
	})
	return candidates, nil
}

// PDFLinkExtractor surfaces directory PDF links as candidates for the
// external PDF pipeline; the text extraction itself happens downstream.
type PDFLinkExtractor struct{}

func (e *PDFLinkExtractor) Name() string          { return "pdf_link" }
func (e *PDFLinkExtractor) Strategy() Strategy    { return StrategyPDF }
func (e *PDFLinkExtractor) Budget() time.Duration { return 5 * time.Second }

func (e *PDFLinkExtractor) Extract(ctx context.Context, page *Page) ([]Candidate, error) {
	var candidates []Candidate
	page.Doc.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		if !strings.HasSuffix(strings.ToLower(strings.TrimSpace(href)), ".pdf") {
			return
		}
		name := strings.TrimSpace(link.Text())
		if !ValidName(name) {
			return
		}
		candidates = append(candidates, Candidate{
			Name:       name,
			DetailURL:  resolveURL(page.URL, href),
			SourceURL:  page.URL,
			Extractor:  e.Name(),
			Confidence: 0.5,
			Metadata:   map[string]string{"requires_pdf_extraction": "true"},
		})
	})
	return candidates, nil
}

// GenericExtractor is the broad structural fallback: scan headings,
// list items and links for parish-shaped names.
type GenericExtractor struct{}

func (e *GenericExtractor) Name() string          { return "generic" }
func (e *GenericExtractor) Strategy() Strategy    { return StrategyGeneric }
func (e *GenericExtractor) Budget() time.Duration { return 10 * time.Second }

func (e *GenericExtractor) Extract(ctx context.Context, page *Page) ([]Candidate, error) {
	var candidates []Candidate
	seen := make(map[string]bool)

	add := func(name, href string, confidence float64) {
		name = strings.TrimSpace(name)
		if !ValidName(name) {
			return
		}
		key := dedupeKey(name)
		if seen[key] {
			return
		}
		seen[key] = true
		candidates = append(candidates, Candidate{
			Name:       name,
			DetailURL:  resolveURL(page.URL, href),
			SourceURL:  page.URL,
			Extractor:  e.Name(),
			Confidence: confidence,
		})
	}

	page.Doc.Find("h2, h3, h4").Each(func(_ int, heading *goquery.Selection) {
		href, _ := heading.Find("a[href]").First().Attr("href")
		if href == "" {
			href, _ = heading.Parent().Find("a[href]").First().Attr("href")
		}
		add(heading.Text(), href, 0.5)
	})
	page.Doc.Find("li, td").Each(func(_ int, item *goquery.Selection) {
		href, _ := item.Find("a[href]").First().Attr("href")
		add(item.Text(), href, 0.45)
	})
	page.Doc.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		add(link.Text(), href, 0.4)
	})
	return candidates, nil
}
