// internal/extractor/validate.go
package extractor

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Candidate names must carry at least one parish indicator and no
// administrative exclusion term; the same rule applies regardless of
// which chain stage produced the candidate.
var parishIndicators = []string{
	"parish", "church", "cathedral", "basilica", "shrine", "chapel",
	"mission", "oratory", "st.", "st ", "saint", "our lady", "holy",
	"sacred heart", "blessed", "immaculate", "christ the king",
	"santa", "san ", "nuestra señora",
}

var parishExclusions = []string{
	"office", "offices", "department", "chancery", "tribunal",
	"cemetery", "cemeteries", "school", "schools", "ministry",
	"ministries", "foundation", "newspaper", "bookstore", "directory",
	"archive", "archives", "superintendent", "vocations",
	"safe environment", "human resources", "finance",
}

var whitespacePattern = regexp.MustCompile(`\s+`)

var titleCaser = cases.Title(language.AmericanEnglish)

// ValidName reports whether a candidate name looks like a parish rather
// than a diocesan office or other administrative entity.
func ValidName(name string) bool {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if len(normalized) < 4 || len(normalized) > 150 {
		return false
	}
	for _, term := range parishExclusions {
		if strings.Contains(normalized, term) {
			return false
		}
	}
	for _, term := range parishIndicators {
		if strings.Contains(normalized, term) {
			return true
		}
	}
	return false
}

// NormalizeName canonicalizes a parish name for display: collapsed
// whitespace, title case with common abbreviations preserved.
func NormalizeName(name string) string {
	name = whitespacePattern.ReplaceAllString(strings.TrimSpace(name), " ")
	name = titleCaser.String(strings.ToLower(name))
	// Keep the small connective words lowercase inside the name.
	name = strings.ReplaceAll(name, " Of ", " of ")
	name = strings.ReplaceAll(name, " The ", " the ")
	if len(name) > 0 {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name
}

// dedupeKey reduces a name to its comparison form so "ST. MARY PARISH"
// and "St Mary Parish" collapse to one candidate.
func dedupeKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "st.", "saint")
	key = strings.ReplaceAll(key, "st ", "saint ")
	key = whitespacePattern.ReplaceAllString(key, " ")
	key = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == ' ' {
			return r
		}
		return -1
	}, key)
	return strings.TrimSpace(key)
}

// ValidateAndDedupe filters candidates through the name rules and
// collapses duplicates by normalized name, keeping the highest
// confidence instance of each.
func ValidateAndDedupe(candidates []Candidate) []Candidate {
	seen := make(map[string]int)
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !ValidName(c.Name) {
			continue
		}
		c.Name = NormalizeName(c.Name)
		key := dedupeKey(c.Name)
		if key == "" {
			continue
		}
		if idx, ok := seen[key]; ok {
			if c.Confidence > out[idx].Confidence {
				out[idx] = c
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, c)
	}
	return out
}
