package debounce

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// Normalize strips markup, unescapes entities, collapses whitespace runs to
// one space and trims. fold uppercases the result for case-insensitive
// comparison.
func Normalize(raw string, fold bool) string {
	s := raw
	if strings.ContainsRune(s, '<') {
		s = strict.Sanitize(s)
	}
	s = html.UnescapeString(s)
	s = strings.Join(strings.Fields(s), " ")
	if fold {
		s = strings.ToUpper(s)
	}
	return s
}

// Exclusions is a compiled set of known-noise patterns. Patterns match
// anywhere in the reading.
type Exclusions struct {
	patterns []*regexp.Regexp
}

// CompileExclusions compiles patterns. fold makes them case-insensitive.
func CompileExclusions(patterns []string, fold bool) (*Exclusions, error) {
	ex := &Exclusions{}
	for _, p := range patterns {
		expr := p
		if fold {
			expr = "(?i)" + p
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("debounce: exclusion %q: %w", p, err)
		}
		ex.patterns = append(ex.patterns, re)
	}
	return ex, nil
}

// Match reports whether reading hits any pattern. A nil set matches nothing.
func (e *Exclusions) Match(reading string) bool {
	if e == nil {
		return false
	}
	for _, re := range e.patterns {
		if re.MatchString(reading) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns.
func (e *Exclusions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.patterns)
}
