package redact

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrPatternRejected marks a custom pattern that failed to compile or tripped
// the pathological-scan gate.
var ErrPatternRejected = errors.New("redaction pattern rejected")

const (
	// redosProbeLen is the length of the all-'a' probe string used to gate
	// custom patterns.
	redosProbeLen = 1000

	// redosBudget is the maximum time a custom pattern may spend scanning
	// the probe before it is rejected.
	redosBudget = 10 * time.Millisecond
)

// Pattern is one entry in the redaction catalogue.
type Pattern struct {
	Name     string
	Category Category

	regex    *regexp.Regexp
	validate func(match string) bool
}

// FindMatches returns the validated match spans of p in content.
func (p *Pattern) FindMatches(content string) [][2]int {
	spans := p.regex.FindAllStringIndex(content, -1)
	if len(spans) == 0 {
		return nil
	}

	out := make([][2]int, 0, len(spans))
	for _, span := range spans {
		if p.validate != nil && !p.validate(content[span[0]:span[1]]) {
			continue
		}
		out = append(out, [2]int{span[0], span[1]})
	}
	return out
}

// PatternBuilder provides a fluent API for building catalogue patterns.
type PatternBuilder struct {
	pattern Pattern
}

// NewPattern creates a builder for a named pattern.
func NewPattern(name string) *PatternBuilder {
	return &PatternBuilder{pattern: Pattern{Name: name, Category: CategoryCustom}}
}

// WithRegex sets the pattern expression. Catalogue expressions are trusted
// and must compile.
func (b *PatternBuilder) WithRegex(expr string) *PatternBuilder {
	b.pattern.regex = regexp.MustCompile(expr)
	return b
}

// WithCategory sets the category.
func (b *PatternBuilder) WithCategory(cat Category) *PatternBuilder {
	b.pattern.Category = cat
	return b
}

// WithValidator sets an additional match filter (e.g. Luhn for card numbers).
func (b *PatternBuilder) WithValidator(fn func(string) bool) *PatternBuilder {
	b.pattern.validate = fn
	return b
}

// Build returns the constructed pattern.
func (b *PatternBuilder) Build() *Pattern {
	return &b.pattern
}

// CompileCustom compiles a user-supplied pattern. It rejects expressions that
// do not compile and expressions whose scan of a 1000-char probe exceeds the
// time budget, so a bad config entry cannot stall the hot path.
func CompileCustom(cp CustomPattern) (*Pattern, error) {
	if cp.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrPatternRejected)
	}
	if cp.Regex == "" {
		return nil, fmt.Errorf("%w: missing regex", ErrPatternRejected)
	}

	re, err := regexp.Compile(cp.Regex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatternRejected, err)
	}

	probe := strings.Repeat("a", redosProbeLen)
	start := time.Now()
	re.FindAllStringIndex(probe, -1)
	if elapsed := time.Since(start); elapsed > redosBudget {
		return nil, fmt.Errorf("%w: probe scan took %v", ErrPatternRejected, elapsed)
	}

	category := CategoryCustom
	switch Category(strings.ToLower(cp.Category)) {
	case CategoryCredential:
		category = CategoryCredential
	case CategoryFinancial:
		category = CategoryFinancial
	case CategoryPII:
		category = CategoryPII
	}

	return &Pattern{Name: cp.Name, Category: category, regex: re}, nil
}
