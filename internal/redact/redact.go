// Package redact scrubs credentials, PII, and financial data from text and
// nested structured values before they are persisted, logged, or shipped to a
// language model. Matches are replaced with `[REDACTED:<category>:<slice>]`
// placeholders; when a Vault is attached the originals stay resolvable in
// process memory until their TTL lapses.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Category groups redaction patterns. Overlapping matches are resolved by
// category precedence; credential always outranks the rest.
type Category string

const (
	CategoryCredential Category = "credential"
	CategoryFinancial  Category = "financial"
	CategoryPII        Category = "pii"
	CategoryCustom     Category = "custom"
)

// precedence ranks categories for overlap resolution. Higher wins.
func (c Category) precedence() int {
	switch c {
	case CategoryCredential:
		return 4
	case CategoryFinancial:
		return 3
	case CategoryPII:
		return 2
	default:
		return 1
	}
}

const (
	// maxScanDepth bounds structured deep-scans.
	maxScanDepth = 20

	// maxEmbeddedJSONBytes caps the size of string values that are probed
	// as embedded JSON documents.
	maxEmbeddedJSONBytes = 1 << 20

	circularMarker = "[Circular]"
)

// Match is one resolved (non-overlapping) pattern hit inside a string.
type Match struct {
	Pattern  string
	Category Category
	Start    int
	End      int
}

// Value returns the matched substring of content.
func (m Match) Value(content string) string {
	return content[m.Start:m.End]
}

// Config tunes a Redactor. The credential category ignores both
// DisabledCategories and Allowlist; it can never be switched off.
type Config struct {
	DisabledCategories []string        `json:"disabledCategories,omitempty"`
	Allowlist          []string        `json:"allowlist,omitempty"`
	CustomPatterns     []CustomPattern `json:"customPatterns,omitempty"`
}

// CustomPattern is a user-supplied pattern taken from plugin config.
type CustomPattern struct {
	Name     string `json:"name"`
	Regex    string `json:"regex"`
	Category string `json:"category,omitempty"`
}

// Redactor applies the pattern catalogue to strings and nested values.
type Redactor struct {
	patterns  []*Pattern
	disabled  map[Category]bool
	allowlist map[string]bool
	vault     *Vault
	logger    *zap.Logger
}

// New builds a Redactor from the built-in catalogue plus any custom patterns
// in cfg. Custom patterns that fail to compile or trip the pathological-scan
// gate are rejected with a warning; the remaining catalogue still loads.
func New(cfg Config, logger *zap.Logger) *Redactor {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Redactor{
		patterns:  BuiltinPatterns(),
		disabled:  make(map[Category]bool),
		allowlist: make(map[string]bool),
		logger:    logger,
	}

	for _, name := range cfg.DisabledCategories {
		cat := Category(strings.ToLower(strings.TrimSpace(name)))
		if cat == CategoryCredential {
			logger.Warn("credential redaction cannot be disabled, ignoring config entry")
			continue
		}
		r.disabled[cat] = true
	}

	for _, value := range cfg.Allowlist {
		if value != "" {
			r.allowlist[value] = true
		}
	}

	for _, cp := range cfg.CustomPatterns {
		pattern, err := CompileCustom(cp)
		if err != nil {
			logger.Warn("custom redaction pattern rejected",
				zap.String("pattern", cp.Name),
				zap.Error(err))
			continue
		}
		r.patterns = append(r.patterns, pattern)
	}

	return r
}

// AttachVault routes placeholders through v so they can be resolved later.
func (r *Redactor) AttachVault(v *Vault) {
	r.vault = v
}

// Scan finds all pattern matches in content and resolves overlaps:
// credential > financial > pii > custom, longer match winning ties.
// Disabled categories and allowlisted values are skipped, except that
// credential matches honor neither.
func (r *Redactor) Scan(content string) []Match {
	if content == "" {
		return nil
	}

	var candidates []Match
	for _, p := range r.patterns {
		if p.Category != CategoryCredential && r.disabled[p.Category] {
			continue
		}
		for _, span := range p.FindMatches(content) {
			m := Match{Pattern: p.Name, Category: p.Category, Start: span[0], End: span[1]}
			if p.Category != CategoryCredential && r.allowlist[m.Value(content)] {
				continue
			}
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Category.precedence(), candidates[j].Category.precedence()
		if pi != pj {
			return pi > pj
		}
		li, lj := candidates[i].End-candidates[i].Start, candidates[j].End-candidates[j].Start
		if li != lj {
			return li > lj
		}
		return candidates[i].Start < candidates[j].Start
	})

	var resolved []Match
	for _, c := range candidates {
		overlaps := false
		for _, kept := range resolved {
			if c.Start < kept.End && kept.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			resolved = append(resolved, c)
		}
	}

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Start < resolved[j].Start })
	return resolved
}

// HasCredential reports whether content contains credential-category
// material.
func (r *Redactor) HasCredential(content string) bool {
	for _, m := range r.Scan(content) {
		if m.Category == CategoryCredential {
			return true
		}
	}
	return false
}

// Redact returns content with every resolved match replaced by its
// placeholder.
func (r *Redactor) Redact(content string) string {
	matches := r.Scan(content)
	if len(matches) == 0 {
		return content
	}

	var sb strings.Builder
	sb.Grow(len(content))
	last := 0
	for _, m := range matches {
		sb.WriteString(content[last:m.Start])
		sb.WriteString(r.placeholderFor(m.Value(content), m.Category))
		last = m.End
	}
	sb.WriteString(content[last:])
	return sb.String()
}

// RedactValue deep-scans a decoded JSON value (maps, slices, strings) and
// returns a redacted copy. Containers revisited on the same path are rendered
// as "[Circular]"; recursion stops at depth 20. String values that look like
// embedded JSON documents are parsed, scrubbed, and re-serialized so secrets
// inside serialized payloads do not slip through.
func (r *Redactor) RedactValue(v interface{}) interface{} {
	return r.redactValue(v, 0, make(map[uintptr]bool))
}

func (r *Redactor) redactValue(v interface{}, depth int, seen map[uintptr]bool) interface{} {
	if v == nil {
		return nil
	}
	if depth > maxScanDepth {
		return circularMarker
	}

	switch val := v.(type) {
	case string:
		return r.redactString(val, depth)
	case map[string]interface{}:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return circularMarker
		}
		seen[ptr] = true
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = r.redactValue(item, depth+1, seen)
		}
		delete(seen, ptr)
		return out
	case []interface{}:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return circularMarker
		}
		seen[ptr] = true
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item, depth+1, seen)
		}
		delete(seen, ptr)
		return out
	default:
		// Numbers, booleans, and anything exotic pass through untouched.
		return v
	}
}

// redactString handles the embedded-JSON heuristic before falling back to a
// plain text pass.
func (r *Redactor) redactString(s string, depth int) string {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 0 && len(s) <= maxEmbeddedJSONBytes &&
		(trimmed[0] == '{' || trimmed[0] == '[') {
		var parsed interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			scrubbed := r.redactValue(parsed, depth+1, make(map[uintptr]bool))
			if data, err := json.Marshal(scrubbed); err == nil {
				return string(data)
			}
		}
	}
	return r.Redact(s)
}

// placeholderFor builds the replacement token, storing the original in the
// vault when one is attached.
func (r *Redactor) placeholderFor(original string, category Category) string {
	if r.vault != nil {
		return r.vault.Store(original, category)
	}
	digest := sha256.Sum256([]byte(original))
	return fmt.Sprintf("[REDACTED:%s:%s]", category, hex.EncodeToString(digest[:])[:prefixShort])
}
