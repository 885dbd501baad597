package security

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// RedactionResult carries the sanitized text plus everything needed to
// reverse it. The map lives for exactly one exchange; callers restore
// the response with it and then drop it.
type RedactionResult struct {
	Sanitized string
	Map       map[string]string // placeholder -> original
	Patterns  []string          // matched pattern names
}

// RedactionPattern is one named substitution rule. Built-in patterns
// can be toggled but never removed; user patterns have full CRUD.
type RedactionPattern struct {
	Name    string `json:"name" yaml:"name"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	BuiltIn bool   `json:"built_in" yaml:"-"`

	re *regexp.Regexp
}

// builtinPatterns are matched most-specific first so an AWS key is
// named as such rather than swallowed by a broader rule.
var builtinPatterns = []struct {
	name    string
	pattern string
}{
	{"aws_access_key", `\bAKIA[0-9A-Z]{16}\b`},
	{"openai_api_key", `\bsk-[A-Za-z0-9_-]{20,}\b`},
	{"github_token", `\bghp_[A-Za-z0-9]{36}\b`},
	{"credit_card", `\b(?:\d[ -]?){13,16}\b`},
	{"ssn", `\b\d{3}-\d{2}-\d{4}\b`},
	{"email", `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
	{"phone", `(?:\+?\d{1,2}[-. ])?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`},
	{"ipv4", `\b(?:\d{1,3}\.){3}\d{1,3}\b`},
}

// Redactor performs deterministic, reversible substitution of
// sensitive values. Identical matched values within one text share a
// placeholder, so restore is a plain string replacement.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*RedactionPattern
}

// NewRedactor creates a redactor with all built-in patterns enabled.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, b := range builtinPatterns {
		r.patterns = append(r.patterns, &RedactionPattern{
			Name:    b.name,
			Pattern: b.pattern,
			Enabled: true,
			BuiltIn: true,
			re:      regexp.MustCompile(b.pattern),
		})
	}
	return r
}

// Redact substitutes every enabled pattern's matches with stable
// placeholders and returns the reversal map.
func (r *Redactor) Redact(text string) RedactionResult {
	r.mu.RLock()
	patterns := make([]*RedactionPattern, len(r.patterns))
	copy(patterns, r.patterns)
	r.mu.RUnlock()

	result := RedactionResult{
		Sanitized: text,
		Map:       make(map[string]string),
	}

	// placeholder assignment is keyed by value: the same secret seen
	// twice (even via different patterns) gets one placeholder.
	valueToPlaceholder := make(map[string]string)
	counters := make(map[string]int)

	for _, p := range patterns {
		if !p.Enabled {
			continue
		}
		matched := false
		result.Sanitized = p.re.ReplaceAllStringFunc(result.Sanitized, func(value string) string {
			matched = true
			if ph, ok := valueToPlaceholder[value]; ok {
				return ph
			}
			counters[p.Name]++
			ph := fmt.Sprintf("[REDACTED:%s:%d]", strings.ToUpper(p.Name), counters[p.Name])
			valueToPlaceholder[value] = ph
			result.Map[ph] = value
			return ph
		})
		if matched {
			result.Patterns = append(result.Patterns, p.Name)
		}
	}

	return result
}

// Restore reverses a redaction by replacing every placeholder with its
// original value. For any text without literal placeholder syntax,
// Restore(Redact(t).Sanitized, Redact(t).Map) == t.
func (r *Redactor) Restore(text string, redactionMap map[string]string) string {
	for placeholder, original := range redactionMap {
		text = strings.ReplaceAll(text, placeholder, original)
	}
	return text
}

// AddPattern registers a user-defined pattern. Names must be unique
// across built-in and user patterns.
func (r *Redactor) AddPattern(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(name) != nil {
		return fmt.Errorf("pattern %q already exists", name)
	}
	r.patterns = append(r.patterns, &RedactionPattern{
		Name:    name,
		Pattern: pattern,
		Enabled: true,
		re:      re,
	})
	return nil
}

// UpdatePattern replaces the expression of a user-defined pattern.
func (r *Redactor) UpdatePattern(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.find(name)
	if p == nil {
		return fmt.Errorf("pattern %q not found", name)
	}
	if p.BuiltIn {
		return fmt.Errorf("pattern %q is built-in and cannot be modified", name)
	}
	p.Pattern = pattern
	p.re = re
	return nil
}

// RemovePattern deletes a user-defined pattern. Built-ins can only be
// disabled, never removed.
func (r *Redactor) RemovePattern(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.patterns {
		if p.Name != name {
			continue
		}
		if p.BuiltIn {
			return fmt.Errorf("pattern %q is built-in and cannot be removed", name)
		}
		r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
		return nil
	}
	return fmt.Errorf("pattern %q not found", name)
}

// SetEnabled toggles any pattern on or off.
func (r *Redactor) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.find(name)
	if p == nil {
		return fmt.Errorf("pattern %q not found", name)
	}
	p.Enabled = enabled
	return nil
}

// Patterns returns a snapshot of all registered patterns.
func (r *Redactor) Patterns() []RedactionPattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RedactionPattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		out = append(out, *p)
	}
	return out
}

// find returns the pattern with the given name. Caller holds the lock.
func (r *Redactor) find(name string) *RedactionPattern {
	for _, p := range r.patterns {
		if p.Name == name {
			return p
		}
	}
	return nil
}
