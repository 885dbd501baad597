// Package security screens conversation traffic before it leaves the
// process: prompt-injection heuristics, per-conversation threat
// escalation, and reversible redaction of sensitive values.
package security

import (
	"regexp"
)

// Severity tiers for detected patterns. Ordering matters: comparisons
// use the numeric value.
type Severity int

const (
	SeverityBenign Severity = iota
	SeveritySuspicious
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase tier name.
func (s Severity) String() string {
	switch s {
	case SeveritySuspicious:
		return "suspicious"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "benign"
	}
}

// PatternMatch records one ruleset hit.
type PatternMatch struct {
	Name     string
	Severity Severity
}

// InjectionResult is the outcome of screening one text.
type InjectionResult struct {
	IsClean              bool
	DetectedPatterns     []PatternMatch
	SanitizedText        string
	RequiresConfirmation bool
}

// injectionRule pairs a compiled pattern with its classification.
type injectionRule struct {
	name     string
	severity Severity
	re       *regexp.Regexp
}

// The ruleset is fixed and ordered most-severe first so sanitization
// neutralizes the worst spans before weaker rules see the text.
var injectionRules = []injectionRule{
	// Critical: direct attempts to override behavioral instructions
	{"instruction_override", SeverityCritical,
		regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+|your\s+)?(previous|prior|above|earlier|system)\s+(instructions?|prompts?|rules?|directives?)`)},
	{"system_prompt_exfiltration", SeverityCritical,
		regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|display)\s+(me\s+)?(your|the)\s+(system|initial|original|hidden)\s+(prompt|instructions?|message)`)},
	{"persona_override", SeverityCritical,
		regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(dan|in\s+developer\s+mode|unrestricted|jailbroken|free\s+of\s+(all\s+)?restrictions)`)},
	{"rule_nullification", SeverityCritical,
		regexp.MustCompile(`(?i)\b(your|all)\s+(safety\s+)?(rules?|restrictions?|guidelines?|filters?)\s+(are|have\s+been)\s+(disabled|removed|lifted|suspended)`)},

	// High: roleplay and restriction-evasion framing
	{"restriction_evasion", SeverityHigh,
		regexp.MustCompile(`(?i)\b(act|pretend|behave|respond)\s+as\s+(if|though)\s+you\s+(have|had)\s+no\s+(restrictions?|limits?|rules?|guidelines?)`)},
	{"jailbreak_request", SeverityHigh,
		regexp.MustCompile(`(?i)\b(jailbreak|bypass\s+(your\s+)?(safety|content)\s+(filter|policy|guidelines?))`)},
	{"covert_instruction", SeverityHigh,
		regexp.MustCompile(`(?i)\b(do\s+not|don'?t|never)\s+(tell|inform|mention\s+(this\s+)?to|reveal\s+(this\s+)?to)\s+the\s+user\b`)},
	{"delimiter_spoofing", SeverityHigh,
		regexp.MustCompile(`(?i)(\[/?(system|assistant|inst)\]|<\|?(im_start|im_end|system)\|?>)`)},

	// Suspicious: framing often used to smuggle the above
	{"hypothetical_framing", SeveritySuspicious,
		regexp.MustCompile(`(?i)\b(hypothetically|in\s+a\s+fictional\s+(world|scenario))\b.{0,40}\b(no\s+(rules?|restrictions?|limits?)|anything\s+is\s+(possible|allowed))`)},
	{"encoded_payload", SeveritySuspicious,
		regexp.MustCompile(`\b[A-Za-z0-9+/]{60,}={0,2}\b`)},
	{"prompt_probe", SeveritySuspicious,
		regexp.MustCompile(`(?i)\bwhat\s+(are|were)\s+your\s+(exact\s+)?(instructions?|initial\s+prompt)`)},
}

const neutralizedSpan = "[filtered]"

// InjectionGuard is a stateless heuristic classifier for
// prompt-injection risk. Analyze is pure; the same text always yields
// the same result.
type InjectionGuard struct{}

// NewInjectionGuard creates a guard over the built-in ruleset.
func NewInjectionGuard() *InjectionGuard {
	return &InjectionGuard{}
}

// Analyze screens one text against the severity-tiered ruleset.
// SanitizedText has every matched span neutralized; confirmation is
// required when the worst match is high severity.
func (g *InjectionGuard) Analyze(text string) InjectionResult {
	result := InjectionResult{
		IsClean:       true,
		SanitizedText: text,
	}

	worst := SeverityBenign
	for _, rule := range injectionRules {
		if !rule.re.MatchString(result.SanitizedText) {
			continue
		}
		result.DetectedPatterns = append(result.DetectedPatterns, PatternMatch{
			Name:     rule.name,
			Severity: rule.severity,
		})
		result.SanitizedText = rule.re.ReplaceAllString(result.SanitizedText, neutralizedSpan)
		if rule.severity > worst {
			worst = rule.severity
		}
	}

	if worst > SeverityBenign {
		result.IsClean = false
	}
	result.RequiresConfirmation = worst == SeverityHigh
	return result
}

// ShouldBlock reports whether a result carries any critical match.
func (g *InjectionGuard) ShouldBlock(result InjectionResult) bool {
	for _, m := range result.DetectedPatterns {
		if m.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// MaxSeverity returns the worst severity among the detected patterns.
func (r InjectionResult) MaxSeverity() Severity {
	worst := SeverityBenign
	for _, m := range r.DetectedPatterns {
		if m.Severity > worst {
			worst = m.Severity
		}
	}
	return worst
}

// PatternNames returns the names of all detected patterns.
func (r InjectionResult) PatternNames() []string {
	names := make([]string, 0, len(r.DetectedPatterns))
	for _, m := range r.DetectedPatterns {
		names = append(names, m.Name)
	}
	return names
}
