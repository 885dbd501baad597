package security

import (
	"regexp"
	"sync"

	"github.com/quillhq/quill/internal/logging"
)

// ThreatPolicy holds the knobs that turn classifications into
// orchestrator decisions. The analyzer itself only classifies.
type ThreatPolicy struct {
	AutoBlockCritical bool
	PromptOnHigh      bool
	LogThreatsOnly    bool
}

// DefaultThreatPolicy blocks critical prompts and asks on high.
func DefaultThreatPolicy() ThreatPolicy {
	return ThreatPolicy{
		AutoBlockCritical: true,
		PromptOnHigh:      true,
	}
}

// ThreatAlert is one classified finding.
type ThreatAlert struct {
	Type     string
	Severity Severity
}

// ThreatAnalysis is the outcome of screening a prompt or response.
type ThreatAnalysis struct {
	IsClean              bool
	Alerts               []ThreatAlert
	ShouldBlock          bool
	RequiresConfirmation bool
}

// conversationState accumulates attack-pattern detections for one
// conversation. Counts only grow; escalation never decays in-process.
type conversationState struct {
	patternHits map[string]int
	maxSeverity Severity
}

// ThreatAnalyzer scores prompts with per-conversation escalation:
// a conversation that repeats the same attack pattern is classified at
// least one tier above the pattern's base severity, and never below
// the worst tier it has already reached.
type ThreatAnalyzer struct {
	mu     sync.Mutex
	policy ThreatPolicy
	guard  *InjectionGuard
	convs  map[string]*conversationState
}

// NewThreatAnalyzer creates an analyzer with the given policy.
func NewThreatAnalyzer(policy ThreatPolicy) *ThreatAnalyzer {
	return &ThreatAnalyzer{
		policy: policy,
		guard:  NewInjectionGuard(),
		convs:  make(map[string]*conversationState),
	}
}

// AnalyzeIncomingPrompt screens an outbound user prompt together with
// recent turns. Escalation state for conversationID is updated before
// the analysis is returned.
func (a *ThreatAnalyzer) AnalyzeIncomingPrompt(text string, recentTurns []string, conversationID string) *ThreatAnalysis {
	prompt := a.guard.Analyze(text).DetectedPatterns

	// Recent turns inform the classification at a suspicious ceiling but
	// never feed the hit counts: a turn that passed screening once is
	// not a new offense on every later send.
	inHistory := make(map[string]bool)
	var history []PatternMatch
	for _, turn := range recentTurns {
		for _, m := range a.guard.Analyze(turn).DetectedPatterns {
			sev := m.Severity
			if sev > SeveritySuspicious {
				sev = SeveritySuspicious
			}
			inHistory[m.Name] = true
			history = append(history, PatternMatch{Name: m.Name, Severity: sev})
		}
	}

	a.mu.Lock()
	state, ok := a.convs[conversationID]
	if !ok {
		state = &conversationState{patternHits: make(map[string]int)}
		a.convs[conversationID] = state
	}

	analysis := &ThreatAnalysis{IsClean: len(prompt)+len(history) == 0}
	worst := SeverityBenign
	for _, m := range prompt {
		state.patternHits[m.Name]++
		sev := m.Severity
		// A pattern repeated across the conversation escalates one tier,
		// whether the earlier offense was a prior prompt or a recent turn.
		if (state.patternHits[m.Name] > 1 || inHistory[m.Name]) && sev < SeverityCritical {
			sev++
		}
		analysis.Alerts = append(analysis.Alerts, ThreatAlert{Type: m.Name, Severity: sev})
		if sev > worst {
			worst = sev
		}
	}
	for _, m := range history {
		analysis.Alerts = append(analysis.Alerts, ThreatAlert{Type: m.Name, Severity: m.Severity})
		if m.Severity > worst {
			worst = m.Severity
		}
	}

	// Monotonic: never classify below the conversation's high-water mark
	// once it has active findings.
	if len(analysis.Alerts) > 0 && state.maxSeverity > worst {
		worst = state.maxSeverity
	}
	if worst > state.maxSeverity {
		state.maxSeverity = worst
	}
	a.mu.Unlock()

	a.applyPolicy(analysis, worst)
	return analysis
}

// AnalyzeModelResponse screens generated text for leaked secrets or
// manipulated output. Response analysis is stateless: model output
// never feeds conversation escalation.
func (a *ThreatAnalyzer) AnalyzeModelResponse(text string) *ThreatAnalysis {
	analysis := &ThreatAnalysis{IsClean: true}

	worst := SeverityBenign
	for _, rule := range responseRules {
		if rule.re.MatchString(text) {
			analysis.IsClean = false
			analysis.Alerts = append(analysis.Alerts, ThreatAlert{Type: rule.name, Severity: rule.severity})
			if rule.severity > worst {
				worst = rule.severity
			}
		}
	}

	a.applyPolicy(analysis, worst)
	return analysis
}

// ResetConversation drops all escalation state for one conversation.
func (a *ThreatAnalyzer) ResetConversation(conversationID string) {
	a.mu.Lock()
	delete(a.convs, conversationID)
	a.mu.Unlock()
}

// applyPolicy turns a worst-severity classification into the block and
// confirmation flags according to the configured policy.
func (a *ThreatAnalyzer) applyPolicy(analysis *ThreatAnalysis, worst Severity) {
	if len(analysis.Alerts) > 0 {
		analysis.IsClean = false
	}
	if a.policy.LogThreatsOnly {
		if !analysis.IsClean {
			logging.Warnf("threat detected (log-only): %v", alertTypes(analysis.Alerts))
		}
		return
	}
	analysis.ShouldBlock = a.policy.AutoBlockCritical && worst == SeverityCritical
	analysis.RequiresConfirmation = a.policy.PromptOnHigh && worst == SeverityHigh
}

func alertTypes(alerts []ThreatAlert) []string {
	types := make([]string, 0, len(alerts))
	for _, al := range alerts {
		types = append(types, al.Type)
	}
	return types
}

// responseRules screen model output. Leaked credentials are critical;
// exfiltration framing is high.
var responseRules = []struct {
	name     string
	severity Severity
	re       *regexp.Regexp
}{
	{"leaked_private_key", SeverityCritical,
		regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`)},
	{"leaked_api_key", SeverityCritical,
		regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{20,}|AKIA[0-9A-Z]{16}|ghp_[A-Za-z0-9]{36})\b`)},
	{"credential_disclosure", SeverityHigh,
		regexp.MustCompile(`(?i)\b(password|passphrase|secret\s+key)\s*(is|:)\s*\S+`)},
	{"exfiltration_framing", SeverityHigh,
		regexp.MustCompile(`(?i)\bsend\s+(this|the\s+(data|file|key|credentials?))\s+to\s+https?://`)},
}
