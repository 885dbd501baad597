// Package orchestrator drives one conversation's streaming exchanges:
// security screening, reversible redaction, the generation call with
// adaptive chunk buffering, tool-call tracking with retry, and optional
// parallel fan-out. At most one generation is active at a time; a new
// send tears the previous one down before touching shared state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/chat"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/logging"
	"github.com/quillhq/quill/internal/memory"
	"github.com/quillhq/quill/internal/security"
	"github.com/quillhq/quill/internal/skills"
	"github.com/quillhq/quill/internal/tools"
)

// State is the orchestrator's lifecycle phase. Completed, Cancelled and
// Failed are resting states: the next send starts from any of them.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

var (
	ErrEmptyPrompt          = errors.New("empty prompt")
	ErrNoProvider           = errors.New("no provider configured")
	ErrSendBlocked          = errors.New("send blocked by security screening")
	ErrConfirmationRequired = errors.New("send requires confirmation")
	ErrNoPendingSend        = errors.New("no pending send to resolve")
)

// PendingWarning is a suspended send awaiting an explicit user
// decision. Confirm re-enters the pipeline with screening bypassed;
// cancel discards the text.
type PendingWarning struct {
	Text     string
	Stage    string // "injection" or "threat"
	Patterns []string
}

// Callbacks receive orchestrator output as it happens. All fields are
// optional. OnText delivers buffered transcript deltas for the single
// active stream; OnParallelText delivers per-backend deltas in parallel
// mode.
type Callbacks struct {
	OnText         func(delta string)
	OnParallelText func(provider, delta string)
	OnThinking     func(status string)
	OnToolCall     func(call LiveToolCall)
	OnArtifact     func(artifact *Artifact)
	OnState        func(state State)
	OnError        func(message string)
}

// generation is one in-flight exchange: a cancellable task plus the
// per-exchange buffer. Parallel fan-outs use the same shape so teardown
// treats both modes uniformly.
type generation struct {
	cancel  context.CancelFunc
	done    chan struct{}
	session *streamSession

	accMu sync.Mutex
	acc   strings.Builder
}

func (g *generation) appendVisible(text string) {
	g.accMu.Lock()
	g.acc.WriteString(text)
	g.accMu.Unlock()
}

func (g *generation) visible() string {
	g.accMu.Lock()
	defer g.accMu.Unlock()
	return g.acc.String()
}

// Orchestrator is the single owner of one conversation's streaming
// state. All shared mutation goes through its mutex; generation tasks
// verify they are still the active generation before every write.
type Orchestrator struct {
	cfg      *config.Config
	repo     chat.ConversationRepository
	guard    *security.InjectionGuard
	analyzer *security.ThreatAnalyzer
	redactor *security.Redactor
	parallel *ParallelExecutor

	executor  *ToolCallExecutor
	skills    *skills.Loader
	extractor *memory.Extractor
	bus       *events.Subject
	cb        Callbacks

	mu                sync.Mutex
	provider          ai.Provider
	parallelProviders []ai.Provider
	systemPrompt      string
	conversationID    string
	messages          []chat.Message
	state             State
	lastError         string
	pending           *PendingWarning
	gen               *generation
	redactionMap      map[string]string
}

// New creates an orchestrator over one provider and repository. The
// injection guard, threat analyzer and redactor are built from the
// config's security and redaction sections.
func New(cfg *config.Config, provider ai.Provider, repo chat.ConversationRepository) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		provider: provider,
		guard:    security.NewInjectionGuard(),
		analyzer: security.NewThreatAnalyzer(security.ThreatPolicy{
			AutoBlockCritical: cfg.Security.AutoBlockCritical,
			PromptOnHigh:      cfg.Security.PromptOnHigh,
			LogThreatsOnly:    cfg.Security.LogThreatsOnly,
		}),
		redactor: newRedactorFromConfig(cfg.Redaction),
		parallel: NewParallelExecutor(),
		state:    StateIdle,
	}
}

// newRedactorFromConfig seeds a redactor with the configured custom
// patterns and disabled built-ins.
func newRedactorFromConfig(cfg config.RedactionConfig) *security.Redactor {
	r := security.NewRedactor()
	for _, name := range cfg.DisabledBuiltins {
		if err := r.SetEnabled(name, false); err != nil {
			logging.Warnf("[redact] cannot disable %q: %v", name, err)
		}
	}
	for _, p := range cfg.CustomPatterns {
		if err := r.AddPattern(p.Name, p.Pattern); err != nil {
			logging.Warnf("[redact] invalid custom pattern %q: %v", p.Name, err)
			continue
		}
		if !p.Enabled {
			_ = r.SetEnabled(p.Name, false)
		}
	}
	return r
}

// SetCallbacks installs the output callbacks. Call before the first send.
func (o *Orchestrator) SetCallbacks(cb Callbacks) {
	o.cb = cb
}

// SetInvoker enables tool-call tracking and retry over the given
// invoker.
func (o *Orchestrator) SetInvoker(invoker tools.Invoker) {
	o.executor = NewToolCallExecutor(invoker, retryPolicyFromConfig(o.cfg.Retry))
	o.executor.OnUpdate = func(call LiveToolCall) {
		if o.cb.OnToolCall != nil {
			o.cb.OnToolCall(call)
		}
	}
}

// SetSkills installs the skill loader used for per-call system prompt
// augmentation.
func (o *Orchestrator) SetSkills(loader *skills.Loader) {
	o.skills = loader
}

// SetExtractor installs the detached memory extractor fired after each
// completed exchange.
func (o *Orchestrator) SetExtractor(ex *memory.Extractor) {
	o.extractor = ex
}

// SetBus installs the event bus for artifact-panel notifications.
func (o *Orchestrator) SetBus(bus *events.Subject) {
	o.bus = bus
}

// SetSystemPrompt sets the base system prompt for subsequent sends.
func (o *Orchestrator) SetSystemPrompt(prompt string) {
	o.mu.Lock()
	o.systemPrompt = prompt
	o.mu.Unlock()
}

// SetProvider switches the backend for subsequent sends.
func (o *Orchestrator) SetProvider(p ai.Provider) {
	o.mu.Lock()
	o.provider = p
	o.mu.Unlock()
}

// SetParallelProviders sets the fan-out backend set. Parallel mode is
// active when the config enables it and this set is non-empty.
func (o *Orchestrator) SetParallelProviders(providers []ai.Provider) {
	o.mu.Lock()
	o.parallelProviders = providers
	o.mu.Unlock()
}

// SetConversation switches the orchestrator to a conversation and
// loads its latest page of messages. Any in-flight generation is
// cancelled first.
func (o *Orchestrator) SetConversation(ctx context.Context, conversationID string) error {
	o.teardownActive(StateCancelled)

	page, err := o.repo.LoadMessages(ctx, conversationID, nil, 0)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	o.mu.Lock()
	o.conversationID = conversationID
	o.messages = page.Messages
	o.pending = nil
	o.lastError = ""
	o.state = StateIdle
	o.mu.Unlock()

	o.notifyState(StateIdle)
	return nil
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastError returns the user-visible error from the most recent
// rejection or failure, empty otherwise.
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

// Messages returns a copy of the in-memory transcript.
func (o *Orchestrator) Messages() []chat.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]chat.Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// PendingWarning returns the suspended send awaiting confirmation, or
// nil.
func (o *Orchestrator) PendingWarning() *PendingWarning {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// ToolCalls returns snapshots of the current exchange's tool calls.
func (o *Orchestrator) ToolCalls() []LiveToolCall {
	if o.executor == nil {
		return nil
	}
	return o.executor.List()
}

// RetryToolCall re-executes a tool call with the configured backoff
// policy. See ToolCallExecutor.RetryToolCall.
func (o *Orchestrator) RetryToolCall(ctx context.Context, id, name string, inputJSON []byte) error {
	if o.executor == nil {
		return errors.New("no tool invoker configured")
	}
	return o.executor.RetryToolCall(ctx, id, name, inputJSON)
}

// ResetConversationThreatState drops threat-escalation state for a
// conversation. Escalation otherwise never decays; retention policy is
// the caller's concern.
func (o *Orchestrator) ResetConversationThreatState(conversationID string) {
	o.analyzer.ResetConversation(conversationID)
}

// Redactor exposes the redactor for pattern management.
func (o *Orchestrator) Redactor() *security.Redactor {
	return o.redactor
}

// Send runs the full pipeline for one user message: screening,
// redaction, skill augmentation, persistence, then the streaming (or
// parallel) generation. It returns once the generation is launched;
// output arrives through the callbacks.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	return o.send(ctx, text, false)
}

// ConfirmPendingSend resumes a suspended send with screening bypassed.
func (o *Orchestrator) ConfirmPendingSend(ctx context.Context) error {
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	if pending == nil {
		return ErrNoPendingSend
	}
	return o.send(ctx, pending.Text, true)
}

// CancelPendingSend discards a suspended send.
func (o *Orchestrator) CancelPendingSend() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return ErrNoPendingSend
	}
	o.pending = nil
	o.state = StateIdle
	return nil
}

// Cancel stops the active generation, if any. Partial output is
// discarded silently; observers see a consistent cancelled state once
// Cancel returns.
func (o *Orchestrator) Cancel() {
	o.teardownActive(StateCancelled)
}

// EditAndResend atomically deletes a user message and everything after
// it, then re-sends the edited text through the full pipeline.
func (o *Orchestrator) EditAndResend(ctx context.Context, messageID, newText string) error {
	o.teardownActive(StateCancelled)

	o.mu.Lock()
	convID := o.conversationID
	idx := -1
	for i := range o.messages {
		if o.messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		o.mu.Unlock()
		return fmt.Errorf("message %s not found in conversation", messageID)
	}
	if o.messages[idx].Role != chat.RoleUser {
		o.mu.Unlock()
		return fmt.Errorf("message %s is not a user message", messageID)
	}
	o.mu.Unlock()

	if err := o.repo.DeleteMessageAndAfter(ctx, convID, messageID); err != nil {
		return fmt.Errorf("failed to truncate conversation: %w", err)
	}

	o.mu.Lock()
	o.messages = o.messages[:idx]
	o.mu.Unlock()

	return o.send(ctx, newText, false)
}

// send is the pipeline body. Each stage short-circuits on rejection.
func (o *Orchestrator) send(ctx context.Context, text string, bypassScreening bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyPrompt
	}

	// Implicit cancellation: the previous generation is fully torn
	// down before this send writes any shared state.
	o.teardownActive(StateCancelled)

	o.mu.Lock()
	provider := o.provider
	convID := o.conversationID
	systemPrompt := o.systemPrompt
	parallelSet := o.parallelProviders
	o.pending = nil
	o.lastError = ""
	o.state = StateSending
	o.mu.Unlock()
	o.notifyState(StateSending)

	if provider == nil && len(parallelSet) == 0 {
		return o.fail(ErrNoProvider.Error(), ErrNoProvider)
	}

	// Stage 1: injection screening.
	if !bypassScreening && o.cfg.Security.InjectionGuardEnabled {
		result := o.guard.Analyze(text)
		if o.guard.ShouldBlock(result) {
			return o.reject("message blocked: prompt-injection pattern detected", result.PatternNames())
		}
		if result.RequiresConfirmation {
			return o.suspend(text, "injection", result.PatternNames())
		}
	}

	// Stage 2: conversation-scoped threat analysis.
	if !bypassScreening && o.cfg.Security.ThreatAnalysisEnabled {
		analysis := o.analyzer.AnalyzeIncomingPrompt(text, o.recentTurns(5), convID)
		if analysis.ShouldBlock {
			return o.reject("message blocked: threat analysis flagged this conversation", threatTypes(analysis))
		}
		if analysis.RequiresConfirmation {
			return o.suspend(text, "threat", threatTypes(analysis))
		}
	}

	// Stage 3: redact the outbound text and a trailing history window.
	// Only the outbound map is kept; it lives exactly one exchange.
	outbound := text
	var redactionMap map[string]string
	history := chat.Recent(o.Messages(), o.cfg.Redaction.HistoryWindow)
	if o.cfg.Redaction.Enabled {
		result := o.redactor.Redact(text)
		outbound = result.Sanitized
		redactionMap = result.Map
		history = o.redactHistory(history)
	}

	// Stage 4: skill augmentation applies to this call only.
	if o.skills != nil {
		systemPrompt = o.skills.Augment(systemPrompt, text)
	}

	// Stage 5: persist the user-visible message before generation so it
	// survives a crash or cancel of the generation step.
	userMsg := chat.Message{
		ConversationID: convID,
		Role:           chat.RoleUser,
		Content:        text,
	}
	if err := o.repo.SaveMessage(ctx, &userMsg); err != nil {
		return o.fail(fmt.Sprintf("failed to save message: %v", err), err)
	}
	o.mu.Lock()
	o.messages = append(o.messages, userMsg)
	o.mu.Unlock()

	req := &ai.ChatRequest{
		Text:    outbound,
		History: history,
		System:  systemPrompt,
	}

	// Stage 6: parallel fan-out when active.
	if o.cfg.Parallel.Enabled && len(parallelSet) > 0 {
		return o.startParallel(parallelSet, req, redactionMap, convID)
	}

	// Stage 7: single streaming generation.
	return o.startGeneration(provider, req, redactionMap, convID)
}

// reject stops a send before any network call: a user-visible error is
// surfaced and no partial state is retained.
func (o *Orchestrator) reject(message string, patterns []string) error {
	logging.Warnf("[orchestrator] send rejected: %s (%v)", message, patterns)
	o.mu.Lock()
	o.lastError = message
	o.state = StateIdle
	o.mu.Unlock()
	o.notifyState(StateIdle)
	if o.cb.OnError != nil {
		o.cb.OnError(message)
	}
	return fmt.Errorf("%w: %s", ErrSendBlocked, message)
}

// suspend parks a send behind a pending warning. No error: resolution
// comes via ConfirmPendingSend or CancelPendingSend.
func (o *Orchestrator) suspend(text, stage string, patterns []string) error {
	o.mu.Lock()
	o.pending = &PendingWarning{Text: text, Stage: stage, Patterns: patterns}
	o.state = StateIdle
	o.mu.Unlock()
	o.notifyState(StateIdle)
	return fmt.Errorf("%w: %s patterns %v", ErrConfirmationRequired, stage, patterns)
}

// fail records a fatal pipeline error and returns to a resting state.
func (o *Orchestrator) fail(message string, err error) error {
	o.mu.Lock()
	o.lastError = message
	o.state = StateFailed
	o.mu.Unlock()
	o.notifyState(StateFailed)
	if o.cb.OnError != nil {
		o.cb.OnError(message)
	}
	return err
}

// startGeneration launches the streaming call and registers it as the
// active generation.
func (o *Orchestrator) startGeneration(provider ai.Provider, req *ai.ChatRequest, redactionMap map[string]string, convID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	g := &generation{cancel: cancel, done: make(chan struct{})}
	g.session = newStreamSession(flushPolicyFromConfig(o.cfg.Buffering), func(text string) {
		g.appendVisible(text)
		if o.cb.OnText != nil {
			o.cb.OnText(text)
		}
	})

	eventCh, err := provider.Stream(ctx, req)
	if err != nil {
		cancel()
		close(g.done)
		return o.fail(fmt.Sprintf("generation failed: %v", err), err)
	}

	o.registerGeneration(g, redactionMap)

	go o.consume(g, eventCh, convID)
	return nil
}

// registerGeneration installs g as the active generation. Registration
// displaces atomically: if another send registered a generation between
// this send's teardown and now, that generation is cancelled and its
// session closed, so exactly one stream stays live.
func (o *Orchestrator) registerGeneration(g *generation, redactionMap map[string]string) {
	o.mu.Lock()
	displaced := o.gen
	o.gen = g
	o.redactionMap = redactionMap
	o.state = StateStreaming
	o.mu.Unlock()

	if displaced != nil {
		displaced.cancel()
		if displaced.session != nil {
			displaced.session.Close()
		}
	}
	o.notifyState(StateStreaming)
}

// consume applies one backend's stream in arrival order. Once the
// generation is no longer active it performs no further shared-state
// mutation; buffered-but-unflushed data is dropped.
func (o *Orchestrator) consume(g *generation, eventCh <-chan ai.StreamEvent, convID string) {
	defer close(g.done)

	var streamErr error
	for event := range eventCh {
		if !o.isActive(g) {
			return
		}

		switch event.Type {
		case ai.EventTypeChunk:
			g.session.Append(event.Text)
		case ai.EventTypeThinking:
			if o.cb.OnThinking != nil {
				o.cb.OnThinking(event.Text)
			}
		case ai.EventTypeToolStarted:
			if o.executor != nil && event.ToolCall != nil {
				o.executor.Started(event.ToolCall)
			}
		case ai.EventTypeToolCompleted:
			if o.executor != nil && event.ToolOutcome != nil {
				o.executor.Completed(event.ToolOutcome)
			}
		case ai.EventTypeError:
			streamErr = event.Error
		}
	}

	if !o.isActive(g) {
		return
	}
	if streamErr != nil {
		o.failGeneration(g, streamErr)
		return
	}
	o.completeGeneration(g, convID)
}

// completeGeneration runs the completion sequence: drain the buffer,
// restore placeholders, response-side threat analysis, artifact
// extraction, persistence, then atomic teardown of transient state and
// a detached memory-extraction task.
func (o *Orchestrator) completeGeneration(g *generation, convID string) {
	defer g.cancel()
	g.session.Drain()
	raw := g.visible()

	o.mu.Lock()
	if o.gen != g {
		o.mu.Unlock()
		return
	}
	redactionMap := o.redactionMap
	o.mu.Unlock()

	final := raw
	if len(redactionMap) > 0 {
		final = o.redactor.Restore(raw, redactionMap)
	}

	var responseAlert string
	if o.cfg.Security.ThreatAnalysisEnabled && final != "" {
		analysis := o.analyzer.AnalyzeModelResponse(final)
		if !analysis.IsClean {
			logging.Warnf("[orchestrator] response flagged: %v", threatTypes(analysis))
			responseAlert = criticalResponseAlert(analysis)
		}
	}

	if artifact := ExtractFirstArtifact(final); artifact != nil {
		if o.cb.OnArtifact != nil {
			o.cb.OnArtifact(artifact)
		}
		o.publishArtifact(convID, artifact)
	}

	var assistantMsg *chat.Message
	if final != "" {
		assistantMsg = &chat.Message{
			ConversationID: convID,
			Role:           chat.RoleAssistant,
			Content:        final,
		}
		if err := o.repo.SaveMessage(context.Background(), assistantMsg); err != nil {
			logging.Errorf("[orchestrator] failed to persist assistant message: %v", err)
		}
	}

	o.mu.Lock()
	if o.gen != g {
		o.mu.Unlock()
		return
	}
	o.gen = nil
	if assistantMsg != nil {
		o.messages = append(o.messages, *assistantMsg)
	}
	o.clearTransientLocked()
	o.state = StateCompleted
	if responseAlert != "" {
		o.lastError = responseAlert
	}
	transcript := make([]chat.Message, len(o.messages))
	copy(transcript, o.messages)
	o.mu.Unlock()
	o.notifyState(StateCompleted)

	// The exchange still completes and persists; the alert is advisory.
	if responseAlert != "" && o.cb.OnError != nil {
		o.cb.OnError(responseAlert)
	}

	if o.extractor != nil && o.cfg.Memory.Enabled {
		o.extractor.ExtractAsync(convID, transcript)
	}
}

// failGeneration discards partial output and surfaces the error. No
// assistant message is persisted for the turn.
func (o *Orchestrator) failGeneration(g *generation, err error) {
	defer g.cancel()
	g.session.Close()

	o.mu.Lock()
	if o.gen != g {
		o.mu.Unlock()
		return
	}
	o.gen = nil
	o.clearTransientLocked()
	message := fmt.Sprintf("generation failed: %v", err)
	o.lastError = message
	o.state = StateFailed
	o.mu.Unlock()
	o.notifyState(StateFailed)

	if o.cb.OnError != nil {
		o.cb.OnError(message)
	}
}

// startParallel delegates to the fan-out executor in a goroutine shaped
// like a single generation, so teardown treats both modes uniformly.
func (o *Orchestrator) startParallel(providers []ai.Provider, req *ai.ChatRequest, redactionMap map[string]string, convID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	g := &generation{cancel: cancel, done: make(chan struct{})}

	o.registerGeneration(g, redactionMap)

	go func() {
		defer close(g.done)
		defer cancel()

		results := o.parallel.Execute(ctx, providers, req, func(provider, chunk string) {
			if o.cb.OnParallelText != nil && o.isActive(g) {
				o.cb.OnParallelText(provider, chunk)
			}
		})

		if !o.isActive(g) {
			return
		}
		o.completeParallel(g, results, redactionMap, convID)
	}()

	return nil
}

// completeParallel persists each successful backend independently as a
// provider-tagged assistant message. A failed backend has no persisted
// message; its error is recorded in the result map only.
func (o *Orchestrator) completeParallel(g *generation, results map[string]ParallelResult, redactionMap map[string]string, convID string) {
	var persisted []chat.Message
	failures := 0

	for providerID, result := range results {
		if result.Err != nil {
			failures++
			logging.Warnf("[parallel] %s failed (%s): %v", providerID, result.Reason, result.Err)
			continue
		}
		final := result.Response
		if len(redactionMap) > 0 {
			final = o.redactor.Restore(final, redactionMap)
		}
		if final == "" {
			continue
		}
		msg := chat.Message{
			ConversationID: convID,
			Role:           chat.RoleAssistant,
			Content:        final,
			Provider:       providerID,
		}
		if err := o.repo.SaveMessage(context.Background(), &msg); err != nil {
			logging.Errorf("[parallel] failed to persist %s response: %v", providerID, err)
			continue
		}
		persisted = append(persisted, msg)
	}

	o.mu.Lock()
	if o.gen != g {
		o.mu.Unlock()
		return
	}
	o.gen = nil
	o.messages = append(o.messages, persisted...)
	o.clearTransientLocked()

	endState := StateCompleted
	if len(persisted) == 0 && failures > 0 {
		endState = StateFailed
		o.lastError = fmt.Sprintf("all %d backends failed", failures)
	}
	o.state = endState
	transcript := make([]chat.Message, len(o.messages))
	copy(transcript, o.messages)
	errText := o.lastError
	o.mu.Unlock()
	o.notifyState(endState)

	if endState == StateFailed && o.cb.OnError != nil {
		o.cb.OnError(errText)
	}
	if endState == StateCompleted && o.extractor != nil && o.cfg.Memory.Enabled {
		o.extractor.ExtractAsync(convID, transcript)
	}
}

// publishArtifact fires the artifact-panel event for late subscribers.
func (o *Orchestrator) publishArtifact(convID string, artifact *Artifact) {
	if o.bus == nil {
		return
	}
	err := events.Emit(o.bus, events.TopicArtifactPanel, events.ArtifactPanel{
		ConversationID: convID,
		Language:       artifact.Language,
		Title:          artifact.Title,
		Content:        artifact.Content,
		Visible:        true,
	})
	if err != nil {
		logging.Debugf("[orchestrator] artifact event dropped: %v", err)
	}
}

// teardownActive cancels the in-flight generation, stops its flush
// timer and parallel subtasks, clears transient state, and waits for
// the generation task to exit. Safe to call when idle.
func (o *Orchestrator) teardownActive(endState State) {
	o.mu.Lock()
	g := o.gen
	o.gen = nil
	if g != nil {
		g.cancel()
		if g.session != nil {
			g.session.Close()
		}
		o.clearTransientLocked()
		o.state = endState
	}
	o.mu.Unlock()

	if g != nil {
		o.parallel.Cancel()
		<-g.done
		o.notifyState(endState)
	}
}

// clearTransientLocked drops all per-exchange state: the redaction map
// and the live tool-call list. The stream buffer is owned by the
// generation and torn down with it.
func (o *Orchestrator) clearTransientLocked() {
	o.redactionMap = nil
	if o.executor != nil {
		o.executor.Clear()
	}
}

// isActive reports whether g is still the orchestrator's active
// generation. Tasks check this before every shared-state mutation.
func (o *Orchestrator) isActive(g *generation) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == g
}

// recentTurns returns the last n message contents for escalation
// screening.
func (o *Orchestrator) recentTurns(n int) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := chat.Recent(o.messages, n)
	turns := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content != "" {
			turns = append(turns, m.Content)
		}
	}
	return turns
}

// redactHistory redacts each history message independently. The
// per-message maps are dropped: only the outbound map is ever restored.
func (o *Orchestrator) redactHistory(history []chat.Message) []chat.Message {
	out := make([]chat.Message, len(history))
	for i, msg := range history {
		out[i] = msg
		out[i].Content = o.redactor.Redact(msg.Content).Sanitized
	}
	return out
}

func (o *Orchestrator) notifyState(state State) {
	if o.cb.OnState != nil {
		o.cb.OnState(state)
	}
}

// criticalResponseAlert builds a user-visible message when response
// screening found critical findings, empty otherwise.
func criticalResponseAlert(analysis *security.ThreatAnalysis) string {
	var types []string
	for _, alert := range analysis.Alerts {
		if alert.Severity == security.SeverityCritical {
			types = append(types, alert.Type)
		}
	}
	if len(types) == 0 {
		return ""
	}
	return fmt.Sprintf("response contains critical findings: %s", strings.Join(types, ", "))
}

func threatTypes(analysis *security.ThreatAnalysis) []string {
	types := make([]string, 0, len(analysis.Alerts))
	for _, alert := range analysis.Alerts {
		types = append(types, alert.Type)
	}
	return types
}
