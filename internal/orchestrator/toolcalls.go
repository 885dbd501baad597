package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/logging"
	"github.com/quillhq/quill/internal/tools"
)

// ToolCallStatus is the lifecycle state of one live tool call.
type ToolCallStatus string

const (
	ToolCallRunning ToolCallStatus = "running"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// LiveToolCall tracks one tool invocation across its lifetime,
// including retries. The ID is stable: completion and retry mutate the
// entry in place.
type LiveToolCall struct {
	ID         string
	Name       string
	Input      json.RawMessage
	Status     ToolCallStatus
	Output     string
	StartTime  time.Time
	RetryCount int
	Retryable  bool
	// Args is Input parsed at start time so retries can replay
	// arguments without re-parsing stream state.
	Args map[string]any
}

// RetryPolicy is the backoff curve for tool-call retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func retryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelayMillis) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelaySeconds) * time.Second,
	}
}

// ToolCallExecutor owns the live tool-call registry for an exchange and
// wraps the invoker with backoff-aware retry.
type ToolCallExecutor struct {
	mu      sync.Mutex
	invoker tools.Invoker
	policy  RetryPolicy
	calls   map[string]*LiveToolCall
	order   []string

	// OnUpdate is invoked with a snapshot after every status change.
	OnUpdate func(LiveToolCall)
	// OnAttempt announces the 1-based attempt number and the backoff
	// delay preceding it. For retries it fires before the sleep begins,
	// so status text reads "retrying in Ns" during the wait rather than
	// "executing".
	OnAttempt func(id string, attempt int, delay time.Duration)
}

// NewToolCallExecutor creates an executor over the given invoker.
func NewToolCallExecutor(invoker tools.Invoker, policy RetryPolicy) *ToolCallExecutor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &ToolCallExecutor{
		invoker: invoker,
		policy:  policy,
		calls:   make(map[string]*LiveToolCall),
	}
}

// Started records a backend-announced tool invocation as Running and
// parses its arguments immediately.
func (e *ToolCallExecutor) Started(call *ai.ToolCall) {
	e.mu.Lock()
	live, ok := e.calls[call.ID]
	if !ok {
		live = &LiveToolCall{ID: call.ID}
		e.calls[call.ID] = live
		e.order = append(e.order, call.ID)
	}
	live.Name = call.Name
	live.Input = call.Input
	live.Status = ToolCallRunning
	live.Output = ""
	live.StartTime = time.Now()
	live.Args = parseToolArgs(call.Input)
	snapshot := *live
	e.mu.Unlock()

	e.notify(snapshot)
}

// Completed transitions a call to Success or Error. Failed calls are
// marked retryable.
func (e *ToolCallExecutor) Completed(outcome *ai.ToolOutcome) {
	e.mu.Lock()
	live, ok := e.calls[outcome.ID]
	if !ok {
		e.mu.Unlock()
		return
	}
	live.Output = outcome.Output
	if outcome.IsError {
		live.Status = ToolCallError
		live.Retryable = true
	} else {
		live.Status = ToolCallSuccess
		live.Retryable = false
	}
	snapshot := *live
	e.mu.Unlock()

	e.notify(snapshot)
}

// RetryToolCall re-executes a tool call with backoff. An untracked id
// synthesizes a fresh entry; a tracked one has its retry count bumped
// and its output reset. The final outcome updates the entry exactly
// like a first-attempt completion.
func (e *ToolCallExecutor) RetryToolCall(ctx context.Context, id, name string, input json.RawMessage) error {
	e.mu.Lock()
	live, ok := e.calls[id]
	if !ok {
		live = &LiveToolCall{
			ID:    id,
			Name:  name,
			Input: input,
			Args:  parseToolArgs(input),
		}
		e.calls[id] = live
		e.order = append(e.order, id)
	} else {
		live.RetryCount++
	}
	live.Status = ToolCallRunning
	live.Output = ""
	live.StartTime = time.Now()
	name = live.Name
	input = live.Input
	snapshot := *live
	e.mu.Unlock()

	e.notify(snapshot)

	// Hand-rolled loop around the go-retry backoff generator: the next
	// delay must be announced through OnAttempt before the sleep, so
	// status text can read "retrying in Ns" during the wait instead of
	// "executing".
	backoff := retry.WithCappedDuration(e.policy.MaxDelay, retry.NewExponential(e.policy.BaseDelay))

	var result *tools.Result
	var attemptErr error
	attempt := 1
	if e.OnAttempt != nil {
		e.OnAttempt(id, attempt, 0)
	}
	for {
		res, err := e.invoker.ExecuteTool(ctx, name, input)
		switch {
		case err != nil:
			attemptErr = err
			logging.Warnf("[tools] %s attempt %d failed: %v", name, attempt, err)
		case res.IsError:
			attemptErr = errors.New(res.Content)
			logging.Warnf("[tools] %s attempt %d returned error: %s", name, attempt, res.Content)
		default:
			result = res
			attemptErr = nil
		}
		if attemptErr == nil || attempt >= e.policy.MaxAttempts {
			break
		}

		delay, stop := backoff.Next()
		if stop {
			break
		}
		attempt++
		if e.OnAttempt != nil {
			e.OnAttempt(id, attempt, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			attemptErr = fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
			continue
		}
		break
	}

	if attemptErr != nil {
		e.finish(id, fmt.Sprintf("tool %s failed after %d attempts: %v", name, attempt, attemptErr), true)
		return attemptErr
	}
	e.finish(id, result.Content, false)
	return nil
}

func (e *ToolCallExecutor) finish(id, output string, isError bool) {
	e.Completed(&ai.ToolOutcome{ID: id, Output: output, IsError: isError})
}

// Get returns a snapshot of one tracked call.
func (e *ToolCallExecutor) Get(id string) (LiveToolCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	live, ok := e.calls[id]
	if !ok {
		return LiveToolCall{}, false
	}
	return *live, true
}

// List returns snapshots of all tracked calls in creation order.
func (e *ToolCallExecutor) List() []LiveToolCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LiveToolCall, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.calls[id])
	}
	return out
}

// Clear drops all tracked calls. Called when an exchange's transient
// state is torn down.
func (e *ToolCallExecutor) Clear() {
	e.mu.Lock()
	e.calls = make(map[string]*LiveToolCall)
	e.order = nil
	e.mu.Unlock()
}

func (e *ToolCallExecutor) notify(snapshot LiveToolCall) {
	if e.OnUpdate != nil {
		e.OnUpdate(snapshot)
	}
}

func parseToolArgs(input json.RawMessage) map[string]any {
	if len(input) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		logging.Debugf("[tools] unparseable tool input: %v", err)
		return nil
	}
	return args
}
