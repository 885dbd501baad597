package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/tools"
)

// fakeInvoker fails a configured number of times before succeeding.
type fakeInvoker struct {
	mu       sync.Mutex
	failures int
	calls    int
	result   string
}

func (f *fakeInvoker) ExecuteTool(ctx context.Context, name string, argsJSON json.RawMessage) (*tools.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient failure")
	}
	return &tools.Result{Content: f.result}, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestStartedParsesArguments(t *testing.T) {
	e := NewToolCallExecutor(&fakeInvoker{}, testRetryPolicy())

	e.Started(&ai.ToolCall{ID: "t1", Name: "search", Input: json.RawMessage(`{"query": "golang", "limit": 5}`)})

	call, ok := e.Get("t1")
	if !ok {
		t.Fatal("call not tracked")
	}
	if call.Status != ToolCallRunning {
		t.Errorf("status = %s, want running", call.Status)
	}
	if call.Args["query"] != "golang" {
		t.Errorf("args not parsed at start: %v", call.Args)
	}
	if call.StartTime.IsZero() {
		t.Error("start time not stamped")
	}
}

func TestCompletedSetsRetryableOnError(t *testing.T) {
	e := NewToolCallExecutor(&fakeInvoker{}, testRetryPolicy())
	e.Started(&ai.ToolCall{ID: "t1", Name: "search", Input: json.RawMessage(`{}`)})

	e.Completed(&ai.ToolOutcome{ID: "t1", Output: "boom", IsError: true})
	call, _ := e.Get("t1")
	if call.Status != ToolCallError || !call.Retryable {
		t.Errorf("error completion: %+v", call)
	}

	e.Completed(&ai.ToolOutcome{ID: "t1", Output: "fine", IsError: false})
	call, _ = e.Get("t1")
	if call.Status != ToolCallSuccess || call.Retryable || call.Output != "fine" {
		t.Errorf("success completion: %+v", call)
	}
}

func TestCompletedIgnoresUnknownID(t *testing.T) {
	e := NewToolCallExecutor(&fakeInvoker{}, testRetryPolicy())
	e.Completed(&ai.ToolOutcome{ID: "ghost", Output: "x"})
	if len(e.List()) != 0 {
		t.Error("unknown completion must not create an entry")
	}
}

func TestRetrySynthesizesUntrackedCall(t *testing.T) {
	invoker := &fakeInvoker{result: "42"}
	e := NewToolCallExecutor(invoker, testRetryPolicy())

	err := e.RetryToolCall(context.Background(), "t9", "calc", json.RawMessage(`{"expr": "6*7"}`))
	if err != nil {
		t.Fatalf("RetryToolCall: %v", err)
	}

	call, ok := e.Get("t9")
	if !ok {
		t.Fatal("synthesized call not tracked")
	}
	if call.Status != ToolCallSuccess || call.Output != "42" {
		t.Errorf("unexpected outcome: %+v", call)
	}
	if call.RetryCount != 0 {
		t.Errorf("fresh entry should have retry count 0, got %d", call.RetryCount)
	}
	if call.Args["expr"] != "6*7" {
		t.Errorf("args not parsed: %v", call.Args)
	}
}

func TestRetryIncrementsTrackedCall(t *testing.T) {
	invoker := &fakeInvoker{result: "ok"}
	e := NewToolCallExecutor(invoker, testRetryPolicy())
	e.Started(&ai.ToolCall{ID: "t1", Name: "fetch", Input: json.RawMessage(`{"url": "x"}`)})
	e.Completed(&ai.ToolOutcome{ID: "t1", Output: "timeout", IsError: true})

	if err := e.RetryToolCall(context.Background(), "t1", "", nil); err != nil {
		t.Fatalf("RetryToolCall: %v", err)
	}

	call, _ := e.Get("t1")
	if call.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", call.RetryCount)
	}
	// The tracked name and input are replayed, not the arguments passed in.
	if call.Name != "fetch" || string(call.Input) != `{"url": "x"}` {
		t.Errorf("tracked identity lost: %+v", call)
	}
	if call.Status != ToolCallSuccess || call.Output != "ok" {
		t.Errorf("final outcome: %+v", call)
	}
}

func TestRetryBacksOffAndReportsAttempts(t *testing.T) {
	invoker := &fakeInvoker{failures: 2, result: "eventually"}
	e := NewToolCallExecutor(invoker, testRetryPolicy())

	type attempt struct {
		n     int
		delay time.Duration
	}
	var mu sync.Mutex
	var attempts []attempt
	e.OnAttempt = func(id string, n int, delay time.Duration) {
		mu.Lock()
		attempts = append(attempts, attempt{n, delay})
		mu.Unlock()
	}

	if err := e.RetryToolCall(context.Background(), "t1", "flaky", nil); err != nil {
		t.Fatalf("expected eventual success: %v", err)
	}

	if invoker.callCount() != 3 {
		t.Errorf("invoker calls = %d, want 3", invoker.callCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("attempts reported = %d, want 3", len(attempts))
	}
	if attempts[0].delay != 0 {
		t.Errorf("first attempt should carry zero delay, got %v", attempts[0].delay)
	}
	for i := 1; i < len(attempts); i++ {
		if attempts[i].delay <= 0 {
			t.Errorf("retry attempt %d has no backoff delay", attempts[i].n)
		}
	}

	call, _ := e.Get("t1")
	if call.Status != ToolCallSuccess || call.Output != "eventually" {
		t.Errorf("final outcome: %+v", call)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	invoker := &fakeInvoker{failures: 100}
	e := NewToolCallExecutor(invoker, testRetryPolicy())

	err := e.RetryToolCall(context.Background(), "t1", "hopeless", nil)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if invoker.callCount() != 3 {
		t.Errorf("invoker calls = %d, want 3 (attempt ceiling)", invoker.callCount())
	}

	call, _ := e.Get("t1")
	if call.Status != ToolCallError || !call.Retryable {
		t.Errorf("exhausted call should be a retryable error: %+v", call)
	}
}

func TestAttemptAnnouncedBeforeBackoffSleep(t *testing.T) {
	invoker := &fakeInvoker{failures: 1, result: "done"}
	e := NewToolCallExecutor(invoker, RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   60 * time.Millisecond,
		MaxDelay:    time.Second,
	})

	// Record when the retry is announced; the second invoker call only
	// happens after the backoff sleep, so a callback fired before the
	// sleep precedes it by roughly the announced delay.
	var mu sync.Mutex
	var announced time.Time
	var announcedDelay time.Duration
	var callsWhenAnnounced int
	e.OnAttempt = func(id string, n int, delay time.Duration) {
		if n != 2 {
			return
		}
		mu.Lock()
		announced = time.Now()
		announcedDelay = delay
		callsWhenAnnounced = invoker.callCount()
		mu.Unlock()
	}

	if err := e.RetryToolCall(context.Background(), "t1", "flaky", nil); err != nil {
		t.Fatalf("expected eventual success: %v", err)
	}
	finished := time.Now()

	mu.Lock()
	defer mu.Unlock()
	if announced.IsZero() {
		t.Fatal("retry attempt was never announced")
	}
	if callsWhenAnnounced != 1 {
		t.Errorf("announcement came after the retry executed (%d calls already made)", callsWhenAnnounced)
	}
	if announcedDelay <= 0 {
		t.Errorf("retry announcement carried no delay: %v", announcedDelay)
	}
	// The sleep happens after the announcement, so completion trails it
	// by at least the backoff delay.
	if elapsed := finished.Sub(announced); elapsed < announcedDelay/2 {
		t.Errorf("completion %v after announcement, want at least %v of backoff wait",
			elapsed, announcedDelay/2)
	}
}

func TestClearDropsTrackedCalls(t *testing.T) {
	e := NewToolCallExecutor(&fakeInvoker{}, testRetryPolicy())
	e.Started(&ai.ToolCall{ID: "t1", Name: "a"})
	e.Started(&ai.ToolCall{ID: "t2", Name: "b"})
	if len(e.List()) != 2 {
		t.Fatalf("expected 2 tracked calls")
	}

	e.Clear()
	if len(e.List()) != 0 {
		t.Error("clear left entries behind")
	}
}
