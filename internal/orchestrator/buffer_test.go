package orchestrator

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func testFlushPolicy() flushPolicy {
	return flushPolicy{
		warmup:          500 * time.Millisecond,
		defaultInterval: 20 * time.Millisecond,
		fastInterval:    5 * time.Millisecond,
		mediumInterval:  20 * time.Millisecond,
		slowInterval:    50 * time.Millisecond,
		immediateBytes:  2048,
	}
}

// flushRecorder collects flushes for assertions.
type flushRecorder struct {
	mu      sync.Mutex
	flushes []string
}

func (r *flushRecorder) record(text string) {
	r.mu.Lock()
	r.flushes = append(r.flushes, text)
	r.mu.Unlock()
}

func (r *flushRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.flushes...)
}

func TestTimerBatchesChunks(t *testing.T) {
	rec := &flushRecorder{}
	s := newStreamSession(testFlushPolicy(), rec.record)
	defer s.Close()

	s.Append("a")
	s.Append("b")
	s.Append("c")

	time.Sleep(100 * time.Millisecond)
	flushes := rec.all()
	if len(flushes) != 1 {
		t.Fatalf("expected 1 batched flush, got %d: %v", len(flushes), flushes)
	}
	if flushes[0] != "abc" {
		t.Errorf("flush = %q, want %q", flushes[0], "abc")
	}
}

func TestOversizedBufferFlushesImmediately(t *testing.T) {
	policy := testFlushPolicy()
	policy.immediateBytes = 10
	rec := &flushRecorder{}
	s := newStreamSession(policy, rec.record)
	defer s.Close()

	big := strings.Repeat("x", 11)
	s.Append(big)

	// No sleep: the flush must already have happened.
	flushes := rec.all()
	if len(flushes) != 1 || flushes[0] != big {
		t.Fatalf("expected immediate flush of oversized buffer, got %v", flushes)
	}
}

func TestOversizedFlushCancelsPendingTimer(t *testing.T) {
	policy := testFlushPolicy()
	policy.immediateBytes = 10
	rec := &flushRecorder{}
	s := newStreamSession(policy, rec.record)
	defer s.Close()

	s.Append("ab") // schedules a timer
	s.Append(strings.Repeat("x", 11))

	time.Sleep(60 * time.Millisecond)
	flushes := rec.all()
	if len(flushes) != 1 {
		t.Fatalf("expected exactly 1 flush (timer superseded), got %d: %v", len(flushes), flushes)
	}
}

func TestIntervalAdaptsToThroughput(t *testing.T) {
	policy := testFlushPolicy()
	s := newStreamSession(policy, func(string) {})
	defer s.Close()

	// Still warming up: default interval regardless of counts.
	s.chunkCount = 100
	if got := s.intervalLocked(); got != policy.defaultInterval {
		t.Errorf("pre-warmup interval = %v, want %v", got, policy.defaultInterval)
	}

	// Past warm-up: measured throughput decides.
	s.start = time.Now().Add(-time.Second)
	tests := []struct {
		chunks int
		want   time.Duration
	}{
		{60, policy.slowInterval},   // >50/s
		{30, policy.mediumInterval}, // >20/s
		{10, policy.fastInterval},
	}
	for _, tt := range tests {
		s.chunkCount = tt.chunks
		if got := s.intervalLocked(); got != tt.want {
			t.Errorf("interval at %d chunks/s = %v, want %v", tt.chunks, got, tt.want)
		}
	}
}

func TestDrainFlushesRemainder(t *testing.T) {
	rec := &flushRecorder{}
	s := newStreamSession(testFlushPolicy(), rec.record)
	defer s.Close()

	s.Append("tail")
	s.Drain()

	flushes := rec.all()
	if len(flushes) != 1 || flushes[0] != "tail" {
		t.Fatalf("expected drained remainder, got %v", flushes)
	}
}

func TestCloseDropsBufferedData(t *testing.T) {
	rec := &flushRecorder{}
	s := newStreamSession(testFlushPolicy(), rec.record)

	s.Append("never seen")
	s.Close()

	time.Sleep(60 * time.Millisecond)
	if flushes := rec.all(); len(flushes) != 0 {
		t.Errorf("closed session must not flush, got %v", flushes)
	}

	// Appends after close are ignored.
	s.Append("late")
	s.Drain()
	if flushes := rec.all(); len(flushes) != 0 {
		t.Errorf("append after close leaked: %v", flushes)
	}
}
