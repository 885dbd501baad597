package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/quillhq/quill/internal/config"
)

// flushPolicy holds the adaptive buffering thresholds. Chunk throughput
// is measured once the warm-up window has elapsed; until then the
// default interval applies.
type flushPolicy struct {
	warmup          time.Duration
	defaultInterval time.Duration
	fastInterval    time.Duration // low throughput, flush eagerly
	mediumInterval  time.Duration
	slowInterval    time.Duration // high throughput, batch harder
	immediateBytes  int
}

func flushPolicyFromConfig(cfg config.BufferingConfig) flushPolicy {
	return flushPolicy{
		warmup:          time.Duration(cfg.WarmupMillis) * time.Millisecond,
		defaultInterval: time.Duration(cfg.DefaultFlushMillis) * time.Millisecond,
		fastInterval:    time.Duration(cfg.FastFlushMillis) * time.Millisecond,
		mediumInterval:  time.Duration(cfg.MediumFlushMillis) * time.Millisecond,
		slowInterval:    time.Duration(cfg.SlowFlushMillis) * time.Millisecond,
		immediateBytes:  cfg.ImmediateFlushBytes,
	}
}

// streamSession buffers incoming chunks for one generation and flushes
// them at an interval adapted to measured throughput. One session lives
// exactly as long as its exchange.
type streamSession struct {
	mu     sync.Mutex
	policy flushPolicy
	flush  func(text string)

	buf        strings.Builder
	chunkCount int
	start      time.Time
	timer      *time.Timer
	closed     bool
}

func newStreamSession(policy flushPolicy, flush func(string)) *streamSession {
	return &streamSession{
		policy: policy,
		flush:  flush,
		start:  time.Now(),
	}
}

// Append adds a chunk to the buffer. Oversized buffers flush
// immediately, bypassing any pending timer; otherwise a single flush
// timer is scheduled at the current adaptive interval. Scheduling is
// idempotent: at most one timer is pending at a time.
func (s *streamSession) Append(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.buf.WriteString(text)
	s.chunkCount++

	if s.buf.Len() > s.policy.immediateBytes {
		s.stopTimerLocked()
		s.flushLocked()
		return
	}

	if s.timer == nil {
		s.timer = time.AfterFunc(s.intervalLocked(), s.timerFired)
	}
}

// intervalLocked computes the flush interval from measured throughput.
// Before the warm-up window has elapsed there is not enough signal, so
// the default applies.
func (s *streamSession) intervalLocked() time.Duration {
	elapsed := time.Since(s.start)
	if elapsed < s.policy.warmup {
		return s.policy.defaultInterval
	}

	perSecond := float64(s.chunkCount) / elapsed.Seconds()
	switch {
	case perSecond > 50:
		return s.policy.slowInterval
	case perSecond > 20:
		return s.policy.mediumInterval
	default:
		return s.policy.fastInterval
	}
}

func (s *streamSession) timerFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.closed {
		return
	}
	s.flushLocked()
}

// flushLocked hands the buffered text to the flush callback and resets
// the buffer. The callback runs under the session lock, keeping flushes
// ordered; callers must not re-enter the session from it.
func (s *streamSession) flushLocked() {
	if s.buf.Len() == 0 {
		return
	}
	text := s.buf.String()
	s.buf.Reset()
	s.flush(text)
}

// Drain flushes any remaining buffered text. Called at stream
// completion before placeholder restoration.
func (s *streamSession) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopTimerLocked()
	s.flushLocked()
}

// Close tears the session down. Buffered-but-unflushed data is dropped:
// after Close no flush callback will fire.
func (s *streamSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopTimerLocked()
	s.buf.Reset()
}

func (s *streamSession) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Chunks returns how many chunks the session has buffered so far.
func (s *streamSession) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkCount
}
