package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/logging"
)

// ParallelResult is one backend's outcome in a fan-out. Exactly one of
// Response and Err is meaningful.
type ParallelResult struct {
	Response string
	Err      error
	// Reason classifies Err ("rate_limit", "auth", "billing", ...) so
	// callers can explain a failed backend without string matching.
	Reason string
}

// ParallelExecutor fans one prompt out to several backends at once.
// Each backend streams independently: one failure never cancels the
// others, and chunk callbacks from different backends interleave
// arbitrarily.
type ParallelExecutor struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewParallelExecutor creates an idle executor.
func NewParallelExecutor() *ParallelExecutor {
	return &ParallelExecutor{}
}

// Execute launches one generation per provider and blocks until all
// finish or the context is cancelled. The returned map has one entry
// per provider, keyed by provider ID and disambiguated with #n when two
// backends share an ID. onChunk is called from each backend's goroutine
// as text arrives; the caller keeps one accumulation buffer per backend.
func (p *ParallelExecutor) Execute(ctx context.Context, providers []ai.Provider, req *ai.ChatRequest, onChunk func(provider, chunk string)) map[string]ParallelResult {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	// Two instances of the same backend (say, two ollama models) must
	// not collapse into one map entry.
	keys := make([]string, len(providers))
	counts := make(map[string]int, len(providers))
	for i, provider := range providers {
		key := provider.ID()
		counts[key]++
		if counts[key] > 1 {
			key = fmt.Sprintf("%s#%d", key, counts[key])
		}
		keys[i] = key
	}

	results := make(map[string]ParallelResult, len(providers))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for i, provider := range providers {
		wg.Add(1)
		go func(key string, provider ai.Provider) {
			defer wg.Done()

			text, err := p.streamOne(ctx, key, provider, req, onChunk)

			resultsMu.Lock()
			if err != nil {
				results[key] = ParallelResult{Err: err, Reason: ai.ClassifyErrorReason(err)}
			} else {
				results[key] = ParallelResult{Response: text}
			}
			resultsMu.Unlock()
		}(keys[i], provider)
	}

	wg.Wait()
	return results
}

// streamOne drives a single backend to completion, accumulating its
// chunk text. key labels the backend in callbacks and errors.
func (p *ParallelExecutor) streamOne(ctx context.Context, key string, provider ai.Provider, req *ai.ChatRequest, onChunk func(provider, chunk string)) (string, error) {
	// Each backend gets its own request copy; providers may mutate
	// fields like Model.
	reqCopy := *req

	events, err := provider.Stream(ctx, &reqCopy)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}

	var acc strings.Builder
	for event := range events {
		switch event.Type {
		case ai.EventTypeChunk:
			acc.WriteString(event.Text)
			if onChunk != nil {
				onChunk(key, event.Text)
			}
		case ai.EventTypeError:
			return "", fmt.Errorf("%s: %w", key, event.Error)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}

	logging.Debugf("[parallel] %s completed with %d bytes", key, acc.Len())
	return acc.String(), nil
}

// Cancel stops all in-flight backend tasks. Safe to call when idle.
func (p *ParallelExecutor) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}
