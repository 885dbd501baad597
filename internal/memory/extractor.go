// Package memory performs best-effort fact extraction after an
// exchange completes. Extraction runs detached: its failure or latency
// never reaches the visible transcript and never blocks the next send.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/chat"
	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/logging"
)

// extractTimeout bounds the detached task so a hung provider can't
// leak goroutines across exchanges.
const extractTimeout = 2 * time.Minute

// extractPrompt asks for a flat JSON array so parsing stays trivial.
const extractPrompt = `Analyze the following conversation and extract durable facts worth remembering long-term: user preferences, people and projects mentioned, decisions made.

Skip greetings, temporary information, and anything easily looked up.

Conversation:
%s

Respond ONLY with a JSON array of short fact strings, no other text. Return [] if there is nothing worth remembering.`

// Extractor pulls facts out of completed exchanges on a cheap provider
// and publishes them on the event bus. It never returns results to the
// caller directly.
type Extractor struct {
	provider ai.Provider
	bus      *events.Subject
}

// NewExtractor creates an extractor publishing to the given bus.
func NewExtractor(provider ai.Provider, bus *events.Subject) *Extractor {
	return &Extractor{provider: provider, bus: bus}
}

// ExtractAsync fires a detached extraction for one conversation. The
// returned channel closes when the task finishes; tests use it, the
// orchestrator ignores it.
func (e *Extractor) ExtractAsync(conversationID string, messages []chat.Message) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("[memory] extraction panic for %s: %v", conversationID, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), extractTimeout)
		defer cancel()

		facts, err := e.extract(ctx, messages)
		if err != nil {
			logging.Warnf("[memory] extraction failed for %s: %v", conversationID, err)
			return
		}
		if len(facts) == 0 {
			return
		}

		if err := events.Emit(e.bus, events.TopicMemoryExtracted, events.MemoryExtracted{
			ConversationID: conversationID,
			Facts:          facts,
		}); err != nil {
			logging.Warnf("[memory] failed to publish facts for %s: %v", conversationID, err)
		}
	}()

	return done
}

// extract runs one extraction call and parses the fact list.
func (e *Extractor) extract(ctx context.Context, messages []chat.Message) ([]string, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	var conv strings.Builder
	for _, msg := range messages {
		if msg.Content != "" {
			conv.WriteString(fmt.Sprintf("[%s]: %s\n\n", msg.Role, msg.Content))
		}
	}

	eventsCh, err := e.provider.Stream(ctx, &ai.ChatRequest{
		Text: fmt.Sprintf(extractPrompt, conv.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stream: %w", err)
	}

	var result strings.Builder
	for event := range eventsCh {
		switch event.Type {
		case ai.EventTypeChunk:
			result.WriteString(event.Text)
		case ai.EventTypeError:
			return nil, event.Error
		}
	}

	return parseFacts(result.String())
}

// parseFacts pulls the first JSON array out of a model response,
// tolerating code fences and surrounding prose.
func parseFacts(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	// Strip markdown code fences if present
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "[")
	if start < 0 {
		// Prose instead of JSON means nothing to extract
		return nil, nil
	}

	depth := 0
	end := -1
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end != -1 {
			break
		}
	}
	if end <= start {
		return nil, nil
	}

	var facts []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &facts); err != nil {
		return nil, fmt.Errorf("failed to parse extracted facts: %w", err)
	}

	// Drop empties the model sometimes pads with
	out := facts[:0]
	for _, f := range facts {
		if strings.TrimSpace(f) != "" {
			out = append(out, f)
		}
	}
	return out, nil
}
