package ai

import (
	"context"
	"encoding/json"

	"github.com/quillhq/quill/internal/chat"
)

// StreamEventType defines the type of streaming event.
type StreamEventType string

const (
	// EventTypeChunk carries a fragment of assistant text.
	EventTypeChunk StreamEventType = "chunk"
	// EventTypeThinking carries extended-thinking status text.
	EventTypeThinking StreamEventType = "thinking"
	// EventTypeToolStarted signals the backend began a tool invocation.
	EventTypeToolStarted StreamEventType = "tool_started"
	// EventTypeToolCompleted signals a tool invocation finished.
	EventTypeToolCompleted StreamEventType = "tool_completed"
	// EventTypeArtifact signals the backend surfaced a structured artifact.
	EventTypeArtifact StreamEventType = "artifact"
	// EventTypeDone closes a successful stream.
	EventTypeDone StreamEventType = "done"
	// EventTypeError closes a failed stream.
	EventTypeError StreamEventType = "error"
)

// ToolCall describes a tool invocation announced by the backend.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolOutcome describes the completion of a tool invocation.
type ToolOutcome struct {
	ID      string `json:"id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// StreamEvent is one event on a provider's stream. Exactly one of the
// payload fields is set, matching Type.
type StreamEvent struct {
	Type        StreamEventType `json:"type"`
	Text        string          `json:"text,omitempty"`
	ToolCall    *ToolCall       `json:"tool_call,omitempty"`
	ToolOutcome *ToolOutcome    `json:"tool_outcome,omitempty"`
	Artifact    string          `json:"artifact,omitempty"`
	Error       error           `json:"-"`
}

// ToolDefinition describes a tool the backend may invoke.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest is a single streaming generation call. Text is the
// (already redacted) outbound prompt; History the redacted trailing
// window of the conversation.
type ChatRequest struct {
	Text           string           `json:"text"`
	History        []chat.Message   `json:"history,omitempty"`
	System         string           `json:"system,omitempty"`
	Model          string           `json:"model,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Temperature    float64          `json:"temperature,omitempty"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	EnableThinking bool             `json:"enable_thinking,omitempty"`
}

// emit delivers ev unless ctx is cancelled first. Producers use it for
// every channel send: a consumer that abandons the stream must never
// leave the producing goroutine blocked on a full buffer.
func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Provider is a streaming language-model backend.
type Provider interface {
	// ID returns the provider identifier (e.g., "anthropic", "openai").
	ID() string

	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed after a Done or Error event. Implementations
	// stop producing promptly when ctx is cancelled.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}
