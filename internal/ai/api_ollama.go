package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/quillhq/quill/internal/chat"
)

// OllamaProvider implements the Provider interface for Ollama (local models)
// using the official SDK.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}

	httpClient := &http.Client{
		Timeout: 5 * time.Minute, // Longer timeout for local inference
	}

	return &OllamaProvider{
		client: api.NewClient(parsedURL, httpClient),
		model:  model,
	}
}

// ID returns the provider identifier.
func (p *OllamaProvider) ID() string {
	return "ollama"
}

// Stream sends a request to Ollama and streams the response.
func (p *OllamaProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	resultCh := make(chan StreamEvent, 100)

	messages := p.buildMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
	}

	stream := true
	chatReq.Stream = &stream

	if req.Temperature > 0 || req.MaxTokens > 0 {
		chatReq.Options = make(map[string]any)
		if req.Temperature > 0 {
			chatReq.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			chatReq.Options["num_predict"] = req.MaxTokens
		}
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = p.buildTools(req.Tools)
	}

	go func() {
		defer close(resultCh)

		toolCallCounter := 0

		// Sends are guarded by ctx; returning ctx.Err() from the callback
		// makes the client abort the stream instead of blocking on a
		// consumer that has walked away.
		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				if !emit(ctx, resultCh, StreamEvent{Type: EventTypeChunk, Text: resp.Message.Content}) {
					return ctx.Err()
				}
			}

			if len(resp.Message.ToolCalls) > 0 {
				for _, tc := range resp.Message.ToolCalls {
					toolCallCounter++
					argsJSON, _ := json.Marshal(tc.Function.Arguments.ToMap())
					ok := emit(ctx, resultCh, StreamEvent{
						Type: EventTypeToolStarted,
						ToolCall: &ToolCall{
							ID:    fmt.Sprintf("ollama-call-%d", toolCallCounter),
							Name:  tc.Function.Name,
							Input: argsJSON,
						},
					})
					if !ok {
						return ctx.Err()
					}
				}
			}

			if resp.Done {
				emit(ctx, resultCh, StreamEvent{Type: EventTypeDone})
			}

			return nil
		})

		if err != nil {
			emit(ctx, resultCh, StreamEvent{
				Type:  EventTypeError,
				Error: err,
			})
		}
	}()

	return resultCh, nil
}

// buildMessages converts the history plus outbound text to Ollama format.
func (p *OllamaProvider) buildMessages(req *ChatRequest) []api.Message {
	messages := make([]api.Message, 0, len(req.History)+2)

	if req.System != "" {
		messages = append(messages, api.Message{
			Role:    "system",
			Content: req.System,
		})
	}

	for _, msg := range req.History {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case chat.RoleUser, chat.RoleAssistant, chat.RoleSystem:
			messages = append(messages, api.Message{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	if req.Text != "" {
		messages = append(messages, api.Message{
			Role:    "user",
			Content: req.Text,
		})
	}

	return messages
}

// buildTools converts tool definitions to Ollama format.
func (p *OllamaProvider) buildTools(defs []ToolDefinition) api.Tools {
	tools := make(api.Tools, 0, len(defs))
	for _, def := range defs {
		var fn api.ToolFunction
		fn.Name = def.Name
		fn.Description = def.Description
		if err := json.Unmarshal(def.InputSchema, &fn.Parameters); err != nil {
			continue
		}
		tools = append(tools, api.Tool{
			Type:     "function",
			Function: fn,
		})
	}
	return tools
}
