package ai

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/quillhq/quill/internal/chat"
)

// OpenAIProvider implements the OpenAI API using the official SDK.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{
		client: client,
		model:  model,
	}
}

// ID returns the provider identifier.
func (p *OpenAIProvider) ID() string {
	return "openai"
}

// Stream sends a request and returns streaming events.
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req)

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal([]byte(tool.InputSchema), &schema); err != nil {
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)
	go p.handleStream(ctx, stream, events)

	return events, nil
}

// buildMessages converts the history plus outbound text to OpenAI format.
func (p *OpenAIProvider) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion

	if req.System != "" {
		result = append(result, openai.SystemMessage(req.System))
	}

	for _, msg := range req.History {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case chat.RoleUser:
			result = append(result, openai.UserMessage(msg.Content))
		case chat.RoleAssistant:
			result = append(result, openai.AssistantMessage(msg.Content))
		case chat.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		}
	}

	if req.Text != "" {
		result = append(result, openai.UserMessage(req.Text))
	}

	return result
}

// handleStream processes the streaming response. Sends are guarded by
// ctx so a cancelled consumer never strands this goroutine.
func (p *OpenAIProvider) handleStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], events chan<- StreamEvent) {
	defer close(events)

	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			ok := emit(ctx, events, StreamEvent{
				Type: EventTypeToolStarted,
				ToolCall: &ToolCall{
					ID:    tool.ID,
					Name:  tool.Name,
					Input: json.RawMessage(tool.Arguments),
				},
			})
			if !ok {
				return
			}
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !emit(ctx, events, StreamEvent{Type: EventTypeChunk, Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		emit(ctx, events, StreamEvent{
			Type:  EventTypeError,
			Error: err,
		})
		return
	}

	emit(ctx, events, StreamEvent{Type: EventTypeDone})
}
