package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quillhq/quill/internal/chat"
)

// GeminiProvider implements the Provider interface for Google Gemini
// using the streaming REST endpoint.
type GeminiProvider struct {
	apiKey string
	model  string
	client *http.Client
}

// GeminiContent represents content in Gemini format.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of content.
type GeminiPart struct {
	Text string `json:"text,omitempty"`
}

// GeminiRequest represents a request to Gemini.
type GeminiRequest struct {
	Contents          []GeminiContent  `json:"contents"`
	SystemInstruction *GeminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenConfig `json:"generationConfig,omitempty"`
	Tools             []GeminiTool     `json:"tools,omitempty"`
}

// GeminiGenConfig represents generation configuration.
type GeminiGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// GeminiTool represents a tool definition for Gemini.
type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDecl `json:"functionDeclarations"`
}

// GeminiFunctionDecl represents a function declaration.
type GeminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// GeminiStreamResponse represents a streaming response chunk.
type GeminiStreamResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text,omitempty"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiProvider{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// ID returns the provider identifier.
func (p *GeminiProvider) ID() string {
	return "gemini"
}

// Stream sends a request to Gemini and streams the response.
func (p *GeminiProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	resultCh := make(chan StreamEvent, 100)

	go func() {
		defer close(resultCh)

		contents := make([]GeminiContent, 0, len(req.History)+1)
		for _, msg := range req.History {
			if msg.Content == "" {
				continue
			}
			var role string
			switch msg.Role {
			case chat.RoleUser:
				role = "user"
			case chat.RoleAssistant:
				role = "model"
			default:
				// System text goes through SystemInstruction; tool traffic
				// never enters history.
				continue
			}
			contents = append(contents, GeminiContent{
				Role:  role,
				Parts: []GeminiPart{{Text: msg.Content}},
			})
		}
		if req.Text != "" {
			contents = append(contents, GeminiContent{
				Role:  "user",
				Parts: []GeminiPart{{Text: req.Text}},
			})
		}

		// Gemini requires alternating user/model turns
		contents = p.normalizeContents(contents)

		if len(contents) == 0 {
			resultCh <- StreamEvent{
				Type:  EventTypeError,
				Error: fmt.Errorf("no valid messages to send"),
			}
			return
		}

		geminiReq := GeminiRequest{
			Contents: contents,
		}

		if req.System != "" {
			geminiReq.SystemInstruction = &GeminiContent{
				Parts: []GeminiPart{{Text: req.System}},
			}
		}

		if req.Temperature > 0 || req.MaxTokens > 0 {
			geminiReq.GenerationConfig = &GeminiGenConfig{}
			if req.Temperature > 0 {
				geminiReq.GenerationConfig.Temperature = req.Temperature
			}
			if req.MaxTokens > 0 {
				geminiReq.GenerationConfig.MaxOutputTokens = req.MaxTokens
			}
		}

		if len(req.Tools) > 0 {
			funcs := make([]GeminiFunctionDecl, 0, len(req.Tools))
			for _, tool := range req.Tools {
				funcs = append(funcs, GeminiFunctionDecl{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				})
			}
			geminiReq.Tools = []GeminiTool{{FunctionDeclarations: funcs}}
		}

		body, err := json.Marshal(geminiReq)
		if err != nil {
			resultCh <- StreamEvent{
				Type:  EventTypeError,
				Error: fmt.Errorf("failed to marshal request: %w", err),
			}
			return
		}

		model := p.model
		if req.Model != "" {
			model = req.Model
		}

		endpoint := fmt.Sprintf(
			"https://generativelanguage.googleapis.com/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
			model, p.apiKey,
		)

		httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
		if err != nil {
			resultCh <- StreamEvent{
				Type:  EventTypeError,
				Error: fmt.Errorf("failed to create request: %w", err),
			}
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			resultCh <- StreamEvent{
				Type:  EventTypeError,
				Error: fmt.Errorf("request failed: %w", err),
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			resultCh <- StreamEvent{
				Type:  EventTypeError,
				Error: fmt.Errorf("gemini error (%d): %s", resp.StatusCode, string(respBody)),
			}
			return
		}

		p.parseSSE(ctx, resp.Body, resultCh)
	}()

	return resultCh, nil
}

// parseSSE reads the streaming response body and forwards events. Every
// send is guarded by ctx so an abandoned stream never blocks the
// goroutine on a full channel buffer.
func (p *GeminiProvider) parseSSE(ctx context.Context, body io.Reader, resultCh chan<- StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	toolCallCounter := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		var chunk GeminiStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Error != nil {
			emit(ctx, resultCh, StreamEvent{
				Type:  EventTypeError,
				Error: &ProviderError{Code: fmt.Sprintf("%d", chunk.Error.Code), Message: chunk.Error.Message},
			})
			return
		}

		for _, candidate := range chunk.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					if !emit(ctx, resultCh, StreamEvent{Type: EventTypeChunk, Text: part.Text}) {
						return
					}
				}

				if part.FunctionCall != nil {
					toolCallCounter++
					ok := emit(ctx, resultCh, StreamEvent{
						Type: EventTypeToolStarted,
						ToolCall: &ToolCall{
							ID:    fmt.Sprintf("gemini-call-%d", toolCallCounter),
							Name:  part.FunctionCall.Name,
							Input: part.FunctionCall.Args,
						},
					})
					if !ok {
						return
					}
				}
			}

			if candidate.FinishReason == "STOP" || candidate.FinishReason == "MAX_TOKENS" {
				emit(ctx, resultCh, StreamEvent{Type: EventTypeDone})
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, resultCh, StreamEvent{
			Type:  EventTypeError,
			Error: fmt.Errorf("stream read error: %w", err),
		})
		return
	}

	emit(ctx, resultCh, StreamEvent{Type: EventTypeDone})
}

// normalizeContents ensures proper alternating turns for Gemini.
func (p *GeminiProvider) normalizeContents(contents []GeminiContent) []GeminiContent {
	if len(contents) == 0 {
		return contents
	}

	normalized := make([]GeminiContent, 0, len(contents))
	var lastRole string

	for _, c := range contents {
		// Gemini requires starting with user
		if len(normalized) == 0 && c.Role != "user" {
			normalized = append(normalized, GeminiContent{
				Role:  "user",
				Parts: []GeminiPart{{Text: "Continue."}},
			})
		}

		// Merge consecutive same-role messages
		if c.Role == lastRole && len(normalized) > 0 {
			last := &normalized[len(normalized)-1]
			last.Parts = append(last.Parts, c.Parts...)
		} else {
			normalized = append(normalized, c)
			lastRole = c.Role
		}
	}

	return normalized
}
