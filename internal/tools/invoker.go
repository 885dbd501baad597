// Package tools talks to an already-running MCP endpoint. Process
// lifecycle of tool servers is out of scope; we only invoke.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quillhq/quill/internal/logging"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Content string
	IsError bool
}

// Invoker executes a named tool with JSON arguments. The orchestrator's
// retry layer sits above this; an Invoker performs exactly one attempt.
type Invoker interface {
	ExecuteTool(ctx context.Context, name string, argsJSON json.RawMessage) (*Result, error)
}

// maxSessionAge forces a periodic reconnect so long-lived processes
// pick up server-side credential rotation.
const maxSessionAge = 30 * time.Minute

// MCPInvoker is an Invoker backed by one MCP server over streamable
// HTTP. The client session is cached and recreated when it ages out or
// a call fails.
type MCPInvoker struct {
	endpoint string

	mu        sync.Mutex
	session   *mcp.ClientSession
	createdAt time.Time
}

// NewMCPInvoker creates an invoker for the given MCP endpoint.
func NewMCPInvoker(endpoint string) *MCPInvoker {
	return &MCPInvoker{endpoint: endpoint}
}

// ExecuteTool calls a tool once, reconnecting a stale session before
// giving up.
func (i *MCPInvoker) ExecuteTool(ctx context.Context, name string, argsJSON json.RawMessage) (*Result, error) {
	var args map[string]any
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
	}

	session, err := i.getOrCreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		// Session may be stale or broken — close and retry once
		logging.Warnf("CallTool %s failed, attempting reconnect: %v", name, err)
		i.closeSession()

		session, err = i.getOrCreateSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to reconnect to MCP server: %w", err)
		}
		result, err = session.CallTool(ctx, &mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		if err != nil {
			return nil, fmt.Errorf("tool %s failed after reconnect: %w", name, err)
		}
	}

	return &Result{
		Content: flattenContent(result),
		IsError: result.IsError,
	}, nil
}

// ListTools fetches the tool catalog from the MCP server.
func (i *MCPInvoker) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	session, err := i.getOrCreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		i.closeSession()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

// Close tears down the cached session.
func (i *MCPInvoker) Close() {
	i.closeSession()
}

// getOrCreateSession returns the cached session or dials a new one.
func (i *MCPInvoker) getOrCreateSession(ctx context.Context) (*mcp.ClientSession, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.session != nil && time.Since(i.createdAt) <= maxSessionAge {
		return i.session, nil
	}
	if i.session != nil {
		i.session.Close()
		i.session = nil
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint: i.endpoint,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "quill",
		Version: "1.0.0",
	}, &mcp.ClientOptions{
		KeepAlive: 30 * time.Second,
	})

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}

	i.session = session
	i.createdAt = time.Now()
	logging.Infof("MCP session established at %s", i.endpoint)

	// Drop the cache entry when the session dies (SDK keepalive or
	// server-side disconnect).
	go func() {
		_ = session.Wait()
		i.mu.Lock()
		if i.session == session {
			i.session = nil
		}
		i.mu.Unlock()
	}()

	return session, nil
}

func (i *MCPInvoker) closeSession() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.session != nil {
		i.session.Close()
		i.session = nil
	}
}

// flattenContent joins a result's text blocks into one string.
func flattenContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, block := range result.Content {
		if text, ok := block.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
