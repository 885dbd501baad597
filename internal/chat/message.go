// Package chat defines the conversation data model shared by the
// orchestration pipeline and its storage layer.
package chat

import (
	"context"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Attachment is a file reference carried alongside a message.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Message is a single conversation entry. Messages are ordered by
// insertion within a conversation; editing a user message removes all
// subsequent messages before the edited text is re-sent.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Provider       string       `json:"provider,omitempty"` // set on parallel-mode assistant messages
	Attachments    []Attachment `json:"attachments,omitempty"`
	Mentions       []string     `json:"mentions,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	// Seq is the storage insertion sequence. Timestamps have millisecond
	// resolution and collide under programmatic inserts; Seq breaks the
	// tie in true insertion order.
	Seq int64 `json:"-"`
}

// Cursor marks a position in a conversation for stable pagination.
// The (timestamp, seq) pair stays valid under concurrent inserts.
type Cursor struct {
	Timestamp time.Time
	Seq       int64
}

// Page is one page of messages loaded from a repository.
type Page struct {
	Messages   []Message
	HasMore    bool
	NextCursor *Cursor
}

// ConversationRepository persists conversation messages. The
// orchestrator treats it as an external collaborator; implementations
// must make DeleteMessageAndAfter atomic so an interrupted edit never
// leaves a partial suffix behind.
type ConversationRepository interface {
	// LoadMessages returns messages newest-first starting at cursor
	// (nil cursor = latest). Limit <= 0 uses the implementation default.
	LoadMessages(ctx context.Context, conversationID string, cursor *Cursor, limit int) (*Page, error)

	// SaveMessage inserts a message. A zero CreatedAt is stamped with
	// the current time; an empty ID is assigned.
	SaveMessage(ctx context.Context, msg *Message) error

	// DeleteMessage removes a single message by id.
	DeleteMessage(ctx context.Context, id string) error

	// DeleteMessageAndAfter removes the named message and every message
	// inserted after it in the same conversation, atomically.
	DeleteMessageAndAfter(ctx context.Context, conversationID, messageID string) error
}

// Recent returns the trailing n messages of a slice in original order.
func Recent(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
