package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/internal/chat"
)

const defaultPageSize = 50

// Conversation is a stored conversation with its metadata.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRepository is the SQLite-backed chat.ConversationRepository.
// Timestamps are stored as unix milliseconds; pagination orders by
// (created_at, rowid) and truncation cuts on rowid alone, so timestamp
// ties resolve in insertion order for both.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a repository sharing the store's connection.
func NewMessageRepository(store *Store) *MessageRepository {
	return &MessageRepository{db: store.DB()}
}

// CreateConversation inserts a new conversation and returns it.
func (r *MessageRepository) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	now := time.Now()
	conv := &Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a conversation by id.
func (r *MessageRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var created, updated int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Title, &created, &updated)
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = time.UnixMilli(created)
	conv.UpdatedAt = time.UnixMilli(updated)
	return &conv, nil
}

// ListConversations returns all conversations, most recently updated first.
func (r *MessageRepository) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		var created, updated int64
		if err := rows.Scan(&conv.ID, &conv.Title, &created, &updated); err != nil {
			return nil, err
		}
		conv.CreatedAt = time.UnixMilli(created)
		conv.UpdatedAt = time.UnixMilli(updated)
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation and all its messages.
func (r *MessageRepository) DeleteConversation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// ensureConversation creates a conversations row if one doesn't exist,
// so the messages foreign key is satisfied.
func (r *MessageRepository) ensureConversation(ctx context.Context, id string) {
	now := time.Now().UnixMilli()
	// INSERT OR IGNORE — no error if it already exists
	_, _ = r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, title, created_at, updated_at) VALUES (?, '', ?, ?)`,
		id, now, now,
	)
}

// SaveMessage inserts a message, stamping ID and CreatedAt when empty.
func (r *MessageRepository) SaveMessage(ctx context.Context, msg *chat.Message) error {
	// Guard against saving truly empty messages. These create ghost
	// records that confuse history loading.
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	r.ensureConversation(ctx, msg.ConversationID)

	var attachments, mentions sql.NullString
	if len(msg.Attachments) > 0 {
		b, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to marshal attachments: %w", err)
		}
		attachments = sql.NullString{String: string(b), Valid: true}
	}
	if len(msg.Mentions) > 0 {
		b, err := json.Marshal(msg.Mentions)
		if err != nil {
			return fmt.Errorf("failed to marshal mentions: %w", err)
		}
		mentions = sql.NullString{String: string(b), Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, provider, attachments, mentions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Provider,
		attachments, mentions, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	if seq, err := result.LastInsertId(); err == nil {
		msg.Seq = seq
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt.UnixMilli(), msg.ConversationID,
	)
	return err
}

// LoadMessages returns one page of messages newest-first starting at
// cursor (nil = latest). The page itself is returned oldest-first so
// callers can hand it straight to a provider as history.
func (r *MessageRepository) LoadMessages(ctx context.Context, conversationID string, cursor *chat.Cursor, limit int) (*chat.Page, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	var rows *sql.Rows
	var err error
	if cursor == nil {
		rows, err = r.db.QueryContext(ctx,
			`SELECT rowid, id, conversation_id, role, content, provider, attachments, mentions, created_at
			 FROM messages WHERE conversation_id = ?
			 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
			conversationID, limit+1,
		)
	} else {
		ts := cursor.Timestamp.UnixMilli()
		rows, err = r.db.QueryContext(ctx,
			`SELECT rowid, id, conversation_id, role, content, provider, attachments, mentions, created_at
			 FROM messages WHERE conversation_id = ?
			   AND (created_at < ? OR (created_at = ? AND rowid < ?))
			 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
			conversationID, ts, ts, cursor.Seq, limit+1,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &chat.Page{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		page.HasMore = true
		oldest := msgs[len(msgs)-1]
		page.NextCursor = &chat.Cursor{Timestamp: oldest.CreatedAt, Seq: oldest.Seq}
	}

	// Reverse into chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	page.Messages = sanitizeLoaded(msgs)
	return page, nil
}

// sanitizeLoaded drops orphaned tool results: a tool message is only
// valid directly after the assistant message that requested it (or
// after another kept tool result). Truncation and pagination can strand
// them, and providers reject histories that start mid-tool-exchange.
func sanitizeLoaded(msgs []chat.Message) []chat.Message {
	out := msgs[:0]
	for _, msg := range msgs {
		if msg.Role == chat.RoleTool {
			if len(out) == 0 {
				continue
			}
			prev := out[len(out)-1].Role
			if prev != chat.RoleAssistant && prev != chat.RoleTool {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// DeleteMessage removes a single message by id.
func (r *MessageRepository) DeleteMessage(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// DeleteMessageAndAfter removes the named message and every message
// inserted after it in the same conversation, in one transaction. "After"
// is decided by rowid, never by timestamp: programmatic inserts routinely
// share a millisecond, and random message ids carry no order.
func (r *MessageRepository) DeleteMessageAndAfter(ctx context.Context, conversationID, messageID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT rowid FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID, conversationID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to find message %s: %w", messageID, err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND rowid >= ?`,
		conversationID, seq,
	)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	return tx.Commit()
}

// PurgeEmpty removes messages with no content and no attachments.
// These ghost records accumulate from interrupted generations.
func (r *MessageRepository) PurgeEmpty(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE (content IS NULL OR content = '')
		  AND (attachments IS NULL OR attachments = '')
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanMessage(rows *sql.Rows) (chat.Message, error) {
	var msg chat.Message
	var role string
	var attachments, mentions sql.NullString
	var created int64

	err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &role, &msg.Content,
		&msg.Provider, &attachments, &mentions, &created)
	if err != nil {
		return msg, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.Role = chat.Role(role)
	msg.CreatedAt = time.UnixMilli(created)
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
			return msg, fmt.Errorf("failed to unmarshal attachments: %w", err)
		}
	}
	if mentions.Valid && mentions.String != "" {
		if err := json.Unmarshal([]byte(mentions.String), &msg.Mentions); err != nil {
			return msg, fmt.Errorf("failed to unmarshal mentions: %w", err)
		}
	}
	return msg, nil
}
