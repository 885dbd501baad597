package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quillhq/quill/internal/chat"
	"github.com/quillhq/quill/internal/logging"
)

func init() {
	logging.Disable()
}

func newTestRepo(t *testing.T) *MessageRepository {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "quill.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewMessageRepository(store)
}

func saveMsg(t *testing.T, repo *MessageRepository, convID string, role chat.Role, content string, at time.Time) chat.Message {
	t.Helper()
	msg := chat.Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}
	if err := repo.SaveMessage(context.Background(), &msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	return msg
}

func TestSaveAndLoadMessages(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	saveMsg(t, repo, "conv-1", chat.RoleUser, "hello", base)
	saveMsg(t, repo, "conv-1", chat.RoleAssistant, "hi there", base.Add(time.Second))
	saveMsg(t, repo, "conv-2", chat.RoleUser, "other conversation", base)

	page, err := repo.LoadMessages(ctx, "conv-1", nil, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Messages))
	}
	if page.HasMore {
		t.Error("expected HasMore=false")
	}
	// Chronological order within the page
	if page.Messages[0].Content != "hello" || page.Messages[1].Content != "hi there" {
		t.Errorf("wrong order: %q, %q", page.Messages[0].Content, page.Messages[1].Content)
	}
}

func TestSaveMessageStampsIDAndTime(t *testing.T) {
	repo := newTestRepo(t)

	msg := chat.Message{ConversationID: "conv-1", Role: chat.RoleUser, Content: "x"}
	if err := repo.SaveMessage(context.Background(), &msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
}

func TestSaveMessageSkipsEmpty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	msg := chat.Message{ConversationID: "conv-1", Role: chat.RoleAssistant}
	if err := repo.SaveMessage(ctx, &msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	page, err := repo.LoadMessages(ctx, "conv-1", nil, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Errorf("expected empty message to be skipped, got %d messages", len(page.Messages))
	}
}

func TestCursorPagination(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		saveMsg(t, repo, "conv-1", chat.RoleUser, string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
	}

	// First page: the 2 newest
	page, err := repo.LoadMessages(ctx, "conv-1", nil, 2)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore || page.NextCursor == nil {
		t.Fatalf("unexpected first page: %d messages, HasMore=%v", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].Content != "d" || page.Messages[1].Content != "e" {
		t.Errorf("first page wrong: %q, %q", page.Messages[0].Content, page.Messages[1].Content)
	}

	// Second page continues where the first left off
	page2, err := repo.LoadMessages(ctx, "conv-1", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("LoadMessages page 2: %v", err)
	}
	if len(page2.Messages) != 2 || !page2.HasMore {
		t.Fatalf("unexpected second page: %d messages, HasMore=%v", len(page2.Messages), page2.HasMore)
	}
	if page2.Messages[0].Content != "b" || page2.Messages[1].Content != "c" {
		t.Errorf("second page wrong: %q, %q", page2.Messages[0].Content, page2.Messages[1].Content)
	}

	// Final page
	page3, err := repo.LoadMessages(ctx, "conv-1", page2.NextCursor, 2)
	if err != nil {
		t.Fatalf("LoadMessages page 3: %v", err)
	}
	if len(page3.Messages) != 1 || page3.HasMore {
		t.Fatalf("unexpected third page: %d messages, HasMore=%v", len(page3.Messages), page3.HasMore)
	}
	if page3.Messages[0].Content != "a" {
		t.Errorf("third page wrong: %q", page3.Messages[0].Content)
	}
}

func TestCursorStableUnderConcurrentInserts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		saveMsg(t, repo, "conv-1", chat.RoleUser, string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
	}

	page, err := repo.LoadMessages(ctx, "conv-1", nil, 2)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}

	// A new message arriving after the first page must not shift
	// what the cursor points at.
	saveMsg(t, repo, "conv-1", chat.RoleAssistant, "newest", base.Add(time.Minute))

	page2, err := repo.LoadMessages(ctx, "conv-1", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("LoadMessages page 2: %v", err)
	}
	if len(page2.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page2.Messages))
	}
	if page2.Messages[0].Content != "a" || page2.Messages[1].Content != "b" {
		t.Errorf("cursor shifted: %q, %q", page2.Messages[0].Content, page2.Messages[1].Content)
	}
}

func TestLoadStripsOrphanedToolResults(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	// A tool result with no preceding assistant message is an orphan
	// (its requester fell off the page or was truncated away).
	saveMsg(t, repo, "conv-1", chat.RoleTool, "stranded result", base)
	saveMsg(t, repo, "conv-1", chat.RoleUser, "question", base.Add(time.Second))
	saveMsg(t, repo, "conv-1", chat.RoleAssistant, "calling a tool", base.Add(2*time.Second))
	saveMsg(t, repo, "conv-1", chat.RoleTool, "result one", base.Add(3*time.Second))
	saveMsg(t, repo, "conv-1", chat.RoleTool, "result two", base.Add(4*time.Second))

	page, err := repo.LoadMessages(ctx, "conv-1", nil, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page.Messages) != 4 {
		t.Fatalf("expected 4 messages after sanitation, got %d", len(page.Messages))
	}
	if page.Messages[0].Content != "question" {
		t.Errorf("expected orphan dropped, first message is %q", page.Messages[0].Content)
	}
	if page.Messages[2].Content != "result one" || page.Messages[3].Content != "result two" {
		t.Errorf("anchored tool results should survive: %q, %q",
			page.Messages[2].Content, page.Messages[3].Content)
	}
}

func TestDeleteMessageAndAfter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	saveMsg(t, repo, "conv-1", chat.RoleUser, "keep", base)
	edited := saveMsg(t, repo, "conv-1", chat.RoleUser, "edit me", base.Add(time.Second))
	saveMsg(t, repo, "conv-1", chat.RoleAssistant, "stale reply", base.Add(2*time.Second))
	saveMsg(t, repo, "conv-1", chat.RoleUser, "followup", base.Add(3*time.Second))
	other := saveMsg(t, repo, "conv-2", chat.RoleUser, "untouched", base.Add(2*time.Second))

	if err := repo.DeleteMessageAndAfter(ctx, "conv-1", edited.ID); err != nil {
		t.Fatalf("DeleteMessageAndAfter: %v", err)
	}

	page, err := repo.LoadMessages(ctx, "conv-1", nil, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Content != "keep" {
		t.Fatalf("expected only %q to survive, got %d messages", "keep", len(page.Messages))
	}

	// Other conversations are untouched
	page2, err := repo.LoadMessages(ctx, "conv-2", nil, 0)
	if err != nil {
		t.Fatalf("LoadMessages conv-2: %v", err)
	}
	if len(page2.Messages) != 1 || page2.Messages[0].ID != other.ID {
		t.Errorf("conv-2 was modified")
	}
}

func TestDeleteMessageAndAfterTimestampTie(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// All four share one timestamp, and the ids sort against insertion
	// order; only insertion order may decide what "after" means.
	at := time.Now().Add(-time.Hour)
	save := func(id string, role chat.Role, content string) {
		t.Helper()
		msg := chat.Message{ID: id, ConversationID: "conv-1", Role: role, Content: content, CreatedAt: at}
		if err := repo.SaveMessage(ctx, &msg); err != nil {
			t.Fatalf("SaveMessage %s: %v", id, err)
		}
	}
	save("z-first-user", chat.RoleUser, "U1")
	save("y-first-reply", chat.RoleAssistant, "A1")
	save("a-edited", chat.RoleUser, "U2")
	save("b-stale-reply", chat.RoleAssistant, "A2")

	if err := repo.DeleteMessageAndAfter(ctx, "conv-1", "a-edited"); err != nil {
		t.Fatalf("DeleteMessageAndAfter: %v", err)
	}

	page, err := repo.LoadMessages(ctx, "conv-1", nil, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(page.Messages))
	}
	if page.Messages[0].Content != "U1" || page.Messages[1].Content != "A1" {
		t.Errorf("messages inserted before the edit were lost: %q, %q",
			page.Messages[0].Content, page.Messages[1].Content)
	}
}

func TestPaginationStableOnTimestampTies(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	at := time.Now().Add(-time.Hour)
	for _, content := range []string{"a", "b", "c", "d", "e"} {
		saveMsg(t, repo, "conv-1", chat.RoleUser, content, at)
	}

	page, err := repo.LoadMessages(ctx, "conv-1", nil, 2)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("unexpected first page: %d messages", len(page.Messages))
	}
	if page.Messages[0].Content != "d" || page.Messages[1].Content != "e" {
		t.Errorf("first page wrong on tie: %q, %q", page.Messages[0].Content, page.Messages[1].Content)
	}

	page2, err := repo.LoadMessages(ctx, "conv-1", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("LoadMessages page 2: %v", err)
	}
	if len(page2.Messages) != 2 {
		t.Fatalf("unexpected second page: %d messages", len(page2.Messages))
	}
	if page2.Messages[0].Content != "b" || page2.Messages[1].Content != "c" {
		t.Errorf("cursor lost insertion order on tie: %q, %q",
			page2.Messages[0].Content, page2.Messages[1].Content)
	}
}

func TestDeleteMessageAndAfterMissingMessage(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.DeleteMessageAndAfter(context.Background(), "conv-1", "no-such-id"); err == nil {
		t.Error("expected error for missing message")
	}
}

func TestConversationCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "Test chat")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	got, err := repo.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Test chat" {
		t.Errorf("expected title %q, got %q", "Test chat", got.Title)
	}

	list, err := repo.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(list))
	}

	// Deleting the conversation cascades to its messages
	saveMsg(t, repo, conv.ID, chat.RoleUser, "hello", time.Now())
	if err := repo.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	page, err := repo.LoadMessages(ctx, conv.ID, nil, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Errorf("expected cascade delete, got %d messages", len(page.Messages))
	}
}
