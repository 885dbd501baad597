package events

import "fmt"

const (
	// TopicMemoryExtracted carries MemoryExtracted payloads published
	// by the background extractor after a generation completes.
	TopicMemoryExtracted = "memory.extracted"

	// TopicArtifactPanel carries ArtifactPanel payloads when a response
	// yields an extractable artifact. Replay-enabled so a late UI
	// subscriber still sees the current panel state.
	TopicArtifactPanel = "artifact.panel"
)

// ConversationTopic scopes a topic to one conversation.
func ConversationTopic(base, conversationID string) string {
	return fmt.Sprintf("%s.%s", base, conversationID)
}

// MemoryExtracted is published when background fact extraction finishes.
type MemoryExtracted struct {
	ConversationID string   `json:"conversation_id"`
	Facts          []string `json:"facts"`
}

// ArtifactPanel is published when an assistant response contains an
// artifact worth surfacing.
type ArtifactPanel struct {
	ConversationID string `json:"conversation_id"`
	Language       string `json:"language"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	Visible        bool   `json:"visible"`
}
