package domain

import (
	"context"
	"time"
)

// ConversationMemory is the history store consumed by the chat engine.
type ConversationMemory interface {
	// GetConversation returns the messages of a conversation oldest first.
	// Unknown ids yield an empty slice.
	GetConversation(ctx context.Context, conversationID string) ([]Message, error)
	// SaveMessage appends a message, creating the conversation on demand,
	// and returns the new message id.
	SaveMessage(ctx context.Context, conversationID string, msg Message) (int64, error)
}

// ConversationStore extends ConversationMemory with browsing and maintenance.
type ConversationStore interface {
	ConversationMemory
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]StoredMessage, error)
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
