package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// ChatRequest is one user turn submitted to the chat engine.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	Persona        string `json:"persona,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
}

// Defaults applied to an empty ChatRequest provider/model.
const (
	DefaultProvider = "ollama"
	DefaultModel    = "llama3.2"
)

// WithDefaults fills in the provider and model when omitted.
func (r ChatRequest) WithDefaults() ChatRequest {
	if r.Provider == "" {
		r.Provider = DefaultProvider
	}
	if r.Model == "" {
		r.Model = DefaultModel
	}
	return r
}

// ChatResponse is the final answer of a chat turn.
type ChatResponse struct {
	Message        string            `json:"message"`
	ConversationID string            `json:"conversation_id"`
	ToolCalls      []ToolCallSummary `json:"tool_calls"`
}

// Conversation summarizes a stored conversation.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is a persisted message with its conversation.
type StoredMessage struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
