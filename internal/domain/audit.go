package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditToolExec       AuditEventType = "tool_exec"
	AuditToolDenied     AuditEventType = "tool_denied"
	AuditPluginState    AuditEventType = "plugin_state"
	AuditConversationRm AuditEventType = "conversation_delete"
)

// AuditEvent is one auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger persists audit events.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
