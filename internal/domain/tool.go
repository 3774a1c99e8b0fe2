package domain

import (
	"encoding/json"
)

// DefaultParameters is the JSON schema used for tools that take no arguments.
var DefaultParameters = json.RawMessage(`{"type":"object","properties":{},"required":[]}`)

// ToolDefinition describes a tool for the model and for API consumers.
type ToolDefinition struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	Parameters           json.RawMessage `json:"parameters"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	PluginID             *string         `json:"plugin_id"`
}

// NewToolDefinition returns a definition with the default empty-object schema.
func NewToolDefinition(name, description string) ToolDefinition {
	return ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  DefaultParameters,
	}
}

// WithParameters replaces the parameter schema.
func (d ToolDefinition) WithParameters(schema json.RawMessage) ToolDefinition {
	d.Parameters = schema
	return d
}

// WithConfirmation marks the tool as requiring user confirmation.
func (d ToolDefinition) WithConfirmation() ToolDefinition {
	d.RequiresConfirmation = true
	return d
}

// FromPlugin tags the definition with the owning capability id.
func (d ToolDefinition) FromPlugin(id string) ToolDefinition {
	d.PluginID = &id
	return d
}

// ToolMetadata carries optional execution details.
type ToolMetadata struct {
	DurationMS *int64  `json:"duration_ms,omitempty"`
	PluginID   *string `json:"plugin_id,omitempty"`
}

// ToolResult is the outcome of executing a tool. Tool-level failures are
// reported here with Success=false rather than as Go errors.
type ToolResult struct {
	Success  bool            `json:"success"`
	Output   json.RawMessage `json:"output"`
	Error    string          `json:"error,omitempty"`
	Metadata *ToolMetadata   `json:"metadata,omitempty"`
}

// Success builds a successful result. Output values that fail to marshal
// are reported as a failure instead.
func Success(output any) *ToolResult {
	raw, err := json.Marshal(output)
	if err != nil {
		return Failure("encode output: " + err.Error())
	}
	return &ToolResult{Success: true, Output: raw}
}

// Failure builds a failed result with a null output.
func Failure(msg string) *ToolResult {
	return &ToolResult{Success: false, Output: json.RawMessage("null"), Error: msg}
}

// WithDuration records the execution time in milliseconds.
func (r *ToolResult) WithDuration(ms int64) *ToolResult {
	if r.Metadata == nil {
		r.Metadata = &ToolMetadata{}
	}
	r.Metadata.DurationMS = &ms
	return r
}

// WithPlugin records the id of the capability that produced the result.
func (r *ToolResult) WithPlugin(id string) *ToolResult {
	if r.Metadata == nil {
		r.Metadata = &ToolMetadata{}
	}
	r.Metadata.PluginID = &id
	return r
}

// ToolCall is an invocation extracted from model output.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallSummary reports one dispatched call back to the chat caller.
type ToolCallSummary struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
}
