package usecase

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

// ToolCallFence opens a tool call block in model output.
const ToolCallFence = "```tool_call"

// ExtractToolCalls returns the well-formed tool_call blocks in content, in
// order, each with a fresh id. It returns nil when there are none.
func ExtractToolCalls(content string) []domain.ToolCall {
	pieces := strings.Split(content, ToolCallFence)
	var calls []domain.ToolCall
	// pieces[0] precedes the first fence.
	for _, piece := range pieces[1:] {
		end := strings.Index(piece, "```")
		if end < 0 {
			continue
		}
		call, ok := parseToolCall(strings.TrimSpace(piece[:end]))
		if ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func parseToolCall(block string) (domain.ToolCall, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return domain.ToolCall{}, false
	}
	rawName := bytes.TrimSpace(raw["name"])
	var name string
	if len(rawName) == 0 || rawName[0] != '"' || json.Unmarshal(rawName, &name) != nil {
		return domain.ToolCall{}, false
	}
	args := bytes.TrimSpace(raw["arguments"])
	if len(args) == 0 || args[0] != '{' {
		return domain.ToolCall{}, false
	}
	return domain.ToolCall{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: json.RawMessage(args),
	}, true
}
