package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

// BuildSystemPrompt appends the tool catalogue and calling convention to
// base. With no tools, base is returned unchanged.
func BuildSystemPrompt(base string, tools []domain.ToolDefinition) string {
	if len(tools) == 0 {
		return base
	}

	var list strings.Builder
	for i, t := range tools {
		if i > 0 {
			list.WriteByte('\n')
		}
		fmt.Fprintf(&list, "- %s: %s", t.Name, t.Description)
	}

	schemas, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		schemas = []byte("[]")
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n## Available Tools\n\nYou have access to the following tools:\n\n")
	b.WriteString(list.String())
	b.WriteString("\n\nTo use a tool, respond with a JSON block in this format:\n")
	b.WriteString(ToolCallFence + "\n{\n  \"name\": \"tool_name\",\n  \"arguments\": {}\n}\n```\n\n")
	b.WriteString("Tool schemas:\n```json\n")
	b.Write(schemas)
	b.WriteString("\n```")
	return b.String()
}
