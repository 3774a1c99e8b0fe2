package usecase

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToolCallsSingle(t *testing.T) {
	content := "Let me check.\n```tool_call\n{\"name\": \"read_file\", \"arguments\": {\"path\": \"notes.txt\"}}\n```\nOne moment."

	calls := ExtractToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.JSONEq(t, `{"path":"notes.txt"}`, string(calls[0].Arguments))
	_, err := uuid.Parse(calls[0].ID)
	assert.NoError(t, err)
}

func TestExtractToolCallsMultipleInOrder(t *testing.T) {
	content := "```tool_call\n{\"name\": \"a\", \"arguments\": {}}\n```\n" +
		"and then\n```tool_call\n{\"name\": \"b\", \"arguments\": {\"n\": 1}}\n```"

	calls := ExtractToolCalls(content)
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Name)
	assert.Equal(t, "b", calls[1].Name)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
}

func TestExtractToolCallsRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no fence", "just text"},
		{"plain json fence", "```json\n{\"name\": \"a\", \"arguments\": {}}\n```"},
		{"unterminated", "```tool_call\n{\"name\": \"a\", \"arguments\": {}}"},
		{"invalid json", "```tool_call\n{name: a}\n```"},
		{"numeric name", "```tool_call\n{\"name\": 7, \"arguments\": {}}\n```"},
		{"null name", "```tool_call\n{\"name\": null, \"arguments\": {}}\n```"},
		{"missing arguments", "```tool_call\n{\"name\": \"a\"}\n```"},
		{"array arguments", "```tool_call\n{\"name\": \"a\", \"arguments\": [1]}\n```"},
		{"string arguments", "```tool_call\n{\"name\": \"a\", \"arguments\": \"{}\"}\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, ExtractToolCalls(tt.content))
		})
	}
}

func TestExtractToolCallsSkipsBadKeepsGood(t *testing.T) {
	content := "```tool_call\nnot json\n```\n```tool_call\n{\"name\": \"ok\", \"arguments\": {}}\n```"

	calls := ExtractToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "ok", calls[0].Name)
}
