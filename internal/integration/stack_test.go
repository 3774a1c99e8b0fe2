package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnhnguyen97/moxie-ai/internal/adapter/httpapi"
	"github.com/johnhnguyen97/moxie-ai/internal/adapter/llm"
	"github.com/johnhnguyen97/moxie-ai/internal/adapter/memory"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin/filesystem"
	"github.com/johnhnguyen97/moxie-ai/internal/usecase"
)

// scriptedOllama answers /api/chat like Ollama: it asks for read_file on the
// first turn and echoes the tool result back on the next.
func scriptedOllama(t *testing.T, path string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&calls, 1)

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		last := req.Messages[len(req.Messages)-1]
		var content string
		if strings.HasPrefix(last.Content, "Tool result for read_file") && strings.Contains(last.Content, "hello world") {
			content = "The file says: hello"
		} else {
			args, _ := json.Marshal(map[string]string{"path": path})
			content = fmt.Sprintf("Let me read it.\n```tool_call\n{\"name\": \"read_file\", \"arguments\": %s}\n```", args)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   req.Model,
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestStackChatWithFilesystemTool(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("hello world"), 0o600))

	ollama, calls := scriptedOllama(t, notes)

	providers, err := llm.FromConfig(config.LLMConfig{
		Providers:      []config.ProviderConfig{{Name: "ollama", Type: config.ProviderOllama, BaseURL: ollama.URL, Timeout: 10 * time.Second}},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxFailures: 3},
	}, nil)
	require.NoError(t, err)

	registry := plugin.NewRegistry(nil, plugin.WithDataDir(filepath.Join(dir, "plugins")), plugin.WithArgumentValidation())
	fsCfg, err := json.Marshal(filesystem.Config{AllowedPaths: []string{dir}})
	require.NoError(t, err)
	require.NoError(t, registry.RegisterWithConfig(filesystem.New(filesystem.DefaultConfig(), nil, nil), fsCfg))
	require.NoError(t, registry.InitAll(context.Background()))
	t.Cleanup(func() { _ = registry.ShutdownAll(context.Background()) })

	store, err := memory.NewSQLiteStore(filepath.Join(dir, "moxie.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := usecase.NewChatEngine(usecase.ChatEngineConfig{
		Providers: providers,
		Tools:     registry,
		Memory:    store,
	})

	srv := httpapi.NewServer(config.ServerConfig{}, httpapi.Deps{
		Chat: engine, Plugins: registry, Memory: store, Providers: providers, Version: "test",
	}, nil)
	api := httptest.NewServer(srv.Handler(t.Context()))
	t.Cleanup(api.Close)

	resp, err := http.Post(api.URL+"/v1/chat", "application/json", strings.NewReader(`{"message":"What is in notes.txt?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Message        string `json:"message"`
		ConversationID string `json:"conversation_id"`
		ToolCalls      []struct {
			Name    string `json:"name"`
			Success bool   `json:"success"`
		} `json:"tool_calls"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	assert.Equal(t, "The file says: hello", out.Message)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "read_file", out.ToolCalls[0].Name)
	assert.True(t, out.ToolCalls[0].Success)
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))

	history, err := store.GetConversation(context.Background(), out.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "What is in notes.txt?", history[0].Content)
	assert.Equal(t, "The file says: hello", history[1].Content)
}
