package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
)

type capturedRequest struct {
	Header http.Header
	Body   map[string]any
}

func openaiServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Header = r.Header.Clone()
		if r.Method == http.MethodPost {
			require.Equal(t, "/v1/chat/completions", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured.Body))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func newOpenAI(t *testing.T, cfg config.ProviderConfig) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(cfg, nil)
	require.NoError(t, err)
	return p
}

func TestOpenAIChat(t *testing.T) {
	srv, captured := openaiServer(t, http.StatusOK,
		`{"model":"gpt-4o-mini-2024","choices":[{"message":{"role":"assistant","content":"Hi!"},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`)

	p := newOpenAI(t, config.ProviderConfig{
		Name: "openai", Type: config.ProviderOpenAI, BaseURL: srv.URL + "/v1",
		APIKey: "sk-test", Organization: "org-1",
	})
	resp, err := p.Chat(context.Background(), domain.CompletionRequest{
		Messages: []domain.Message{domain.NewMessage(domain.RoleUser, "hello")},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", captured.Header.Get("Authorization"))
	assert.Equal(t, "org-1", captured.Header.Get("OpenAI-Organization"))
	assert.Equal(t, "gpt-4o-mini", captured.Body["model"])
	assert.Equal(t, DefaultTemperature, captured.Body["temperature"])
	assert.EqualValues(t, DefaultMaxTokens, captured.Body["max_tokens"])
	msgs := captured.Body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{"role": "user", "content": "hello"}, msgs[0])

	assert.Equal(t, "Hi!", resp.Message.Content)
	assert.Equal(t, domain.RoleAssistant, resp.Message.Role)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)
}

func TestOpenAINoKeyNoAuthHeader(t *testing.T) {
	srv, captured := openaiServer(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	p := newOpenAI(t, config.ProviderConfig{Name: "lmstudio", Type: config.ProviderLocal, BaseURL: srv.URL + "/v1", Model: "qwen", MaxTokens: 512})

	resp, err := p.Chat(context.Background(), domain.CompletionRequest{})
	require.NoError(t, err)
	assert.Empty(t, captured.Header.Get("Authorization"))
	assert.EqualValues(t, 512, captured.Body["max_tokens"])
	assert.Equal(t, "qwen", resp.Model)
}

func TestOpenAIToolCallsRendered(t *testing.T) {
	srv, _ := openaiServer(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
		{"id":"c1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"/tmp/a\"}"}},
		{"id":"c2","type":"function","function":{"name":"list_directory","arguments":""}}
	]}}]}`)
	p := newOpenAI(t, config.ProviderConfig{Type: config.ProviderOpenAI, BaseURL: srv.URL + "/v1"})

	resp, err := p.Chat(context.Background(), domain.CompletionRequest{Model: "gpt-4o"})
	require.NoError(t, err)

	blocks := strings.Split(resp.Message.Content, "\n\n")
	require.Len(t, blocks, 2)
	for _, b := range blocks {
		assert.True(t, strings.HasPrefix(b, "```tool_call\n"), b)
		assert.True(t, strings.HasSuffix(b, "\n```"), b)
	}
	var first struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(blocks[0], "```tool_call\n"), "\n```")
	require.NoError(t, json.Unmarshal([]byte(inner), &first))
	assert.Equal(t, "read_file", first.Name)
	assert.Equal(t, "/tmp/a", first.Arguments["path"])
	assert.Contains(t, blocks[1], `"arguments": {}`)
}

func TestOpenAIErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"api error body", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`, "API error: Incorrect API key"},
		{"plain body", http.StatusBadGateway, `bad gateway`, "HTTP 502: bad gateway"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "No choices in response"},
		{"unparseable", http.StatusOK, `{`, "Failed to parse response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := openaiServer(t, tt.status, tt.body)
			p := newOpenAI(t, config.ProviderConfig{Type: config.ProviderGroq, BaseURL: srv.URL + "/v1"})
			_, err := p.Chat(context.Background(), domain.CompletionRequest{})
			require.ErrorIs(t, err, domain.ErrProviderError)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestOpenAIListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	}))
	defer srv.Close()

	p := newOpenAI(t, config.ProviderConfig{Type: config.ProviderOpenAI, BaseURL: srv.URL + "/v1", APIKey: "k"})
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, models)
}

func TestOpenAIPresets(t *testing.T) {
	tests := []struct {
		typ         string
		wantURL     string
		wantModel   string
		wantTimeout time.Duration
	}{
		{config.ProviderOpenAI, "https://api.openai.com/v1", "gpt-4o-mini", 120 * time.Second},
		{config.ProviderGroq, "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile", 60 * time.Second},
	}
	for _, tt := range tests {
		p := newOpenAI(t, config.ProviderConfig{Type: tt.typ})
		if p.baseURL != tt.wantURL || p.model != tt.wantModel || p.client.Timeout != tt.wantTimeout {
			t.Errorf("%s: got (%s, %s, %v), want (%s, %s, %v)", tt.typ,
				p.baseURL, p.model, p.client.Timeout, tt.wantURL, tt.wantModel, tt.wantTimeout)
		}
		if p.Name() != tt.typ {
			t.Errorf("%s: Name() = %q", tt.typ, p.Name())
		}
	}

	local := newOpenAI(t, config.ProviderConfig{Type: config.ProviderLocal, BaseURL: "http://localhost:8000/v1"})
	assert.Equal(t, 300*time.Second, local.client.Timeout)

	_, err := NewOpenAIProvider(config.ProviderConfig{Name: "vllm", Type: config.ProviderLocal}, nil)
	require.ErrorIs(t, err, domain.ErrConfigError)
}
