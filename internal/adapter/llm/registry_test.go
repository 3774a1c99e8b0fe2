package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
)

type fakeProvider struct {
	name  string
	calls atomic.Int32
	err   error
}

func (f *fakeProvider) Chat(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.CompletionResponse{Message: domain.NewMessage(domain.RoleAssistant, "ok")}, nil
}

func (f *fakeProvider) Name() string { return f.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeProvider{name: "groq"}))
	require.NoError(t, r.Register(&fakeProvider{name: "Ollama"}))
	require.ErrorIs(t, r.Register(&fakeProvider{name: "ollama"}), domain.ErrDuplicate)

	p, err := r.Get("OLLAMA")
	require.NoError(t, err)
	assert.Equal(t, "Ollama", p.Name())

	_, err = r.Get("claude")
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.Contains(t, err.Error(), "Unknown provider: claude")

	assert.Equal(t, []string{"Ollama", "groq"}, r.Names())
}

func TestFromConfig(t *testing.T) {
	cfg := config.LLMConfig{
		Providers: []config.ProviderConfig{
			{Name: "ollama", Type: config.ProviderOllama},
			{Name: "groq", Type: config.ProviderGroq, APIKey: "k"},
			{Name: "vllm", Type: config.ProviderLocal, BaseURL: "http://localhost:8000/v1", Model: "qwen"},
		},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxFailures: 3},
	}
	r, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"groq", "ollama", "vllm"}, r.Names())

	p, err := r.Get("groq")
	require.NoError(t, err)
	_, wrapped := p.(*BreakerProvider)
	assert.True(t, wrapped)

	_, err = FromConfig(config.LLMConfig{Providers: []config.ProviderConfig{{Name: "x", Type: "bedrock"}}}, nil)
	require.ErrorIs(t, err, domain.ErrConfigError)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &fakeProvider{name: "flaky", err: domain.NewDomainError("test", domain.ErrProviderError, "boom")}
	p := NewBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute}, nil)

	for range 2 {
		_, err := p.Chat(context.Background(), domain.CompletionRequest{})
		require.ErrorIs(t, err, domain.ErrProviderError)
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	_, err := p.Chat(context.Background(), domain.CompletionRequest{})
	require.ErrorIs(t, err, domain.ErrProviderError)
	assert.Contains(t, err.Error(), "circuit open")
	assert.EqualValues(t, 2, inner.calls.Load())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	inner := &fakeProvider{name: "slow", err: context.Canceled}
	p := NewBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 1}, nil)

	for range 3 {
		_, err := p.Chat(context.Background(), domain.CompletionRequest{})
		require.True(t, errors.Is(err, context.Canceled))
	}
	assert.Equal(t, gobreaker.StateClosed, p.State())
}

func TestBreakerListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"phi3"}]}`))
	}))
	defer srv.Close()

	wrapped := NewBreakerProvider(NewOllamaProvider(config.ProviderConfig{BaseURL: srv.URL}, nil), config.CircuitBreakerConfig{}, nil)
	models, err := wrapped.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"phi3"}, models)

	_, err = NewBreakerProvider(&fakeProvider{name: "f"}, config.CircuitBreakerConfig{}, nil).ListModels(context.Background())
	require.ErrorIs(t, err, domain.ErrProviderError)
}
