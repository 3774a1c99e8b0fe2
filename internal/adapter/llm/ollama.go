package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/tracer"
)

var (
	_ domain.LLMProvider = (*OllamaProvider)(nil)
	_ domain.ModelLister = (*OllamaProvider)(nil)
)

// Ollama defaults. Local model loading can be slow.
const (
	OllamaDefaultURL     = "http://localhost:11434"
	ollamaDefaultTimeout = 300 * time.Second
)

// OllamaProvider talks to Ollama's native /api/chat endpoint.
type OllamaProvider struct {
	name    string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllamaProvider creates an Ollama provider. An empty base URL means the
// local default.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = OllamaDefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = config.ProviderOllama
	}
	return &OllamaProvider{
		name:    name,
		model:   cfg.Model,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg, ollamaDefaultTimeout),
		logger:  logger,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
}

// Chat implements domain.LLMProvider.
func (p *OllamaProvider) Chat(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.chat", trace.WithAttributes(
		tracer.StringAttr("llm.provider", p.name),
		tracer.StringAttr("llm.model", model),
	))
	defer span.End()

	msgs := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollamaMessage{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(ollamaChatRequest{Model: model, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	status, data, err := doRequest(ctx, p.client, http.MethodPost, p.baseURL+"/api/chat", body, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, providerError("ollama.Chat", err.Error())
	}
	if !isSuccess(status) {
		err := providerError("ollama.Chat", fmt.Sprintf("%d %s: %s", status, http.StatusText(status), data))
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp ollamaChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, providerError("ollama.Chat", "invalid response: "+err.Error())
	}
	if resp.Model == "" {
		resp.Model = model
	}
	tracer.SetOK(span)
	p.logger.Debug("llm chat completed", "provider", p.name, "model", resp.Model)

	return &domain.CompletionResponse{
		Model:   resp.Model,
		Message: domain.NewMessage(domain.RoleAssistant, resp.Message.Content),
	}, nil
}

// Name implements domain.LLMProvider.
func (p *OllamaProvider) Name() string { return p.name }

// ListModels returns the names of locally pulled models.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	status, data, err := doRequest(ctx, p.client, http.MethodGet, p.baseURL+"/api/tags", nil, nil)
	if err != nil {
		return nil, providerError("ollama.ListModels", err.Error())
	}
	if !isSuccess(status) {
		return nil, providerError("ollama.ListModels", fmt.Sprintf("%d: %s", status, data))
	}
	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, providerError("ollama.ListModels", "invalid response: "+err.Error())
	}
	names := make([]string, len(resp.Models))
	for i, m := range resp.Models {
		names[i] = m.Name
	}
	return names, nil
}
