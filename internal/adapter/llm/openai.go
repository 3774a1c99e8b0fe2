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
	_ domain.LLMProvider = (*OpenAIProvider)(nil)
	_ domain.ModelLister = (*OpenAIProvider)(nil)
)

// Request defaults for OpenAI-compatible backends.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// Preset is the base URL, default model and timeout of a known backend.
type Preset struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Presets for the OpenAI-compatible provider types. Local servers have no
// base URL preset.
var Presets = map[string]Preset{
	config.ProviderOpenAI: {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini", Timeout: 120 * time.Second},
	config.ProviderGroq:   {BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.3-70b-versatile", Timeout: 60 * time.Second},
	config.ProviderLocal:  {Timeout: 300 * time.Second},
}

// OpenAIProvider implements domain.LLMProvider for any API that speaks the
// OpenAI chat completions format.
type OpenAIProvider struct {
	name         string
	model        string
	apiKey       string
	organization string
	baseURL      string
	maxTokens    int
	client       *http.Client
	logger       *slog.Logger
}

// NewOpenAIProvider creates a provider, filling unset fields from the preset
// for cfg.Type.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	preset := Presets[cfg.Type]
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = preset.BaseURL
	}
	if baseURL == "" {
		return nil, domain.NewDomainError("NewOpenAIProvider", domain.ErrConfigError,
			fmt.Sprintf("provider %s: base_url is required", cfg.Name))
	}
	model := cfg.Model
	if model == "" {
		model = preset.Model
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	fallback := preset.Timeout
	if fallback == 0 {
		fallback = 120 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Type
	}
	return &OpenAIProvider{
		name:         name,
		model:        model,
		apiKey:       cfg.APIKey,
		organization: cfg.Organization,
		baseURL:      baseURL,
		maxTokens:    maxTokens,
		client:       NewHTTPClient(cfg, fallback),
		logger:       logger,
	}, nil
}

type openaiMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) headers() map[string]string {
	h := map[string]string{}
	if p.apiKey != "" {
		h["Authorization"] = "Bearer " + p.apiKey
	}
	if p.organization != "" {
		h["OpenAI-Organization"] = p.organization
	}
	return h
}

// Chat implements domain.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.chat", trace.WithAttributes(
		tracer.StringAttr("llm.provider", p.name),
		tracer.StringAttr("llm.model", model),
	))
	defer span.End()

	msgs := make([]openaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		content := m.Content
		msgs[i] = openaiMessage{Role: m.Role, Content: &content}
	}
	body, err := json.Marshal(openaiRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: DefaultTemperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	status, data, err := doRequest(ctx, p.client, http.MethodPost, p.baseURL+"/chat/completions", body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, providerError("openai.Chat", err.Error())
	}
	if !isSuccess(status) {
		err := apiError("openai.Chat", status, data)
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp openaiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, providerError("openai.Chat", fmt.Sprintf("Failed to parse response: %v", err))
	}
	if len(resp.Choices) == 0 {
		err := providerError("openai.Chat", "No choices in response")
		tracer.RecordError(span, err)
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = model
	}

	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", resp.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	p.logger.Debug("llm chat completed", "provider", p.name, "model", resp.Model, "tokens", resp.Usage.TotalTokens)

	msg := resp.Choices[0].Message
	content := ""
	if msg.Content != nil {
		content = *msg.Content
	}
	if len(msg.ToolCalls) > 0 {
		content = renderToolCalls(msg.ToolCalls)
	}
	return &domain.CompletionResponse{
		Model:   resp.Model,
		Message: domain.NewMessage(domain.RoleAssistant, content),
	}, nil
}

// renderToolCalls rewrites native function calls as tool_call blocks so the
// chat engine handles every backend the same way.
func renderToolCalls(calls []openaiToolCall) string {
	blocks := make([]string, 0, len(calls))
	for _, tc := range calls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		name, _ := json.Marshal(tc.Function.Name)
		blocks = append(blocks, fmt.Sprintf("```tool_call\n{\n  \"name\": %s,\n  \"arguments\": %s\n}\n```", name, args))
	}
	return strings.Join(blocks, "\n\n")
}

func apiError(op string, status int, body []byte) error {
	var e openaiError
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return providerError(op, "API error: "+e.Error.Message)
	}
	return providerError(op, fmt.Sprintf("HTTP %d: %s", status, body))
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// ListModels returns the model ids served at /models.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	status, data, err := doRequest(ctx, p.client, http.MethodGet, p.baseURL+"/models", nil, p.headers())
	if err != nil {
		return nil, providerError("openai.ListModels", err.Error())
	}
	if !isSuccess(status) {
		return nil, apiError("openai.ListModels", status, data)
	}
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, providerError("openai.ListModels", "invalid response: "+err.Error())
	}
	ids := make([]string, len(resp.Data))
	for i, m := range resp.Data {
		ids[i] = m.ID
	}
	return ids, nil
}
