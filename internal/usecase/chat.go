// Package usecase holds the chat orchestration loop and its prompt helpers.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/tracer"
)

// DefaultMaxIterations bounds the provider calls of a single turn.
const DefaultMaxIterations = 10

// ToolDispatcher lists and executes the tools of active capabilities.
type ToolDispatcher interface {
	AllTools() []domain.ToolDefinition
	Execute(ctx context.Context, tool string, args json.RawMessage) (*domain.ToolResult, error)
}

// ChatEngineConfig holds the collaborators of a ChatEngine.
type ChatEngineConfig struct {
	Providers domain.ProviderResolver
	Tools     ToolDispatcher
	Memory    domain.ConversationMemory
	Prompts   *PromptManager // optional file personas
	Logger    *slog.Logger

	MaxIterations       int
	SystemPrompt        string
	DefaultProvider     string
	DefaultModel        string
	PersistToolMessages bool
	LogToolCalls        bool
}

// ChatEngine runs the prompt, dispatch, feed-back loop of a chat turn.
type ChatEngine struct {
	providers domain.ProviderResolver
	tools     ToolDispatcher
	memory    domain.ConversationMemory
	prompts   *PromptManager
	logger    *slog.Logger

	maxIterations   int
	systemPrompt    string
	defaultProvider string
	defaultModel    string
	persistTools    bool
	logToolCalls    bool
}

// NewChatEngine creates a ChatEngine.
func NewChatEngine(cfg ChatEngineConfig) *ChatEngine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultPrompt
	}
	return &ChatEngine{
		providers:       cfg.Providers,
		tools:           cfg.Tools,
		memory:          cfg.Memory,
		prompts:         cfg.Prompts,
		logger:          cfg.Logger.With("component", "chat"),
		maxIterations:   cfg.MaxIterations,
		systemPrompt:    cfg.SystemPrompt,
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		persistTools:    cfg.PersistToolMessages,
		logToolCalls:    cfg.LogToolCalls,
	}
}

// WithSystemPrompt replaces the engine default system prompt.
func (e *ChatEngine) WithSystemPrompt(prompt string) *ChatEngine {
	e.systemPrompt = prompt
	return e
}

// Chat processes one user message and returns the final assistant reply.
func (e *ChatEngine) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req = e.applyDefaults(req)
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	ctx, span := tracer.StartSpan(ctx, "chat.turn")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("chat.conversation_id", convID),
		tracer.StringAttr("chat.provider", req.Provider),
		tracer.StringAttr("chat.model", req.Model),
	)

	resp, err := e.run(ctx, req, convID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.IntAttr("chat.tool_calls", len(resp.ToolCalls)))
	tracer.SetOK(span)
	return resp, nil
}

func (e *ChatEngine) run(ctx context.Context, req domain.ChatRequest, convID string) (*domain.ChatResponse, error) {
	history, err := e.memory.GetConversation(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w: %w", domain.ErrMemory, err)
	}

	var tools []domain.ToolDefinition
	if e.tools != nil {
		tools = e.tools.AllTools()
	}
	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.NewMessage(domain.RoleSystem, BuildSystemPrompt(e.resolveSystemPrompt(req), tools)))
	messages = append(messages, history...)

	userMsg := domain.NewMessage(domain.RoleUser, req.Message)
	messages = append(messages, userMsg)
	if _, err := e.memory.SaveMessage(ctx, convID, userMsg); err != nil {
		return nil, fmt.Errorf("save user message: %w: %w", domain.ErrMemory, err)
	}

	provider, err := e.providers.Get(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w: %w", domain.ErrProviderError, err)
	}

	summaries := []domain.ToolCallSummary{}
	for iteration := 1; ; iteration++ {
		if iteration > e.maxIterations {
			e.logger.Warn("tool loop limit reached", "conversation_id", convID, "max_iterations", e.maxIterations)
			return nil, fmt.Errorf("%w: %d", domain.ErrMaxIterationsExceeded, e.maxIterations)
		}

		reply, err := e.complete(ctx, provider, req.Model, messages, iteration)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w: %w", provider.Name(), domain.ErrProviderError, err)
		}

		calls := ExtractToolCalls(reply)
		if len(calls) == 0 {
			final := domain.NewMessage(domain.RoleAssistant, reply)
			if _, err := e.memory.SaveMessage(ctx, convID, final); err != nil {
				return nil, fmt.Errorf("save assistant message: %w: %w", domain.ErrMemory, err)
			}
			return &domain.ChatResponse{
				Message:        reply,
				ConversationID: convID,
				ToolCalls:      summaries,
			}, nil
		}

		for _, call := range calls {
			result := e.dispatch(ctx, call)
			summaries = append(summaries, domain.ToolCallSummary{Name: call.Name, Success: result.Success})

			callMsg := domain.NewMessage(domain.RoleAssistant,
				fmt.Sprintf("Tool call: %s with arguments: %s", call.Name, prettyJSON(call.Arguments)))
			resultMsg := domain.NewMessage(domain.RoleSystem,
				fmt.Sprintf("Tool result for %s: %s", call.Name, prettyJSON(result)))
			messages = append(messages, callMsg, resultMsg)

			if e.persistTools {
				for _, m := range []domain.Message{callMsg, resultMsg} {
					if _, err := e.memory.SaveMessage(ctx, convID, m); err != nil {
						return nil, fmt.Errorf("save tool message: %w: %w", domain.ErrMemory, err)
					}
				}
			}
		}
	}
}

func (e *ChatEngine) complete(ctx context.Context, p domain.LLMProvider, model string, messages []domain.Message, iteration int) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.llm_call")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("llm.provider", p.Name()),
		tracer.IntAttr("chat.iteration", iteration),
		tracer.IntAttr("llm.messages", len(messages)),
	)

	resp, err := p.Chat(ctx, domain.CompletionRequest{Model: model, Messages: messages})
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return resp.Message.Content, nil
}

// dispatch never fails: errors become failed results fed back to the model.
func (e *ChatEngine) dispatch(ctx context.Context, call domain.ToolCall) *domain.ToolResult {
	ctx, span := tracer.StartSpan(ctx, "chat.dispatch")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("tool.name", call.Name), tracer.StringAttr("tool.call_id", call.ID))

	if e.logToolCalls {
		e.logger.Info("tool call", "tool", call.Name, "call_id", call.ID, "arguments", string(call.Arguments))
	}

	var (
		result *domain.ToolResult
		err    error
	)
	if e.tools == nil {
		err = fmt.Errorf("%w: %s", domain.ErrToolNotFound, call.Name)
	} else {
		result, err = e.tools.Execute(ctx, call.Name, call.Arguments)
	}
	if err != nil {
		e.logger.Warn("tool dispatch failed", "tool", call.Name, "error", err)
		tracer.RecordError(span, err)
		return domain.Failure(err.Error())
	}
	if result == nil {
		result = domain.Success(nil)
	}
	span.SetAttributes(tracer.BoolAttr("tool.success", result.Success))
	return result
}

func (e *ChatEngine) applyDefaults(req domain.ChatRequest) domain.ChatRequest {
	if req.Provider == "" {
		req.Provider = e.defaultProvider
	}
	if req.Model == "" {
		req.Model = e.defaultModel
	}
	return req.WithDefaults()
}

// resolveSystemPrompt applies explicit > persona > engine default.
func (e *ChatEngine) resolveSystemPrompt(req domain.ChatRequest) string {
	if req.SystemPrompt != "" {
		return req.SystemPrompt
	}
	if req.Persona == "" {
		return e.systemPrompt
	}
	if p, ok := BuiltinPersona(req.Persona); ok {
		return p
	}
	if e.prompts != nil {
		t, err := e.prompts.Load(req.Persona)
		if err == nil {
			return t.SystemPrompt.Content
		}
		e.logger.Debug("persona file not loaded", "persona", req.Persona, "error", err)
	}
	return UnknownPersonaPrompt(req.Persona)
}

func prettyJSON(v any) string {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return string(raw)
		}
		v = decoded
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}
