package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
)

// Breaker defaults used when the config leaves a field at zero.
const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

// BreakerProvider fails fast once the wrapped provider has failed
// MaxFailures times in a row, and probes it again after Timeout.
type BreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.CircuitBreaker[*domain.CompletionResponse]
}

var (
	_ domain.LLMProvider = (*BreakerProvider)(nil)
	_ domain.ModelLister = (*BreakerProvider)(nil)
)

// NewBreakerProvider wraps inner with a circuit breaker.
func NewBreakerProvider(inner domain.LLMProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.CompletionResponse](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A cancelled request says nothing about the backend.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerProvider{inner: inner, breaker: cb}
}

// Chat implements domain.LLMProvider.
func (p *BreakerProvider) Chat(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.CompletionResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, providerError("BreakerProvider.Chat", fmt.Sprintf("provider %q circuit open: %v", p.inner.Name(), err))
	}
	return resp, err
}

// Name implements domain.LLMProvider.
func (p *BreakerProvider) Name() string { return p.inner.Name() }

// ListModels delegates to the wrapped provider when it can list models.
func (p *BreakerProvider) ListModels(ctx context.Context) ([]string, error) {
	ml, ok := p.inner.(domain.ModelLister)
	if !ok {
		return nil, providerError("BreakerProvider.ListModels", fmt.Sprintf("provider %q cannot list models", p.inner.Name()))
	}
	return ml.ListModels(ctx)
}

// State reports the breaker state.
func (p *BreakerProvider) State() gobreaker.State { return p.breaker.State() }
