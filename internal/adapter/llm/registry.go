package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
)

var _ domain.ProviderResolver = (*Registry)(nil)

// Registry holds providers keyed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]domain.LLMProvider)}
}

// Register adds a provider under its Name. Names are case-insensitive.
func (r *Registry) Register(p domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(p.Name())
	if _, exists := r.providers[key]; exists {
		return domain.NewDomainError("llm.Registry.Register", domain.ErrDuplicate, p.Name())
	}
	r.providers[key] = p
	return nil
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, domain.NewDomainError("llm.Registry.Get", domain.ErrUnknownProvider, "Unknown provider: "+name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	sort.Strings(names)
	return names
}

// New builds the provider for one config entry.
func New(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch cfg.Type {
	case config.ProviderOllama:
		return NewOllamaProvider(cfg, logger), nil
	case config.ProviderOpenAI, config.ProviderGroq, config.ProviderLocal:
		return NewOpenAIProvider(cfg, logger)
	default:
		return nil, domain.NewDomainError("llm.New", domain.ErrConfigError,
			fmt.Sprintf("provider %s: unknown type %q", cfg.Name, cfg.Type))
	}
}

// FromConfig builds a registry from the configured providers, wrapping each
// in a circuit breaker when enabled.
func FromConfig(cfg config.LLMConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := New(pc, logger)
		if err != nil {
			return nil, err
		}
		if cfg.CircuitBreaker.Enabled {
			p = NewBreakerProvider(p, cfg.CircuitBreaker, logger)
		}
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}
