package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateChat(cfg, ve)
	validateLLM(cfg, ve)
	validateMemory(cfg, ve)
	validatePlugins(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Host == "" {
		ve.Add("server.host is required")
	}
	if s.Port < 1 || s.Port > 65535 {
		ve.Add("server.port %d out of range 1-65535", s.Port)
	}
	if s.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be positive")
	}
	if s.RateLimitRPM < 0 || s.RateLimitBurst < 0 {
		ve.Add("server rate limits must not be negative")
	}
}

func validateChat(cfg *Config, ve *ValidationError) {
	if cfg.Chat.MaxIterations < 1 {
		ve.Add("chat.max_iterations must be at least 1, got %d", cfg.Chat.MaxIterations)
	}
	if cfg.Chat.DefaultProvider == "" {
		ve.Add("chat.default_provider is required")
	}
}

var knownProviderTypes = map[string]bool{
	ProviderOllama: true,
	ProviderOpenAI: true,
	ProviderGroq:   true,
	ProviderLocal:  true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	seen := map[string]bool{}
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name is required", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers: duplicate name %q", p.Name)
		}
		seen[p.Name] = true

		if !knownProviderTypes[p.Type] {
			ve.Add("llm.providers[%s].type %q must be one of ollama, openai, groq, local", p.Name, p.Type)
		}
		if p.Type == ProviderLocal && p.BaseURL == "" {
			ve.Add("llm.providers[%s].base_url is required for local providers", p.Name)
		}
		if p.BaseURL != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("llm.providers[%s].base_url %q is not an absolute URL", p.Name, p.BaseURL)
			}
		}
		if p.Timeout < 0 {
			ve.Add("llm.providers[%s].timeout must not be negative", p.Name)
		}
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be positive when enabled")
	}
}

func validateMemory(cfg *Config, ve *ValidationError) {
	if cfg.Memory.Path == "" {
		ve.Add("memory.path is required")
	}
	r := cfg.Memory.Retention
	if !r.Enabled {
		return
	}
	if r.MaxAge <= 0 {
		ve.Add("memory.retention.max_age must be positive")
	}
	if _, err := cron.ParseStandard(r.Schedule); err != nil {
		ve.Add("memory.retention.schedule %q: %v", r.Schedule, err)
	}
}

var knownCategories = map[string]bool{
	"filesystem": true, "database": true, "office": true, "communication": true,
	"network": true, "hardware": true, "knowledge": true, "cloud": true, "custom": true,
}

func validatePlugins(cfg *Config, ve *ValidationError) {
	p := cfg.Plugins
	for _, c := range append(append([]string{}, p.AllowedCategories...), p.DeniedCategories...) {
		if !knownCategories[c] {
			ve.Add("plugins: unknown category %q", c)
		}
	}
	if p.Filesystem.Enabled && p.Filesystem.MaxFileSize <= 0 {
		ve.Add("plugins.filesystem.max_file_size must be positive")
	}
	if p.MCP.Enabled {
		names := map[string]bool{}
		for i, s := range p.MCP.Servers {
			if s.Name == "" {
				ve.Add("plugins.mcp.servers[%d].name is required", i)
			}
			if names[s.Name] {
				ve.Add("plugins.mcp.servers: duplicate name %q", s.Name)
			}
			names[s.Name] = true
			switch s.Transport {
			case "stdio":
				if s.Command == "" {
					ve.Add("plugins.mcp.servers[%s].command is required for stdio", s.Name)
				}
			case "http":
				if s.URL == "" {
					ve.Add("plugins.mcp.servers[%s].url is required for http", s.Name)
				}
			default:
				ve.Add("plugins.mcp.servers[%s].transport %q must be stdio or http", s.Name, s.Transport)
			}
		}
	}
}

func validateObservability(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}
