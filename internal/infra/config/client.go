package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig is the per-deployment TOML configuration: which capabilities
// are enabled, how they are configured, and which model serves the client.
type ClientConfig struct {
	Client    ClientInfo            `toml:"client"`
	LLM       ClientLLMConfig       `toml:"llm"`
	Plugins   ClientPluginsConfig   `toml:"plugins"`
	Knowledge ClientKnowledgeConfig `toml:"knowledge"`
	Security  ClientSecurityConfig  `toml:"security"`
	Telemetry ClientTelemetryConfig `toml:"telemetry"`

	md toml.MetaData
}

type ClientInfo struct {
	Name     string `toml:"name"`
	Industry string `toml:"industry"`
	ID       string `toml:"id"`
}

type ClientLLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	Endpoint  string `toml:"endpoint"`
}

type ClientPluginsConfig struct {
	Enabled    []string                  `toml:"enabled"`
	Office     *ClientOfficeConfig       `toml:"office"`
	Filesystem *ClientFilesystemConfig   `toml:"filesystem"`
	Database   *ClientDatabaseConfig     `toml:"database"`
	API        *ClientAPIConfig          `toml:"api"`
	Custom     map[string]toml.Primitive `toml:"-"`
}

type ClientOfficeConfig struct {
	ExcelEnabled      bool `toml:"excel_enabled"`
	WordEnabled       bool `toml:"word_enabled"`
	PowerPointEnabled bool `toml:"powerpoint_enabled"`
	OutlookEnabled    bool `toml:"outlook_enabled"`
}

type ClientFilesystemConfig struct {
	AllowedPaths   []string `toml:"allowed_paths"`
	CloudProviders []string `toml:"cloud_providers"`
	AllowWrite     bool     `toml:"allow_write"`
	MaxFileSize    int64    `toml:"max_file_size"`
}

type ClientDatabaseConfig struct {
	Connections       []ClientDatabaseConnection `toml:"connections"`
	AllowedOperations []string                   `toml:"allowed_operations"`
}

type ClientDatabaseConnection struct {
	Name                string `toml:"name"`
	Type                string `toml:"type"`
	ConnectionStringEnv string `toml:"connection_string_env"`
}

// ClientAPIConfig points the REST capability at a services file.
type ClientAPIConfig struct {
	ServicesFile string `toml:"services_file"`
}

type ClientKnowledgeConfig struct {
	Enabled bool                    `toml:"enabled"`
	Sources []ClientKnowledgeSource `toml:"sources"`
}

type ClientKnowledgeSource struct {
	Path     string   `toml:"path"`
	Type     string   `toml:"type"`
	Patterns []string `toml:"patterns"`
}

type ClientSecurityConfig struct {
	RequireConfirmationFor []string `toml:"require_confirmation_for"`
	AuditLogPath           string   `toml:"audit_log_path"`
	LogToolCalls           bool     `toml:"log_tool_calls"`
	MaxTokensPerRequest    int      `toml:"max_tokens_per_request"`
}

type ClientTelemetryConfig struct {
	Enabled           bool   `toml:"enabled"`
	DashboardURL      string `toml:"dashboard_url"`
	APIKeyEnv         string `toml:"api_key_env"`
	SendMetrics       bool   `toml:"send_metrics"`
	SendUsage         bool   `toml:"send_usage"`
	SendErrors        bool   `toml:"send_errors"`
	SendConversations bool   `toml:"send_conversations"`
}

var knownPluginKeys = map[string]bool{
	"enabled": true, "office": true, "filesystem": true, "database": true, "api": true,
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		LLM: ClientLLMConfig{Provider: ProviderOllama, Model: "llama3.2"},
		Telemetry: ClientTelemetryConfig{
			SendMetrics: true,
			SendUsage:   true,
			SendErrors:  true,
		},
	}
}

// LoadClientConfig reads a TOML client configuration, expanding ${VAR}
// references from the environment.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}
	return ParseClientConfig(string(data))
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ParseClientConfig decodes a TOML client configuration.
func ParseClientConfig(content string) (*ClientConfig, error) {
	expanded := envRef.ReplaceAllStringFunc(content, func(m string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(m, "${"), "}"))
	})

	cfg := defaultClientConfig()
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}

	// Unknown [plugins.*] tables are kept for custom capabilities.
	var extra struct {
		Plugins map[string]toml.Primitive `toml:"plugins"`
	}
	extraMD, err := toml.Decode(expanded, &extra)
	if err != nil {
		return nil, fmt.Errorf("parse client config plugins: %w", err)
	}
	for key, prim := range extra.Plugins {
		if knownPluginKeys[key] {
			continue
		}
		if cfg.Plugins.Custom == nil {
			cfg.Plugins.Custom = make(map[string]toml.Primitive)
		}
		cfg.Plugins.Custom[key] = prim
	}
	// Primitives from the second decode are resolved through its own metadata.
	cfg.md = extraMD

	if db := cfg.Plugins.Database; db != nil && len(db.AllowedOperations) == 0 {
		db.AllowedOperations = []string{"read"}
	}

	if cfg.Client.Name == "" {
		return nil, fmt.Errorf("parse client config: client.name is required")
	}
	return &cfg, nil
}

// IsEnabled reports whether the named capability is listed in plugins.enabled.
func (c *ClientConfig) IsEnabled(name string) bool {
	for _, e := range c.Plugins.Enabled {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

// CustomPluginConfig decodes the [plugins.<name>] table of a custom capability.
func (c *ClientConfig) CustomPluginConfig(name string, v any) error {
	prim, ok := c.Plugins.Custom[name]
	if !ok {
		return fmt.Errorf("no [plugins.%s] table", name)
	}
	return c.md.PrimitiveDecode(prim, v)
}

// ApplyClient layers a client configuration over the server configuration.
func ApplyClient(cfg *Config, cc *ClientConfig) {
	if cc.LLM.Provider != "" {
		cfg.Chat.DefaultProvider = cc.LLM.Provider
	}
	if cc.LLM.Model != "" {
		cfg.Chat.DefaultModel = cc.LLM.Model
	}
	if cc.LLM.Endpoint != "" || cc.LLM.APIKeyEnv != "" {
		p, ok := cfg.Provider(cc.LLM.Provider)
		if !ok {
			p = ProviderConfig{Name: cc.LLM.Provider, Type: cc.LLM.Provider, Timeout: 120 * time.Second}
			if !knownProviderTypes[p.Type] {
				p.Type = ProviderLocal
			}
		}
		if cc.LLM.Endpoint != "" {
			p.BaseURL = cc.LLM.Endpoint
		}
		if cc.LLM.APIKeyEnv != "" {
			p.APIKey = os.Getenv(cc.LLM.APIKeyEnv)
		}
		if cc.LLM.Model != "" {
			p.Model = cc.LLM.Model
		}
		cfg.upsertProvider(p)
	}

	if len(cc.Plugins.Enabled) > 0 {
		cfg.Plugins.Filesystem.Enabled = cc.IsEnabled("filesystem")
		cfg.Plugins.API.Enabled = cc.IsEnabled("api")
		cfg.Plugins.MCP.Enabled = cc.IsEnabled("mcp")
	}
	if fs := cc.Plugins.Filesystem; fs != nil {
		cfg.Plugins.Filesystem.AllowedPaths = fs.AllowedPaths
		cfg.Plugins.Filesystem.AllowWrite = fs.AllowWrite
		if fs.MaxFileSize > 0 {
			cfg.Plugins.Filesystem.MaxFileSize = fs.MaxFileSize
		}
	}
	if api := cc.Plugins.API; api != nil && api.ServicesFile != "" {
		cfg.Plugins.API.ServicesFile = api.ServicesFile
	}

	cfg.Plugins.RequireConfirmationFor = append(cfg.Plugins.RequireConfirmationFor, cc.Security.RequireConfirmationFor...)
	if cc.Security.AuditLogPath != "" {
		cfg.Plugins.AuditLogPath = cc.Security.AuditLogPath
	}
	if cc.Security.LogToolCalls {
		cfg.Chat.LogToolCalls = true
	}
	if cc.Security.MaxTokensPerRequest > 0 {
		for i := range cfg.LLM.Providers {
			cfg.LLM.Providers[i].MaxTokens = cc.Security.MaxTokensPerRequest
		}
	}
	if cc.Client.Name != "" {
		cfg.Logger.Service = "moxie/" + cc.Client.Name
	}
}
