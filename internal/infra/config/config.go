// Package config loads the server configuration (YAML) and the per-deployment
// client configuration (TOML).
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Chat    ChatConfig    `yaml:"chat"`
	LLM     LLMConfig     `yaml:"llm"`
	Memory  MemoryConfig  `yaml:"memory"`
	Plugins PluginsConfig `yaml:"plugins"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`

	// ClientConfig is an optional path to a TOML client configuration whose
	// settings are layered over this file.
	ClientConfig string `yaml:"client_config,omitempty"`
	Debug        bool   `yaml:"debug"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	RateLimitRPM      int           `yaml:"rate_limit_rpm"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	TrustedProxies    []string      `yaml:"trusted_proxies,omitempty"`
	CORSOrigins       []string      `yaml:"cors_origins,omitempty"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// ChatConfig holds orchestration settings.
type ChatConfig struct {
	MaxIterations       int    `yaml:"max_iterations"`
	SystemPrompt        string `yaml:"system_prompt"`
	DefaultProvider     string `yaml:"default_provider"`
	DefaultModel        string `yaml:"default_model"`
	PromptsDir          string `yaml:"prompts_dir,omitempty"`
	PersistToolMessages bool   `yaml:"persist_tool_messages"`
	LogToolCalls        bool   `yaml:"log_tool_calls"`
}

// LLMConfig lists the configured providers.
type LLMConfig struct {
	Providers      []ProviderConfig     `yaml:"providers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for providers and REST services.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// Provider types.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGroq   = "groq"
	ProviderLocal  = "local"
)

// ProviderConfig holds settings for a single LLM provider. Name is what chat
// requests refer to; Type selects the wire protocol and presets.
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Organization string        `yaml:"organization,omitempty"`
	Model        string        `yaml:"model"`
	MaxTokens    int           `yaml:"max_tokens,omitempty"`
	Timeout      time.Duration `yaml:"timeout"`
	Pool         PoolConfig    `yaml:"pool"`
}

// MemoryConfig holds conversation storage settings.
type MemoryConfig struct {
	Path      string                `yaml:"path"`
	Retention MemoryRetentionConfig `yaml:"retention"`
}

// MemoryRetentionConfig controls the pruning job.
type MemoryRetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// PluginsConfig configures the capability registry and built-in capabilities.
type PluginsConfig struct {
	DataDir           string   `yaml:"data_dir"`
	Dirs              []string `yaml:"dirs,omitempty"`
	AllowedCategories []string `yaml:"allowed_categories,omitempty"`
	DeniedCategories  []string `yaml:"denied_categories,omitempty"`
	ValidateArguments bool     `yaml:"validate_arguments"`

	// RequireConfirmationFor names tools treated as requiring confirmation
	// in addition to those whose definitions say so.
	RequireConfirmationFor []string `yaml:"require_confirmation_for,omitempty"`
	// AuditLogPath, when set, receives one JSON line per tool dispatch.
	AuditLogPath string `yaml:"audit_log_path,omitempty"`

	Filesystem FilesystemPluginConfig `yaml:"filesystem"`
	API        APIPluginConfig        `yaml:"api"`
	MCP        MCPPluginConfig        `yaml:"mcp"`
}

// FilesystemPluginConfig configures the filesystem capability.
type FilesystemPluginConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedPaths []string `yaml:"allowed_paths"`
	AllowWrite   bool     `yaml:"allow_write"`
	MaxFileSize  int64    `yaml:"max_file_size"`
}

// APIPluginConfig configures the REST capability. Services are loaded from
// ServicesFile and from service.yaml files under PluginsConfig.Dirs.
type APIPluginConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServicesFile string `yaml:"services_file,omitempty"`
}

// MCPPluginConfig configures the MCP bridge capability.
type MCPPluginConfig struct {
	Enabled     bool          `yaml:"enabled"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Servers     []MCPServer   `yaml:"servers"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"      json:"name"`
	Transport string            `yaml:"transport" json:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"    json:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"     json:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"     json:"env,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Output  string `yaml:"output"`
	Service string `yaml:"service,omitempty"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// DefaultSystemPrompt is used when neither the request nor a persona supplies one.
const DefaultSystemPrompt = "You are Moxie, a helpful AI assistant. You can use tools to help answer questions and complete tasks. Be concise and helpful in your responses."

// defaultDataDir returns $HOME/.moxie/data, or ./data without a home directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".moxie", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              3000,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      10 * time.Minute,
			IdleTimeout:       2 * time.Minute,
			MaxBodyBytes:      1 << 20,
			RateLimitRPM:      120,
			RateLimitBurst:    20,
			CORSOrigins:       []string{"*"},
		},
		Chat: ChatConfig{
			MaxIterations:   10,
			SystemPrompt:    DefaultSystemPrompt,
			DefaultProvider: ProviderOllama,
			DefaultModel:    "llama3.2",
		},
		LLM: LLMConfig{
			Providers: []ProviderConfig{{
				Name:    ProviderOllama,
				Type:    ProviderOllama,
				BaseURL: "http://localhost:11434",
				Model:   "llama3.2",
				Timeout: 300 * time.Second,
			}},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Memory: MemoryConfig{
			Path: filepath.Join(dataDir, "moxie.db"),
			Retention: MemoryRetentionConfig{
				Schedule: "@daily",
				MaxAge:   90 * 24 * time.Hour,
			},
		},
		Plugins: PluginsConfig{
			DataDir: filepath.Join(dataDir, "plugins"),
			Filesystem: FilesystemPluginConfig{
				Enabled:     true,
				MaxFileSize: 10 * 1024 * 1024,
			},
			MCP: MCPPluginConfig{CallTimeout: 60 * time.Second},
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr", Service: "moxie"},
		Tracer: TracerConfig{Exporter: "noop", SampleRatio: 1},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MOXIE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Provider returns the provider configured under name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// upsertProvider replaces the provider with the same name or appends p.
func (c *Config) upsertProvider(p ProviderConfig) {
	for i := range c.LLM.Providers {
		if c.LLM.Providers[i].Name == p.Name {
			c.LLM.Providers[i] = p
			return
		}
	}
	c.LLM.Providers = append(c.LLM.Providers, p)
}

// ApplyEnvOverrides maps HOST, PORT, provider keys and MOXIE_* env vars onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}

	if v := os.Getenv("OLLAMA_URL"); v != "" {
		p, ok := cfg.Provider(ProviderOllama)
		if !ok {
			p = ProviderConfig{Name: ProviderOllama, Type: ProviderOllama, Timeout: 300 * time.Second}
		}
		p.BaseURL = v
		cfg.upsertProvider(p)
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		p, ok := cfg.Provider(ProviderOpenAI)
		if !ok {
			p = ProviderConfig{Name: ProviderOpenAI, Type: ProviderOpenAI}
		}
		p.APIKey = v
		if org := os.Getenv("OPENAI_ORGANIZATION"); org != "" {
			p.Organization = org
		}
		cfg.upsertProvider(p)
	}
	if v := os.Getenv("GROQ_API_KEY"); v != "" {
		p, ok := cfg.Provider(ProviderGroq)
		if !ok {
			p = ProviderConfig{Name: ProviderGroq, Type: ProviderGroq}
		}
		p.APIKey = v
		cfg.upsertProvider(p)
	}

	if v := os.Getenv("MOXIE_DEFAULT_PROVIDER"); v != "" {
		cfg.Chat.DefaultProvider = v
	}
	if v := os.Getenv("MOXIE_DEFAULT_MODEL"); v != "" {
		cfg.Chat.DefaultModel = v
	}
	if v := os.Getenv("MOXIE_PROMPTS_DIR"); v != "" {
		cfg.Chat.PromptsDir = v
	}
	if v := os.Getenv("MOXIE_MEMORY_PATH"); v != "" {
		cfg.Memory.Path = v
	}
	if v := os.Getenv("MOXIE_PLUGINS_DATA_DIR"); v != "" {
		cfg.Plugins.DataDir = v
	}
	if v := os.Getenv("MOXIE_FS_ALLOWED_PATHS"); v != "" {
		cfg.Plugins.Filesystem.AllowedPaths = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MOXIE_FS_ALLOW_WRITE"); v != "" {
		cfg.Plugins.Filesystem.AllowWrite = v == "true"
	}
	if v := os.Getenv("MOXIE_CLIENT_CONFIG"); v != "" {
		cfg.ClientConfig = v
	}
	if v := os.Getenv("MOXIE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MOXIE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MOXIE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MOXIE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("MOXIE_DEBUG"); v == "true" {
		cfg.Debug = true
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." provider keys and MCP env values with
// their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if err := decryptField(&p.APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", p.Name, err)
		}
	}
	for i := range cfg.Plugins.MCP.Servers {
		srv := &cfg.Plugins.MCP.Servers[i]
		for k, v := range srv.Env {
			if err := decryptField(&v, passphrase); err != nil {
				return fmt.Errorf("mcp server %s env %s: %w", srv.Name, k, err)
			}
			srv.Env[k] = v
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, "enc:") {
		return nil
	}
	plain, err := DecryptValue(strings.TrimPrefix(*field, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*field = plain
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 64 MiB, 4 lanes, 32-byte key.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
