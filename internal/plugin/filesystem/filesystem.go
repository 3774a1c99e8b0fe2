// Package filesystem is the allow-listed local file capability.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin"
	"github.com/johnhnguyen97/moxie-ai/internal/security"
)

// ID is the capability id.
const ID = "moxie.filesystem"

// DefaultMaxFileSize caps reads at 10 MiB.
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// Config is the capability configuration as carried in PluginContext.Config.
type Config struct {
	AllowedPaths []string `json:"allowed_paths"`
	AllowWrite   bool     `json:"allow_write"`
	MaxFileSize  int64    `json:"max_file_size"`
}

// DefaultConfig allows nothing and disables writes.
func DefaultConfig() Config {
	return Config{MaxFileSize: DefaultMaxFileSize}
}

// ParseConfig decodes raw, applying defaults. JSON null yields DefaultConfig.
func ParseConfig(raw json.RawMessage) (Config, error) {
	cfg := DefaultConfig()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, domain.NewDomainError("filesystem.ParseConfig", domain.ErrConfigError, err.Error())
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	return cfg, nil
}

// Capability reads, writes and lists files under configured roots.
type Capability struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.RWMutex
	cfg   Config
	guard *security.PathGuard
}

// New creates the capability with an initial configuration; OnInit replaces
// it when the registry supplies one.
func New(cfg Config, backend Backend, logger *slog.Logger) *Capability {
	if backend == nil {
		backend = LocalBackend{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	return &Capability{
		backend: backend,
		logger:  logger,
		cfg:     cfg,
		guard:   security.NewPathGuard(cfg.AllowedPaths),
	}
}

// Config returns the active configuration.
func (c *Capability) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Capability) Manifest() domain.PluginManifest {
	return plugin.NewManifest(ID, "Filesystem", "Read, write, and list files on the local filesystem").
		Version(1, 0, 0).
		Author("Moxie AI", "").
		Category(domain.CategoryFilesystem).
		Keywords("files", "filesystem", "read", "write", "directory").
		ConfigField(plugin.NewConfigField("allowed_paths", domain.FieldPathArray).
			Label("Allowed Paths").
			Description("Directories the plugin can access").
			Required().
			Build()).
		ConfigField(plugin.NewConfigField("allow_write", domain.FieldBoolean).
			Label("Allow Write").
			Description("Enable file write operations").
			Default(false).
			Build()).
		ConfigField(plugin.NewConfigField("max_file_size", domain.FieldNumber).
			Label("Max File Size").
			Description("Maximum file size to read (in bytes)").
			Default(DefaultMaxFileSize).
			Build()).
		Build()
}

func (c *Capability) Tools() []domain.ToolDefinition {
	pathOnly := func(desc string) json.RawMessage {
		return plugin.NewSchema().Property("path", "string", desc, true).Build()
	}
	tools := []domain.ToolDefinition{
		domain.NewToolDefinition("read_file", "Read the contents of a file").
			WithParameters(pathOnly("The path to the file to read")).
			FromPlugin(ID),
		domain.NewToolDefinition("list_directory", "List files and directories in a path").
			WithParameters(pathOnly("The directory path to list")).
			FromPlugin(ID),
	}
	if c.Config().AllowWrite {
		tools = append(tools, domain.NewToolDefinition("write_file", "Write content to a file").
			WithParameters(plugin.NewSchema().
				Property("path", "string", "The path to write to", true).
				Property("content", "string", "The content to write", true).
				Build()).
			WithConfirmation().
			FromPlugin(ID))
	}
	return tools
}

// OnInit replaces the configuration when the registry supplies one.
func (c *Capability) OnInit(_ context.Context, pctx domain.PluginContext) error {
	if len(pctx.Config) == 0 || string(pctx.Config) == "null" {
		c.logger.Info("filesystem capability initialized", "allowed_paths", len(c.Config().AllowedPaths))
		return nil
	}
	cfg, err := ParseConfig(pctx.Config)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.guard = security.NewPathGuard(cfg.AllowedPaths)
	c.mu.Unlock()
	c.logger.Info("filesystem capability initialized",
		"allowed_paths", len(cfg.AllowedPaths), "allow_write", cfg.AllowWrite, "backend", c.backend.Name())
	return nil
}

type fileParams struct {
	Path    *string `json:"path"`
	Content *string `json:"content"`
}

func (c *Capability) Execute(ctx context.Context, tool string, args json.RawMessage) (*domain.ToolResult, error) {
	var p fileParams
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, domain.NewDomainError("filesystem.Execute", domain.ErrInvalidParameters, err.Error())
		}
	}

	switch tool {
	case "read_file":
		if p.Path == nil {
			return nil, domain.NewDomainError("filesystem.Execute", domain.ErrInvalidParameters, "path is required")
		}
		return c.readFile(*p.Path)
	case "write_file":
		if p.Path == nil {
			return nil, domain.NewDomainError("filesystem.Execute", domain.ErrInvalidParameters, "path is required")
		}
		if p.Content == nil {
			return nil, domain.NewDomainError("filesystem.Execute", domain.ErrInvalidParameters, "content is required")
		}
		return c.writeFile(*p.Path, *p.Content)
	case "list_directory":
		if p.Path == nil {
			return nil, domain.NewDomainError("filesystem.Execute", domain.ErrInvalidParameters, "path is required")
		}
		return c.listDirectory(*p.Path)
	default:
		return nil, domain.NewDomainError("filesystem.Execute", domain.ErrToolNotFound, tool)
	}
}

func (c *Capability) snapshot() (Config, *security.PathGuard) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.guard
}

func accessDenied(path string) *domain.ToolResult {
	return domain.Failure(fmt.Sprintf("Access denied: path '%s' is not in allowed paths", path))
}

func ioError(op string, err error) error {
	return domain.NewDomainError("filesystem."+op, domain.ErrIO, err.Error())
}

func (c *Capability) readFile(path string) (*domain.ToolResult, error) {
	cfg, guard := c.snapshot()
	resolved, err := guard.Resolve(path)
	if err != nil {
		return accessDenied(path), nil
	}

	info, err := c.backend.Stat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Failure("File not found: " + path), nil
	}
	if err != nil {
		return nil, ioError("readFile", err)
	}
	if info.IsDir() {
		return domain.Failure("Not a file: " + path), nil
	}
	if info.Size() > cfg.MaxFileSize {
		return domain.Failure(fmt.Sprintf("File too large: %d bytes (max: %d bytes)", info.Size(), cfg.MaxFileSize)), nil
	}

	data, err := c.backend.ReadFile(resolved)
	if err != nil {
		return nil, ioError("readFile", err)
	}
	if !utf8.Valid(data) {
		return domain.Failure("File is not valid UTF-8 text: " + path), nil
	}
	c.logger.Debug("file read", "path", resolved, "size", len(data))
	return domain.Success(map[string]any{
		"path":    path,
		"content": string(data),
		"size":    info.Size(),
	}), nil
}

func (c *Capability) writeFile(path, content string) (*domain.ToolResult, error) {
	cfg, guard := c.snapshot()
	if !cfg.AllowWrite {
		return domain.Failure("Write operations are disabled for this plugin"), nil
	}
	resolved, err := guard.Resolve(path)
	if err != nil {
		return accessDenied(path), nil
	}
	if int64(len(content)) > cfg.MaxFileSize {
		return domain.Failure(fmt.Sprintf("Content too large: %d bytes (max: %d bytes)", len(content), cfg.MaxFileSize)), nil
	}

	if err := c.backend.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, ioError("writeFile", err)
	}
	if err := c.backend.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, ioError("writeFile", err)
	}
	c.logger.Info("file written", "path", resolved, "size", len(content))
	return domain.Success(map[string]any{
		"path":          path,
		"bytes_written": len(content),
	}), nil
}

type entry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	IsFile bool   `json:"is_file"`
	IsDir  bool   `json:"is_dir"`
	Size   int64  `json:"size"`
}

func (c *Capability) listDirectory(path string) (*domain.ToolResult, error) {
	_, guard := c.snapshot()
	resolved, err := guard.Resolve(path)
	if err != nil {
		return accessDenied(path), nil
	}

	info, err := c.backend.Stat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Failure("Directory not found: " + path), nil
	}
	if err != nil {
		return nil, ioError("listDirectory", err)
	}
	if !info.IsDir() {
		return domain.Failure("Not a directory: " + path), nil
	}

	dirEntries, err := c.backend.ReadDir(resolved)
	if err != nil {
		return nil, ioError("listDirectory", err)
	}
	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := entry{
			Name:   de.Name(),
			Path:   filepath.Join(path, de.Name()),
			IsFile: de.Type().IsRegular(),
			IsDir:  de.IsDir(),
		}
		if fi, err := de.Info(); err == nil {
			e.Size = fi.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return domain.Success(map[string]any{
		"path":    path,
		"count":   len(entries),
		"entries": entries,
	}), nil
}
