package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/johnhnguyen97/moxie-ai/internal/adapter/memory"
	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/logger"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin/api"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin/filesystem"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin/mcp"
	"github.com/johnhnguyen97/moxie-ai/internal/security"
)

// initAudit opens the audit log when a path is configured; nil otherwise.
func initAudit(cfg *config.Config, log *slog.Logger) (*security.FileAuditLogger, error) {
	if cfg.Plugins.AuditLogPath == "" {
		return nil, nil
	}
	a, err := security.NewFileAuditLogger(cfg.Plugins.AuditLogPath)
	if err != nil {
		return nil, err
	}
	log.Info("audit log enabled", "path", cfg.Plugins.AuditLogPath)
	return a, nil
}

func initMemory(cfg *config.Config) (*memory.SQLiteStore, error) {
	return memory.NewSQLiteStore(cfg.Memory.Path)
}

func registryOptions(cfg *config.Config, audit *security.FileAuditLogger) []plugin.Option {
	policy := plugin.CategoryPolicy{}
	for _, c := range cfg.Plugins.AllowedCategories {
		policy.Allowed = append(policy.Allowed, domain.Category(c))
	}
	for _, c := range cfg.Plugins.DeniedCategories {
		policy.Denied = append(policy.Denied, domain.Category(c))
	}

	opts := []plugin.Option{
		plugin.WithDataDir(cfg.Plugins.DataDir),
		plugin.WithDebug(cfg.Debug),
		plugin.WithCategoryPolicy(policy),
		plugin.WithConfirmationRequired(cfg.Plugins.RequireConfirmationFor...),
	}
	if cfg.Plugins.ValidateArguments {
		opts = append(opts, plugin.WithArgumentValidation())
	}
	if audit != nil {
		opts = append(opts, plugin.WithAuditLogger(audit))
	}
	return opts
}

// buildCapabilities constructs the enabled built-in capabilities together
// with the configuration each receives at init.
func buildCapabilities(cfg *config.Config, cc *config.ClientConfig, log *slog.Logger) ([]domain.Capability, []any, error) {
	var (
		caps    []domain.Capability
		configs []any
	)

	if fs := cfg.Plugins.Filesystem; fs.Enabled {
		fsCfg := filesystem.Config{AllowedPaths: fs.AllowedPaths, AllowWrite: fs.AllowWrite, MaxFileSize: fs.MaxFileSize}
		caps = append(caps, filesystem.New(fsCfg, nil, logger.Component(log, "filesystem")))
		configs = append(configs, fsCfg)
	}

	if cfg.Plugins.API.Enabled {
		services, err := loadServices(cfg)
		if err != nil {
			return nil, nil, err
		}
		cb := cfg.LLM.CircuitBreaker
		apiCfg := api.Config{Services: services}
		a, err := api.New(apiCfg,
			api.WithLogger(logger.Component(log, "api")),
			api.WithBreaker(api.BreakerSettings{MaxFailures: cb.MaxFailures, Timeout: cb.Timeout, Interval: cb.Interval}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("api capability: %w", err)
		}
		caps = append(caps, a)
		configs = append(configs, apiCfg)
	}

	if m := cfg.Plugins.MCP; m.Enabled {
		servers := append([]config.MCPServer{}, m.Servers...)
		if cc != nil {
			var extra struct {
				Servers []config.MCPServer `toml:"servers"`
			}
			if err := cc.CustomPluginConfig("mcp", &extra); err == nil {
				servers = append(servers, extra.Servers...)
			}
		}
		if len(servers) > 0 {
			mcpCfg := mcp.Config{Servers: servers, CallTimeoutSeconds: int(m.CallTimeout.Seconds())}
			caps = append(caps, mcp.New(mcpCfg, mcp.WithLogger(logger.Component(log, "mcp"))))
			configs = append(configs, mcpCfg)
		}
	}
	return caps, configs, nil
}

// loadServices merges the services file with service.yaml files found under
// the plugin directories.
func loadServices(cfg *config.Config) ([]api.Service, error) {
	var services []api.Service
	if path := cfg.Plugins.API.ServicesFile; path != "" {
		s, err := api.LoadServicesFile(path)
		if err != nil {
			return nil, err
		}
		services = append(services, s...)
	}
	discovered, err := api.DiscoverServices(cfg.Plugins.Dirs)
	if err != nil {
		return nil, err
	}
	return append(services, discovered...), nil
}

// initPlugins registers and initializes every enabled capability.
func initPlugins(ctx context.Context, cfg *config.Config, cc *config.ClientConfig, audit *security.FileAuditLogger, log *slog.Logger) (*plugin.Registry, error) {
	reg := plugin.NewRegistry(logger.Component(log, "registry"), registryOptions(cfg, audit)...)

	caps, configs, err := buildCapabilities(cfg, cc, log)
	if err != nil {
		return nil, err
	}
	for i, c := range caps {
		raw, err := json.Marshal(configs[i])
		if err != nil {
			return nil, fmt.Errorf("encode %s config: %w", c.Manifest().ID, err)
		}
		if err := reg.RegisterWithConfig(c, raw); err != nil {
			return nil, err
		}
	}
	if err := reg.InitAll(ctx); err != nil {
		return nil, err
	}
	return reg, nil
}
