package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/johnhnguyen97/moxie-ai/internal/adapter/llm"
	"github.com/johnhnguyen97/moxie-ai/internal/adapter/memory"
	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin/api"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func runDoctor() error {
	cfgPath := configPath()
	cfg, _, cfgErr := loadConfig(cfgPath)

	checks := []Check{
		{Name: "Config", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Providers", Fn: checkProviders},
		{Name: "Memory", Fn: checkMemory},
		{Name: "REST services", Fn: checkServices},
		{Name: "MCP servers", Fn: checkMCPServers},
	}
	if cfg == nil {
		checks = checks[:1]
	}
	return doctor(os.Stdout, cfg, checks)
}

func doctor(out io.Writer, cfg *config.Config, checks []Check) error {
	fmt.Fprintln(out, "moxie doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		fmt.Fprintf(out, "  [%s] %s: %s\n", result.Status, check.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func checkConfigFile(path string, loadErr error) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		if loadErr != nil {
			return CheckResult{Status: StatusFail, Message: loadErr.Error(), Fix: "Fix " + path + " and run doctor again"}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return CheckResult{Status: StatusWarn, Message: "no config file at " + path + ", using defaults"}
		}
		return CheckResult{Status: StatusPass, Message: "loaded " + path}
	}
}

// checkProviders lists models on every provider that supports it.
func checkProviders(cfg *config.Config) CheckResult {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	var ok, failed []string
	for _, pc := range cfg.LLM.Providers {
		p, err := llm.New(pc, quiet)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", pc.Name, err))
			continue
		}
		lister, isLister := p.(domain.ModelLister)
		if !isLister {
			ok = append(ok, pc.Name)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		models, err := lister.ListModels(ctx)
		cancel()
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", pc.Name, err))
			continue
		}
		ok = append(ok, fmt.Sprintf("%s (%d models)", pc.Name, len(models)))
	}

	switch {
	case len(cfg.LLM.Providers) == 0:
		return CheckResult{Status: StatusFail, Message: "no providers configured", Fix: "Add llm.providers to the config"}
	case len(failed) == 0:
		return CheckResult{Status: StatusPass, Message: strings.Join(ok, ", ")}
	case len(ok) == 0:
		return CheckResult{Status: StatusFail, Message: strings.Join(failed, "; "), Fix: "Check base_url and API keys"}
	default:
		return CheckResult{Status: StatusWarn, Message: "unreachable: " + strings.Join(failed, "; ")}
	}
}

func checkMemory(cfg *config.Config) CheckResult {
	store, err := memory.NewSQLiteStore(cfg.Memory.Path)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Make " + filepath.Dir(cfg.Memory.Path) + " writable"}
	}
	defer store.Close()

	convs, err := store.ListConversations(context.Background(), -1)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (%d conversations)", cfg.Memory.Path, len(convs))}
}

func checkServices(cfg *config.Config) CheckResult {
	if !cfg.Plugins.API.Enabled {
		return CheckResult{Status: StatusPass, Message: "api capability disabled"}
	}
	services, err := loadServices(cfg)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	if len(services) == 0 {
		return CheckResult{Status: StatusWarn, Message: "no services defined", Fix: "Set plugins.api.services_file"}
	}
	if _, err := api.New(api.Config{Services: services}); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d service(s)", len(services))}
}

func checkMCPServers(cfg *config.Config) CheckResult {
	m := cfg.Plugins.MCP
	if !m.Enabled || len(m.Servers) == 0 {
		return CheckResult{Status: StatusPass, Message: "no MCP servers configured"}
	}
	var missing []string
	for _, s := range m.Servers {
		if s.Transport != "stdio" {
			continue
		}
		if _, err := exec.LookPath(s.Command); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", s.Name, s.Command))
		}
	}
	if len(missing) > 0 {
		return CheckResult{Status: StatusWarn, Message: "commands not found: " + strings.Join(missing, ", ")}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d server(s)", len(m.Servers))}
}
