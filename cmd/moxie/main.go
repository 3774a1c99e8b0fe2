package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/johnhnguyen97/moxie-ai/internal/adapter/httpapi"
	"github.com/johnhnguyen97/moxie-ai/internal/adapter/llm"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/logger"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/tracer"
	"github.com/johnhnguyen97/moxie-ai/internal/usecase"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := "serve"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	case "version":
		fmt.Println("moxie", version)
		return
	case "serve":
		err = run()
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "plugins":
		err = runPlugins(os.Args[2:])
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'moxie --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`moxie - local-first AI assistant with pluggable tools

USAGE:
    moxie [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP API (default)
    plugins     Inspect capabilities
                Subcommands: list, validate <services.yaml>
    doctor      Check configuration, providers and storage
    encrypt     Encrypt a secret for the config file (needs MOXIE_CONFIG_KEY)
    version     Print the version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file (default: ./config.yaml, or MOXIE_CONFIG)

ENVIRONMENT:
    HOST, PORT, OLLAMA_URL, OPENAI_API_KEY, GROQ_API_KEY and MOXIE_* override the config file.`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("MOXIE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadConfig reads the server config and layers the optional TOML client
// config over it.
func loadConfig(path string) (*config.Config, *config.ClientConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ClientConfig == "" {
		return cfg, nil, nil
	}
	cc, err := config.LoadClientConfig(cfg.ClientConfig)
	if err != nil {
		return nil, nil, err
	}
	config.ApplyClient(cfg, cc)
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, cc, nil
}

func run() error {
	// 1. Config
	cfg, cc, err := loadConfig(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Audit
	audit, err := initAudit(cfg, log)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if audit != nil {
		defer audit.Close()
	}

	// 4. LLM providers
	providers, err := llm.FromConfig(cfg.LLM, logger.Component(log, "llm"))
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 5. Memory
	store, err := initMemory(cfg)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	defer store.Close()

	// 6. Capabilities
	registry, err := initPlugins(ctx, cfg, cc, audit, log)
	if err != nil {
		return fmt.Errorf("plugins: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = registry.ShutdownAll(shutdownCtx)
	}()

	// 7. Chat engine
	var prompts *usecase.PromptManager
	if cfg.Chat.PromptsDir != "" {
		prompts = usecase.NewPromptManager(cfg.Chat.PromptsDir)
	}
	engine := usecase.NewChatEngine(usecase.ChatEngineConfig{
		Providers:           providers,
		Tools:               registry,
		Memory:              store,
		Prompts:             prompts,
		Logger:              log,
		MaxIterations:       cfg.Chat.MaxIterations,
		SystemPrompt:        cfg.Chat.SystemPrompt,
		DefaultProvider:     cfg.Chat.DefaultProvider,
		DefaultModel:        cfg.Chat.DefaultModel,
		PersistToolMessages: cfg.Chat.PersistToolMessages,
		LogToolCalls:        cfg.Chat.LogToolCalls,
	})

	// 8. Retention
	if r := cfg.Memory.Retention; r.Enabled {
		var auditPruner usecase.AuditPruner
		if audit != nil {
			auditPruner = audit
		}
		job := usecase.NewRetentionJob(store, auditPruner, r.MaxAge, log)
		if err := job.Start(ctx, r.Schedule); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		defer job.Stop()
	}

	// 9. HTTP
	deps := httpapi.Deps{
		Chat:      engine,
		Plugins:   registry,
		Memory:    store,
		Providers: providers,
		Version:   version,
	}
	if audit != nil {
		deps.Audit = audit
	}
	srv := httpapi.NewServer(cfg.Server, deps, log)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	log.Info("moxie started",
		"addr", srv.BoundAddr(),
		"version", version,
		"providers", providers.Names(),
		"plugins", registry.Len(),
		"tools", len(registry.AllTools()),
		"memory", cfg.Memory.Path,
		"audit", audit != nil,
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("http shutdown error", "error", err)
	}
	return nil
}

// runEncrypt prints the enc: form of each argument, or of stdin's first line.
func runEncrypt(args []string) error {
	passphrase := os.Getenv("MOXIE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("MOXIE_CONFIG_KEY is not set")
	}
	if len(args) == 0 {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		args = []string{line}
	}
	for _, a := range args {
		out, err := config.EncryptValue(a, passphrase)
		if err != nil {
			return err
		}
		fmt.Println("enc:" + out)
	}
	return nil
}
