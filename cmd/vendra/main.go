// Vendra is a conversational sales assistant for Shopify stores.
//
// It exposes an HTTP API for session-based chat: each customer message
// runs through an agent loop that can search the catalog, check stock,
// and build a cart before answering. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	vendra serve             Start the API server
//	vendra ask <question>    Ask a single question (for testing)
//	vendra version           Print version and build information
//	vendra -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vendra-ai/vendra/internal/agent"
	"github.com/vendra-ai/vendra/internal/api"
	"github.com/vendra-ai/vendra/internal/buildinfo"
	"github.com/vendra-ai/vendra/internal/config"
	"github.com/vendra-ai/vendra/internal/events"
	"github.com/vendra-ai/vendra/internal/history"
	"github.com/vendra-ai/vendra/internal/llm"
	"github.com/vendra-ai/vendra/internal/shopify"
	"github.com/vendra-ai/vendra/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the vendra command. All OS-level
// dependencies are injected as parameters so tests can drive the full
// lifecycle. Arguments are parsed by hand: the flag package relies on
// package-level globals, which interferes with parallel tests, and the
// argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: vendra ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Vendra - Conversational Sales Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vendra [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/vendra/config.yaml, /etc/vendra/config.yaml")
	return nil
}

// runAsk boots a minimal assistant against a throwaway session and
// processes a single question. Useful for smoke tests without starting
// the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	deps, err := buildAssistant(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.store.Close()

	sess, err := deps.store.CreateSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	result, err := deps.agent.ProcessMessage(ctx, sess.ID, strings.Join(args, " "))
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, result.Content)
	return nil
}

// runServe is the primary operating mode: load config, open the
// history database, wire the storefront tools and the agent loop, start
// the API server, and block until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Vendra",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level, "text")
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"provider", cfg.Models.Provider,
	)

	deps, err := buildAssistant(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.store.Close()

	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, deps.agent, deps.store, deps.bus, logger)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Vendra stopped")
	return nil
}

// assistant bundles the wired components shared by serve and ask.
type assistant struct {
	store *history.Store
	agent *agent.Agent
	bus   *events.Bus
}

// buildAssistant opens storage and constructs the model client, tool
// registry, compactor, and agent from config.
func buildAssistant(cfg *config.Config, logger *slog.Logger) (*assistant, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := cfg.History.DBPath
	if dbPath == "" {
		dbPath = cfg.DataDir + "/vendra.db"
	}
	store, err := history.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database %s: %w", dbPath, err)
	}
	logger.Info("history database opened", "path", dbPath)

	llmClient, err := createLLMClient(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	var summarizer history.Summarizer
	if cfg.History.Summarizer == "llm" {
		summarizer = &history.LLMSummarizer{Client: llmClient, Model: cfg.Models.Default}
	}
	compactor := history.NewCompactor(store, summarizer, cfg.History.CompactAfter, cfg.History.KeepRecent, logger)

	bus := events.New()
	registry := tools.NewRegistry()

	if cfg.Shopify.StoreDomain != "" {
		sf := shopify.New(cfg.Shopify.StoreDomain, cfg.Shopify.StorefrontToken,
			shopify.WithTimeout(time.Duration(cfg.Shopify.TimeoutSec)*time.Second),
			shopify.WithLogger(logger),
		)
		tools.RegisterCommerceTools(registry, sf, bus, store)
		logger.Info("storefront configured", "store", cfg.Shopify.StoreDomain, "tools", len(registry.Names()))
	} else {
		logger.Warn("storefront not configured - commerce tools disabled")
	}

	systemPrompt := ""
	if cfg.Agent.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("read system prompt %s: %w", cfg.Agent.SystemPromptFile, err)
		}
		systemPrompt = string(data)
	}

	ag := agent.New(logger, llmClient, cfg.Agent, cfg.Models.Default, store, compactor, registry, bus, systemPrompt)

	return &assistant{store: store, agent: ag, bus: bus}, nil
}

// createLLMClient builds the inference client for the configured
// provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch cfg.Models.Provider {
	case "anthropic", "":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider selected but anthropic.api_key is not set")
		}
		return llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Models.MaxTokens, logger), nil
	case "ollama":
		return llm.NewOllamaClient(cfg.Models.OllamaURL), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q (expected anthropic or ollama)", cfg.Models.Provider)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
