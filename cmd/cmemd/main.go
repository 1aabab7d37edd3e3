// Package main is the entry point for the cmem memory worker daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/cmem-sh/cmem/internal/auth"
	"github.com/cmem-sh/cmem/internal/config"
	"github.com/cmem-sh/cmem/internal/contextpack"
	"github.com/cmem-sh/cmem/internal/memory"
	"github.com/cmem-sh/cmem/internal/monitoring"
	"github.com/cmem-sh/cmem/internal/queue"
	"github.com/cmem-sh/cmem/internal/search"
	"github.com/cmem-sh/cmem/internal/server"
	"github.com/cmem-sh/cmem/internal/sse"
	"github.com/cmem-sh/cmem/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// loadEnvFiles loads .env from ~/.cmem and the working directory.
func loadEnvFiles() {
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".cmem", ".env"))
	}
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			runServe(os.Args[2:])
			return
		case "token":
			runToken(os.Args[2:])
			return
		case "version", "-v", "--version":
			fmt.Printf("cmemd %s\n", Version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
	}
	runServe(nil)
}

// runToken prints the auth token, generating it on first use. Hooks call
// this to configure themselves.
func runToken(args []string) {
	loadEnvFiles()
	monitoring.Global(monitoring.LoggerConfig{Level: "error"})

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	token, err := auth.LoadOrCreateToken(cfg.TokenPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func runServe(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	level := "info"
	if *debug {
		level = "debug"
	}
	format := "json"
	// Interactive terminals get human-readable output.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		format = "console"
	}
	monitoring.Global(monitoring.LoggerConfig{Level: level, Format: format, Output: "stderr"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	token, err := auth.LoadOrCreateToken(cfg.TokenPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize auth token")
	}

	st, err := store.Open(cfg.DBPath, cfg.TokenPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer st.Close()

	broker := sse.NewBroker()

	llm := buildLLMClient(cfg)
	processor := memory.NewProcessor(st, broker, llm)
	engine := queue.NewEngine(st, broker, processor, queue.Config{
		StuckTimeout: cfg.StuckTimeout(),
	})
	if err := engine.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start queue engine")
	}

	searcher := search.New(st, cfg.DataDir)
	builder := contextpack.NewBuilder(st)
	builder.MaxTokens = cfg.ContextTokens

	srv := server.New(cfg, st, engine, searcher, builder, broker, token)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown error")
		}
		engine.Stop()
		broker.Stop()
	}()

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Bool("llm", llm != nil).
		Msg("cmemd starting")

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("cmemd stopped")
}

// buildLLMClient returns nil when no provider is usable, which puts the
// processor in passthrough mode.
func buildLLMClient(cfg *config.Config) memory.LLMClient {
	if cfg.Provider == "" {
		log.Warn().Msg("no LLM provider configured, observations will be stored uncompressed")
		return nil
	}
	if cfg.APIKey == "" && cfg.Provider != "bedrock" {
		log.Warn().Str("provider", cfg.Provider).Msg("no API key for provider, observations will be stored uncompressed")
		return nil
	}
	client, err := memory.NewProviderClient(cfg.Provider, cfg.Endpoint, cfg.APIKey, cfg.Model)
	if err != nil {
		log.Warn().Err(err).Str("provider", cfg.Provider).Msg("LLM provider unavailable, falling back to passthrough")
		return nil
	}
	return client
}

func printHelp() {
	fmt.Println("cmemd - persistent memory worker for coding assistants")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  cmemd [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the worker (default)")
	fmt.Println("  token        Print the auth token, generating it if needed")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Serve options:")
	fmt.Println("  cmemd serve [--debug]")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CMEM_PORT, CMEM_HOST, CMEM_DATA_DIR, CMEM_DB_PATH,")
	fmt.Println("  CMEM_MODEL, CMEM_CONTEXT_TOKENS, CMEM_LLM_PROVIDER,")
	fmt.Println("  CMEM_API_KEY (or ANTHROPIC_API_KEY / OPENAI_API_KEY / GEMINI_API_KEY)")
}
