// Package main is the entry point for the Agent Gateway.
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

	"github.com/compresr/agent-gateway/internal/config"
	"github.com/compresr/agent-gateway/internal/gateway"
	"github.com/compresr/agent-gateway/internal/monitoring"
)

// Version is set at build time via ldflags.
var Version = "v0.1.0"

// ANSI color codes
const (
	accent = "\033[38;2;23;128;68m"
	bold   = "\033[1m"
	reset  = "\033[0m"
)

const banner = `
   ┌─┐┌─┐┌─┐┌┐┌┌┬┐  ┌─┐┌─┐┌┬┐┌─┐┬ ┬┌─┐┬ ┬
   ├─┤│ ┬├┤ │││ │   │ ┬├─┤ │ ├┤ │││├─┤└┬┘
   ┴ ┴└─┘└─┘┘└┘ ┴   └─┘┴ ┴ ┴ └─┘└┴┘┴ ┴ ┴
`

func printBanner() {
	fmt.Print(accent + bold + banner + reset + "\n")
}

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// Try loading from ~/.config/agent-gateway/.env first
	configEnv := filepath.Join(homeDir, ".config", "agent-gateway", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env (can override)
	_ = godotenv.Load()
}

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve", "start":
		runGatewayServer(args)
	case "example":
		if err := printExample(args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version", "-v", "--version":
		fmt.Printf("agent-gateway %s\n", Version)
	case "help", "-h", "--help":
		printHelp()
	default:
		// Bare flags mean serve.
		if len(cmd) > 0 && cmd[0] == '-' {
			runGatewayServer(os.Args[1:])
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
}

// resolveServeConfig resolves the config for the serve command.
// Checks: user flag -> filesystem locations -> embedded config.
// Returns raw bytes and source description.
func resolveServeConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	homeDir, _ := os.UserHomeDir()

	var searchPaths []string
	if homeDir != "" {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "agent-gateway", "config.yaml"))
	}
	searchPaths = append(searchPaths, "configs/config.yaml", "config.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	if data, err := getEmbeddedConfig("gateway"); err == nil {
		return data, "(embedded) gateway.yaml", nil
	}
	return nil, "", fmt.Errorf("no config file found. Specify --config path")
}

// runGatewayServer starts the gateway proxy server
func runGatewayServer(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	noBanner := fs.Bool("no-banner", false, "suppress startup banner")
	_ = fs.Parse(args) // ExitOnError handles errors

	if !*noBanner {
		printBanner()
	}

	configData, configSource, err := resolveServeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("No config file found. Specify --config path")
	}

	cfg, err := config.LoadFromBytes(configData)
	if err != nil {
		log.Fatal().Err(err).Str("config", configSource).Msg("failed to load configuration")
	}
	if *debug {
		cfg.Monitoring.LogLevel = "debug"
	}

	logger := monitoring.Global(monitoring.LoggerConfig{
		Level:  cfg.Monitoring.LogLevel,
		Format: cfg.Monitoring.LogFormat,
		Output: cfg.Monitoring.LogOutput,
	})
	gateway.Version = Version

	log.Info().
		Str("version", Version).
		Str("config", configSource).
		Int("port", cfg.Server.Port).
		Bool("dual_llm", cfg.DualLLM.Enabled).
		Bool("compress_tool_results", cfg.Features.CompressToolResults).
		Str("store", cfg.Store.Type).
		Msg("Agent Gateway starting")

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build gateway")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := gw.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway error")
	}

	log.Info().Msg("Agent Gateway stopped")
}

// printExample writes an embedded example config to stdout.
func printExample(args []string) error {
	names, err := listEmbeddedConfigs()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		fmt.Println("Available examples:")
		for _, n := range names {
			fmt.Printf("  %s\n", n)
		}
		return nil
	}
	data, err := getEmbeddedConfig(args[0])
	if err != nil {
		return fmt.Errorf("unknown example %q (available: %v)", args[0], names)
	}
	_, err = os.Stdout.Write(data)
	return err
}

// printHelp prints usage information
func printHelp() {
	printBanner()
	fmt.Println("Agent Gateway - policy-enforcing proxy for LLM agents")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  agent-gateway [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the gateway proxy server (default)")
	fmt.Println("  example      Print an embedded example config (gateway, policies)")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Server Options:")
	fmt.Println("  agent-gateway serve [--config FILE] [--debug] [--no-banner]")
	fmt.Println()
	fmt.Println("Routes:")
	fmt.Println("  POST /{provider}/{vendor path}   e.g. /openai/v1/chat/completions, /anthropic/v1/messages")
	fmt.Println("  GET  /health, /stats, /interactions")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  agent-gateway serve --config config.yaml")
	fmt.Println("  agent-gateway example policies > policies.yaml")
}
