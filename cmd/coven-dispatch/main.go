// ABOUTME: Entry point for the coven-dispatch task router
// ABOUTME: Subcommands run the server, write a starter config and query a running instance

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                          _ _               _       _
  ___ _____   _____ _ __              __| (_)___ _ __   __ _| |_ ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____ / _' | / __| '_ \ / _' | __/ __| '_ \
| (_| (_) \ V /  __/ | | |_____| (_| | \__ \ |_) | (_| | || (__| | | |
 \___\___/ \_/ \___|_| |_|      \__,_|_|___/ .__/ \__,_|\__\___|_| |_|
                                           |_|
`

// getConfigPath returns the path to the dispatch config file.
// Priority: COVEN_DISPATCH_CONFIG env var > XDG_CONFIG_HOME/coven/dispatch.yaml > ~/.config/coven/dispatch.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DISPATCH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "dispatch.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "dispatch.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-dispatch <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the dispatch server")
	fmt.Println("  init [--force]         Write a starter config file")
	fmt.Println("  health                 Check server readiness")
	fmt.Println("  agents [status]        List registered agents")
	fmt.Println("  tasks [status]         List tasks")
	fmt.Println("  stats                  Show routing statistics")
	fmt.Println("  sweep                  Route pending tasks and reclaim timed out ones")
	fmt.Println("  version                Print the version")
	fmt.Println()
	fmt.Println("Set COVEN_DISPATCH_SCOPE to query a scope other than \"default\".")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx, os.Args[2:])
	case "tasks":
		err = runTasks(ctx, os.Args[2:])
	case "stats":
		err = runStats(ctx)
	case "sweep":
		err = runSweep(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC health: %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:    %s\n", cfg.Database.Path)

	if cfg.Maintenance.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Sweeps:      route_pending=%q check_timeouts=%q\n", cfg.Maintenance.RoutePending, cfg.Maintenance.CheckTimeouts)
	}
	if cfg.Notifier.WebhooksEnabled {
		green.Print("    ▶ ")
		fmt.Print("Webhooks:    enabled")
		if cfg.Notifier.AllowPrivate {
			yellow.Print(" [private targets allowed]")
		}
		fmt.Println()
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:   ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-dispatch",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// runInit writes config.Template to the config path and prints a fresh
// maintenance secret to export.
func runInit(args []string) error {
	force := false
	for _, arg := range args {
		switch arg {
		case "--force", "-f":
			force = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	dbPath := filepath.Join(getDataPath(), "dispatch.db")
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.Template(dbPath)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating maintenance secret: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Database:       %s\n", dbPath)
	fmt.Println()
	yellow.Println("  Maintenance secret (referenced as ${COVEN_DISPATCH_SECRET}):")
	fmt.Printf("    export COVEN_DISPATCH_SECRET=%s\n", hex.EncodeToString(secret))
	fmt.Println()
	fmt.Println("  To start the server:")
	fmt.Println("    coven-dispatch serve")
	return nil
}
