// Package main provides the presenced CLI: a presence daemon for one signed-in
// device and a few one-shot commands against the presence API.
//
// # Basic Usage
//
// Run the daemon:
//
//	presenced run --config presence.yaml
//
// Query presence once:
//
//	presenced status alice bob
//
// Publish a typing indicator:
//
//	presenced typing conv-42
//	presenced typing conv-42 --stop
//
// # Environment Variables
//
//   - PRESENCE_CONFIG: Path to configuration file (default: presence.yaml)
//   - PRESENCE_TOKEN: conventionally referenced from the config as ${PRESENCE_TOKEN}
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "presenced",
		Short: "Presence and typing sync daemon",
		Long: `presenced keeps this device's presence in sync with the presence server.

It publishes the local status on a heartbeat, listens for remote presence and
typing changes on a websocket push channel, and reconciles with a full fetch
whenever the channel reconnects.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildStatusCmd(),
		buildTypingCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
