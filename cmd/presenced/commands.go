package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildRunCmd creates the "run" command that starts the daemon.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the presence daemon",
		Long: `Run the presence daemon in the foreground.

The daemon signs in, marks the user online and starts the heartbeat and push
channel. Process signals drive the application lifecycle:

  SIGUSR1   app moved to the background (status away)
  SIGUSR2   app returned to the foreground (status online)
  SIGHUP    re-read credentials, then log out and back in
  SIGINT    terminate (status offline)
  SIGTERM   terminate (status offline)`,
		Example: `  # Start with default config
  presenced run

  # Start with a custom config and debug logging
  presenced run --config /etc/presence/presence.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status [userId...]",
		Short: "Fetch and print presence",
		Long:  "Fetch presence from the server once and print it. Without arguments every visible user is listed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, resolveConfigPath(configPath), args, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

// buildTypingCmd creates the "typing" command.
func buildTypingCmd() *cobra.Command {
	var (
		configPath string
		stop       bool
	)

	cmd := &cobra.Command{
		Use:   "typing <conversationId>",
		Short: "Publish a typing indicator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTyping(cmd, resolveConfigPath(configPath), args[0], !stop)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVar(&stop, "stop", false, "Clear the indicator instead of setting it")
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "presenced %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}
