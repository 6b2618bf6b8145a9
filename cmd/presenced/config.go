package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/presence/internal/config"
	"github.com/haasonsaas/presence/internal/observability"
)

const defaultConfigName = "presence.yaml"

func defaultConfigPath() string {
	if env := strings.TrimSpace(os.Getenv("PRESENCE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

// resolveConfigPath falls back to the default when no path was given.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" {
		return defaultConfigPath()
	}
	return path
}

// loadConfig loads the config and installs the configured logger as default.
func loadConfig(path string, debug bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
