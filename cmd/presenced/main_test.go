package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"run", "status", "typing", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "presenced "+version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestTypingRequiresConversation(t *testing.T) {
	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"typing"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestStatusRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.yaml")
	if err := os.WriteFile(path, []byte("server:\n  base_url: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--config", path})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "base_url") {
		t.Fatalf("Execute() error = %v, want base_url validation error", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("PRESENCE_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigName {
		t.Errorf("resolveConfigPath(\"\") = %q", got)
	}
	t.Setenv("PRESENCE_CONFIG", "/etc/presence.yaml")
	if got := resolveConfigPath(""); got != "/etc/presence.yaml" {
		t.Errorf("resolveConfigPath with env = %q", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("resolveConfigPath(custom) = %q", got)
	}
}
