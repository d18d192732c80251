package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.DedupeMode != "message-id" {
		t.Errorf("dedupe mode = %q, want default", cfg.Gateway.DedupeMode)
	}
	if cfg.Proxy.MaxWaitSec != 90 {
		t.Errorf("max wait = %d, want default 90", cfg.Proxy.MaxWaitSec)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// JSON5: comments and trailing commas are fine.
	body := `{
  // local test config
  gateway: { stateDir: "/tmp/state", queueCapacity: 3, dedupeMode: "prompt", },
  channels: { telegram: { enabled: true, token: "tg-token" } },
}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.StateDir != "/tmp/state" || cfg.Gateway.QueueCapacity != 3 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.DedupeMode != "prompt" {
		t.Errorf("dedupe mode = %q", cfg.Gateway.DedupeMode)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
	// Untouched sections keep defaults.
	if cfg.Agent.Command != "claude" {
		t.Errorf("agent command = %q", cfg.Agent.Command)
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{gateway: {dedupeMode: "prompt"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLAWGATE_DEDUPE_MODE", "none")
	t.Setenv("CLAWGATE_TELEGRAM_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.DedupeMode != "none" {
		t.Errorf("dedupe mode = %q, env must win", cfg.Gateway.DedupeMode)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when a token arrives via env")
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("token = %q", cfg.Channels.Telegram.Token)
	}
}

func TestWatch_UnwatchablePathIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The config directory does not exist, so the watch cannot be set up.
	// That must not bring the gateway down.
	path := filepath.Join(t.TempDir(), "no-such-dir", "config.json")
	if err := Watch(ctx, path); err != nil {
		t.Errorf("watch on unwatchable path = %v, want nil", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in, want string
	}{
		{"~/state", home + "/state"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
