package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error, the defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWGATE_STATE_DIR", &c.Gateway.StateDir)
	envStr("CLAWGATE_DEDUPE_MODE", &c.Gateway.DedupeMode)
	envStr("CLAWGATE_AGENT_COMMAND", &c.Agent.Command)
	envStr("CLAWGATE_WORKSPACE", &c.Agent.Workspace)
	envStr("CLAWGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CLAWGATE_WEBCHAT_HOST", &c.Channels.Webchat.Host)
	envStr("CLAWGATE_RESUME_COMMAND", &c.Proxy.ResumeCommand)

	if v := os.Getenv("CLAWGATE_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Gateway.QueueCapacity = n
		}
	}
	if v := os.Getenv("CLAWGATE_WEBCHAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Channels.Webchat.Port = port
		}
	}

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
}

// Watch logs a notice when the config file changes on disk. The running
// process keeps its loaded config; the notice tells the operator a restart
// is needed. The watch is advisory: setup failures are logged and the
// gateway runs without it. Returns nil when ctx is cancelled.
func Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
		return nil
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which drops a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("config watch unavailable", "path", path, "error", err)
		return nil
	}

	name := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				slog.Info("config file changed, restart to apply", "path", path)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", werr)
		}
	}
}
