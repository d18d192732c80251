// Package config loads gateway configuration from a JSON5 file with
// environment variable overlays. File values override defaults, env vars
// override both.
package config

import (
	"os"
	"time"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Proxy     ProxyConfig     `json:"proxy"`
	RateLimit RateLimitConfig `json:"rateLimit"`
}

// GatewayConfig controls state location and follow-up queue behavior.
type GatewayConfig struct {
	// StateDir holds the restart handoff snapshot and proxy session bindings.
	StateDir string `json:"stateDir"`
	// QueueCapacity bounds each per-session follow-up queue. Zero means the
	// built-in default.
	QueueCapacity int `json:"queueCapacity"`
	// DedupeMode is one of "message-id", "prompt", "none".
	DedupeMode string `json:"dedupeMode"`
}

// AgentConfig describes how agent turns are invoked.
type AgentConfig struct {
	// Command is the agent binary run per turn.
	Command string `json:"command"`
	// Workspace is the agent working directory, also where the follow-up
	// inbox file lands while a run is draining.
	Workspace string `json:"workspace"`
	// TimeoutSec caps one agent turn. Zero disables the cap.
	TimeoutSec int `json:"timeoutSec"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Webchat  WebchatConfig  `json:"webchat"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type WebchatConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// ProxyConfig tunes the interactive session router.
type ProxyConfig struct {
	// ResumeCommand is the CLI used for resume-mode sessions.
	ResumeCommand string `json:"resumeCommand"`
	// Tmux reply-wait timing, in seconds.
	InitialGraceSec int `json:"initialGraceSec"`
	PollIntervalSec int `json:"pollIntervalSec"`
	MaxWaitSec      int `json:"maxWaitSec"`
	StableForSec    int `json:"stableForSec"`
}

// RateLimitConfig bounds outbound deliveries per chat.
type RateLimitConfig struct {
	// MessagesPerMinute per chat. Zero means the built-in default.
	MessagesPerMinute int `json:"messagesPerMinute"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			StateDir:   "~/.clawgate/state",
			DedupeMode: "message-id",
		},
		Agent: AgentConfig{
			Command:   "claude",
			Workspace: "~/.clawgate/workspace",
		},
		Channels: ChannelsConfig{
			Webchat: WebchatConfig{
				Host: "127.0.0.1",
				Port: 18790,
			},
		},
		Proxy: ProxyConfig{
			ResumeCommand:   "claude",
			InitialGraceSec: 3,
			PollIntervalSec: 1,
			MaxWaitSec:      90,
			StableForSec:    4,
		},
		RateLimit: RateLimitConfig{
			MessagesPerMinute: 20,
		},
	}
}

// StateDirPath returns the expanded state directory.
func (c *Config) StateDirPath() string {
	return ExpandHome(c.Gateway.StateDir)
}

// WorkspacePath returns the expanded agent workspace.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agent.Workspace)
}

// AgentTimeout returns the per-turn cap as a duration, zero when disabled.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSec) * time.Second
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
