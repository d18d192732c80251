package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgate/internal/channels/webchat"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/followup"
	"github.com/nextlevelbuilder/clawgate/internal/proxysession"
)

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	stateDir := cfg.StateDirPath()
	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(stateDir, 0755)
	os.MkdirAll(workspace, 0755)

	// Core components
	msgBus := bus.New()

	queueStore := followup.NewStore(stateDir)
	settings := followup.EnqueueSettings{
		Capacity: cfg.Gateway.QueueCapacity,
		Mode:     followup.NormalizeDedupeMode(cfg.Gateway.DedupeMode),
	}

	invoker := dispatch.NewCLIInvoker(cfg.Agent.Command, workspace, cfg.AgentTimeout())
	dispatcher := dispatch.New(queueStore, invoker, msgBus, settings)
	dispatcher.SetWorkspace(workspace)

	// Interactive session router: binds chats to tmux or resume sessions.
	proxyStore := proxysession.NewStateStore(filepath.Join(stateDir, "proxy-sessions.json"))
	proxyRouter := proxysession.NewRouter(proxyStore, proxysession.ExecTmux{}, proxysession.NewCLIResume(cfg.Proxy.ResumeCommand))
	proxyRouter.SetWaitConfig(proxysession.WaitConfig{
		InitialGrace: time.Duration(cfg.Proxy.InitialGraceSec) * time.Second,
		PollInterval: time.Duration(cfg.Proxy.PollIntervalSec) * time.Second,
		MaxWait:      time.Duration(cfg.Proxy.MaxWaitSec) * time.Second,
		StableFor:    time.Duration(cfg.Proxy.StableForSec) * time.Second,
	})

	// Channel manager
	channelMgr := channels.NewManager(msgBus, channels.NewChatLimiter(cfg.RateLimit.MessagesPerMinute))

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			channelMgr.RegisterChannel("telegram", tg)
			slog.Info("telegram channel enabled")
		}
	}
	if cfg.Channels.Webchat.Enabled {
		channelMgr.RegisterChannel("webchat", webchat.New(cfg.Channels.Webchat, msgBus))
		slog.Info("webchat channel enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	slog.Info("clawgate gateway starting",
		"version", Version,
		"state_dir", stateDir,
		"workspace", workspace,
		"channels", channelMgr.EnabledChannels(),
	)

	// Re-submit any follow-ups the previous process left behind.
	dispatcher.ReplayHandoff(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		consumeInboundMessages(gctx, msgBus, proxyRouter, dispatcher)
		return nil
	})
	g.Go(func() error {
		return config.Watch(gctx, cfgPath)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("graceful shutdown initiated", "signal", sig)
		case <-gctx.Done():
		}

		// Stop listening, then snapshot queued work before the process dies.
		channelMgr.StopAll(context.Background())
		queueStore.SaveRestartHandoff()
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
	slog.Info("clawgate gateway stopped")
}
