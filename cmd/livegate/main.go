package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antoniostano/livegate/internal/config"
	"github.com/antoniostano/livegate/internal/gateway"
	"github.com/antoniostano/livegate/internal/httpapi"
	"github.com/antoniostano/livegate/internal/livechat"
	"github.com/antoniostano/livegate/internal/logging"
	"github.com/antoniostano/livegate/internal/observability"
	"github.com/antoniostano/livegate/internal/session"
	"github.com/antoniostano/livegate/internal/transcript"
	"github.com/antoniostano/livegate/internal/upstream"
)

var (
	configPath string
	bindAddr   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "livegate",
	Short: "Per-client session gateway between UI clients and a live generation service",
	Long: `livegate accepts websocket clients on /ws/{client_id}, opens one upstream
streaming session per client and relays audio, images, text and live chat
between them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := logging.Initialize(logging.Config{
			Level:     cfg.LogLevel,
			JSON:      cfg.LogFormat == "json",
			File:      cfg.LogFile,
			MaxSizeMB: cfg.LogFileMaxMB,
		}); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		defer logging.Close()
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (environment variables override it)")
	rootCmd.Flags().StringVar(&bindAddr, "bind", "", "listen address, overrides APP_BIND_ADDR")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error; overrides LOG_LEVEL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "livegate: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	if v := strings.TrimSpace(bindAddr); v != "" {
		cfg.BindAddr = v
	}
	if v := strings.TrimSpace(logLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	return cfg, nil
}

func serve(parent context.Context, cfg config.Config) error {
	logger := logging.WithComponent("main")
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.UpstreamConfigured() {
		logger.Warn("GEMINI_API_KEY is not set; sessions will fail to connect upstream")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("transcript store init failed: %w", err)
	}
	transcripts := transcript.NewRecorder(store, logging.WithComponent("transcript"))
	defer transcripts.Close()

	var chat livechat.Source
	if strings.TrimSpace(cfg.YouTubeAPIKey) != "" {
		chat = livechat.NewYouTubeSource(livechat.YouTubeConfig{
			APIKey:          cfg.YouTubeAPIKey,
			BaseURL:         cfg.YouTubeAPIBaseURL,
			MinPollInterval: cfg.YouTubeMinPollInterval,
			Logger:          logging.WithComponent("livechat"),
		})
		logger.Info("live chat source: youtube")
	} else {
		logger.Info("live chat source: disabled (no YOUTUBE_API_KEY)")
	}

	upstreamCfg := upstream.Config{
		URL:              cfg.GeminiWSURL,
		APIKey:           cfg.GeminiAPIKey,
		Model:            cfg.GeminiModel,
		DefaultVoice:     cfg.DefaultVoice,
		HandshakeTimeout: cfg.GeminiHandshakeTimeout,
		Logger:           logging.WithComponent("upstream"),
	}
	manager := gateway.NewManager(gateway.Config{
		IdleThreshold: cfg.IdleThreshold,
		IdleTick:      cfg.IdleTick,
		ProactiveTick: cfg.ProactiveTick,
		Proactive: session.ProactivePolicy{
			ImageFreshness: cfg.ProactiveImageFreshness,
			ChatQuiet:      cfg.ProactiveChatQuiet,
			Cooldown:       cfg.ProactiveCooldown,
		},
		ProactivePrompt: cfg.ProactivePrompt,
		ChatStopTimeout: cfg.ChatWatcherStopTimeout,
		ChatMaxChars:    cfg.ChatMaxChars,
		TeardownTimeout: cfg.TeardownTimeout,
		DefaultVoice:    cfg.DefaultVoice,
	}, gateway.Deps{
		NewUpstream: func() gateway.Upstream { return upstream.NewBridge(upstreamCfg) },
		ChatSource:  chat,
		Transcripts: transcripts,
		Metrics:     metrics,
		Logger:      logging.Get(),
	})

	api := httpapi.New(cfg, manager, transcripts, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by http.Server, so end
	// the sessions explicitly before draining plain requests.
	manager.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
	return nil
}
