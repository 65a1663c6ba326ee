package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultGeminiWSURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	DefaultYouTubeURL  = "https://www.googleapis.com/youtube/v3"

	// DefaultProactivePrompt nudges the model to open a short conversation about the shared screen.
	DefaultProactivePrompt = "Based on the current screen, start a casual chat in one or two short sentences " +
		"about what the user is doing right now. Keep it friendly, short and relaxed, in the same persona tone as before."
)

// Config contains all runtime settings for the live gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	TeardownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	GeminiAPIKey           string
	GeminiWSURL            string
	GeminiModel            string
	GeminiHandshakeTimeout time.Duration
	DefaultVoice           string

	IdleThreshold           time.Duration
	IdleTick                time.Duration
	ProactiveTick           time.Duration
	ProactiveImageFreshness time.Duration
	ProactiveChatQuiet      time.Duration
	ProactiveCooldown       time.Duration
	ProactivePrompt         string

	ChatWatcherStopTimeout time.Duration
	ChatMaxChars           int

	YouTubeAPIKey          string
	YouTubeAPIBaseURL      string
	YouTubeMinPollInterval time.Duration

	DatabaseURL string

	LogLevel     string
	LogFormat    string
	LogFile      string
	LogFileMaxMB int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile reads an optional YAML file of KEY: value settings (same keys as the
// environment variables) and then applies environment overrides on top.
func LoadFile(path string) (Config, error) {
	src := source{file: map[string]string{}}
	if strings.TrimSpace(path) != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	cfg := Config{
		BindAddr:               src.orDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:       src.orDefault("APP_METRICS_NAMESPACE", "livegate"),
		GeminiAPIKey:           src.get("GEMINI_API_KEY"),
		GeminiWSURL:            src.orDefault("GEMINI_WS_URL", DefaultGeminiWSURL),
		GeminiModel:            src.orDefault("GEMINI_MODEL", "gemini-2.0-flash-exp"),
		DefaultVoice:           src.orDefault("GEMINI_DEFAULT_VOICE", "Puck"),
		ProactivePrompt:        src.orDefault("PROACTIVE_PROMPT", DefaultProactivePrompt),
		YouTubeAPIKey:          src.get("YOUTUBE_API_KEY"),
		YouTubeAPIBaseURL:      src.orDefault("YOUTUBE_API_BASE_URL", DefaultYouTubeURL),
		DatabaseURL:            src.get("DATABASE_URL"),
		LogLevel:               strings.ToLower(src.orDefault("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(src.orDefault("LOG_FORMAT", "text")),
		LogFile:                src.get("LOG_FILE"),
		LogFileMaxMB:           10,
		ChatMaxChars:           500,
		ShutdownTimeout:        15 * time.Second,
		TeardownTimeout:        5 * time.Second,
		GeminiHandshakeTimeout: 10 * time.Second,
		// Idle and proactive windows mirror the client UX: 10s of silence unlocks
		// chat replies, screen nudges at most every 30s.
		IdleThreshold:           10 * time.Second,
		IdleTick:                time.Second,
		ProactiveTick:           2 * time.Second,
		ProactiveImageFreshness: 5 * time.Second,
		ProactiveChatQuiet:      20 * time.Second,
		ProactiveCooldown:       30 * time.Second,
		ChatWatcherStopTimeout:  2 * time.Second,
		YouTubeMinPollInterval:  2 * time.Second,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_TEARDOWN_TIMEOUT", &cfg.TeardownTimeout},
		{"GEMINI_HANDSHAKE_TIMEOUT", &cfg.GeminiHandshakeTimeout},
		{"SESSION_IDLE_THRESHOLD", &cfg.IdleThreshold},
		{"SESSION_IDLE_TICK", &cfg.IdleTick},
		{"PROACTIVE_TICK", &cfg.ProactiveTick},
		{"PROACTIVE_IMAGE_FRESHNESS", &cfg.ProactiveImageFreshness},
		{"PROACTIVE_CHAT_QUIET", &cfg.ProactiveChatQuiet},
		{"PROACTIVE_COOLDOWN", &cfg.ProactiveCooldown},
		{"CHAT_WATCHER_STOP_TIMEOUT", &cfg.ChatWatcherStopTimeout},
		{"YOUTUBE_MIN_POLL_INTERVAL", &cfg.YouTubeMinPollInterval},
	}
	for _, d := range durations {
		*d.dst, err = src.duration(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		if *d.dst <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
	}

	cfg.ChatMaxChars, err = src.int("CHAT_MAX_CHARS", cfg.ChatMaxChars)
	if err != nil {
		return Config{}, err
	}
	cfg.LogFileMaxMB, err = src.int("LOG_FILE_MAX_MB", cfg.LogFileMaxMB)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = src.bool("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.ChatWatcherStopTimeout > 10*time.Second {
		return Config{}, fmt.Errorf("CHAT_WATCHER_STOP_TIMEOUT must be at most 10s")
	}
	if cfg.ChatMaxChars <= 0 {
		return Config{}, fmt.Errorf("CHAT_MAX_CHARS must be positive")
	}
	if cfg.LogFileMaxMB <= 0 {
		return Config{}, fmt.Errorf("LOG_FILE_MAX_MB must be positive")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("invalid LOG_FORMAT: %q (expected text|json)", cfg.LogFormat)
	}

	return cfg, nil
}

// UpstreamConfigured reports whether the generation service can be dialed.
func (c Config) UpstreamConfigured() bool {
	return c.GeminiAPIKey != "" && c.GeminiWSURL != ""
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if v == nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out, nil
}

// source resolves a key from the environment first, then from the config file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) orDefault(key, fallback string) string {
	v := s.get(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) duration(key string, fallback time.Duration) (time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) int(key string, fallback int) (int, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) bool(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.get(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
