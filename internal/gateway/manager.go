package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antoniostano/livegate/internal/config"
	"github.com/antoniostano/livegate/internal/livechat"
	"github.com/antoniostano/livegate/internal/logging"
	"github.com/antoniostano/livegate/internal/observability"
	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/antoniostano/livegate/internal/session"
	"github.com/antoniostano/livegate/internal/transcript"
	"github.com/antoniostano/livegate/internal/upstream"
)

var ErrProtocolViolation = errors.New("first client frame must be config")

type Config struct {
	IdleThreshold   time.Duration
	IdleTick        time.Duration
	ProactiveTick   time.Duration
	Proactive       session.ProactivePolicy
	ProactivePrompt string
	ChatStopTimeout time.Duration
	ChatMaxChars    int
	TeardownTimeout time.Duration
	// ConfigTimeout bounds the wait for the client's first frame.
	ConfigTimeout time.Duration
	DefaultVoice  string
	// Now is the session clock; nil means time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 10 * time.Second
	}
	if c.IdleTick <= 0 {
		c.IdleTick = time.Second
	}
	if c.ProactiveTick <= 0 {
		c.ProactiveTick = 2 * time.Second
	}
	if c.Proactive.ImageFreshness <= 0 {
		c.Proactive.ImageFreshness = 5 * time.Second
	}
	if c.Proactive.ChatQuiet <= 0 {
		c.Proactive.ChatQuiet = 20 * time.Second
	}
	if c.Proactive.Cooldown <= 0 {
		c.Proactive.Cooldown = 30 * time.Second
	}
	if c.ChatStopTimeout <= 0 {
		c.ChatStopTimeout = 2 * time.Second
	}
	if c.ChatMaxChars <= 0 {
		c.ChatMaxChars = 500
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
	if c.ConfigTimeout <= 0 {
		c.ConfigTimeout = 30 * time.Second
	}
	if strings.TrimSpace(c.ProactivePrompt) == "" {
		c.ProactivePrompt = config.DefaultProactivePrompt
	}
	if strings.TrimSpace(c.DefaultVoice) == "" {
		c.DefaultVoice = "Puck"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Deps struct {
	Registry    *session.Registry
	NewUpstream func() Upstream
	// ChatSource is nil when no live chat backend is configured.
	ChatSource  livechat.Source
	Transcripts *transcript.Recorder
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// Manager accepts clients, runs one session per client id and tears it down.
type Manager struct {
	cfg         Config
	registry    *session.Registry
	newUpstream func() Upstream
	chat        livechat.Source
	transcripts *transcript.Recorder
	metrics     *observability.Metrics
	logger      *slog.Logger
}

func NewManager(cfg Config, deps Deps) *Manager {
	cfg.applyDefaults()
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		registry:    deps.Registry,
		newUpstream: deps.NewUpstream,
		chat:        deps.ChatSource,
		transcripts: deps.Transcripts,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "gateway"),
	}
}

func (m *Manager) Registry() *session.Registry { return m.registry }

// Serve runs the session of one client until it disconnects, is ended or ctx
// is cancelled. The channel is always closed on return.
func (m *Manager) Serve(ctx context.Context, clientID string, ch ClientChannel) error {
	logger := logging.WithClient(m.logger, clientID, "")

	setup, err := m.awaitConfig(ctx, ch)
	if err != nil {
		logger.Warn("session setup failed", "error", err)
		if errors.Is(err, ErrProtocolViolation) {
			m.metrics.SessionEvent("protocol_violation")
			_ = ch.Send(ctx, protocol.NewError("First message must be config"))
		}
		_ = ch.Close()
		return err
	}

	up := m.newUpstream()
	if err := up.SetConfig(setup); err != nil {
		_ = up.Close()
		_ = ch.Close()
		return fmt.Errorf("configure upstream: %w", err)
	}
	if err := up.Connect(ctx); err != nil {
		m.metrics.UpstreamError("connect")
		logger.Error("upstream connect failed", "error", err)
		_ = ch.Send(ctx, protocol.NewError("Failed to connect to the generation service"))
		_ = up.Close()
		_ = ch.Close()
		return fmt.Errorf("connect upstream: %w", err)
	}

	s := newClientSession(m, clientID, ch, up)
	if prev := m.registry.Insert(s); prev != nil {
		s.logger.Info("replacing live session for client id")
		prev.End()
		select {
		case <-prev.Done():
		case <-time.After(m.cfg.TeardownTimeout):
			s.logger.Warn("previous session teardown timed out")
		}
	}
	m.metrics.SessionStarted()
	s.logger.Info("session started", "voice", setup.Voice)

	s.run(ctx)

	m.registry.Remove(s)
	reason := s.endReason()
	m.metrics.SessionEnded(reason)
	s.logger.Info("session ended", "reason", reason)
	return nil
}

func (m *Manager) awaitConfig(ctx context.Context, ch ClientChannel) (upstream.Setup, error) {
	rctx, cancel := context.WithTimeout(ctx, m.cfg.ConfigTimeout)
	defer cancel()
	raw, err := ch.Receive(rctx)
	if err != nil {
		return upstream.Setup{}, fmt.Errorf("await config: %w", err)
	}
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		return upstream.Setup{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	cfg, ok := msg.(protocol.ConfigMessage)
	if !ok {
		typ, _ := protocol.TypeOf(msg)
		return upstream.Setup{}, fmt.Errorf("%w: got %q", ErrProtocolViolation, typ)
	}
	m.metrics.WSMessage("in", string(protocol.TypeConfig))

	voice := strings.TrimSpace(cfg.Config.Voice)
	if voice == "" {
		voice = m.cfg.DefaultVoice
	}
	return upstream.Setup{Voice: voice, SystemPrompt: cfg.Config.SystemPrompt}, nil
}

// End tears down the live session of clientID.
func (m *Manager) End(clientID string) error {
	h, err := m.registry.Get(clientID)
	if err != nil {
		return err
	}
	h.End()
	return nil
}

// Shutdown ends every live session and waits for them, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	timeout := m.cfg.TeardownTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	if left := m.registry.EndAll(timeout); left > 0 {
		m.logger.Warn("sessions still running at shutdown", "count", left)
	}
}
