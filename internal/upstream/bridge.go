package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/antoniostano/livegate/internal/reliability"
	"github.com/gorilla/websocket"
)

var (
	ErrConfigurationMissing = errors.New("upstream configuration missing")
	ErrConfigAlreadySet     = errors.New("upstream configuration already set")
	ErrNotConnected         = errors.New("upstream not connected")
	ErrClosed               = errors.New("upstream bridge closed")
)

const (
	defaultWriteTimeout = 5 * time.Second
	// How long a failed write waits for the read loop to report the close code.
	closeCauseWait = 250 * time.Millisecond
)

type Config struct {
	URL              string
	APIKey           string
	Model            string
	DefaultVoice     string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
}

// Setup is the per-session voice and persona sent in every handshake.
type Setup struct {
	Voice        string
	SystemPrompt string
}

// ClosedError reports that the upstream socket of a given generation dropped.
type ClosedError struct {
	Code       int
	Reason     string
	Generation uint64
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("upstream closed: code %d", e.Code)
	}
	return fmt.Sprintf("upstream closed: code %d: %s", e.Code, e.Reason)
}

// Rejected reports whether the service refused the last payload.
func (e *ClosedError) Rejected() bool {
	return reliability.IsRejectedClose(e.Code, e.Reason)
}

func (e *ClosedError) Cause() string {
	return reliability.CloseCause(e.Code, e.Reason)
}

// Bridge owns the socket to the generation service. At most one connection is
// open at a time; every connect bumps the generation. Writes from any
// goroutine are serialized.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	setup    *Setup
	cur      *link
	gen      uint64
	closed   bool
	closedCh chan struct{}

	writeMu     sync.Mutex
	reconnectMu sync.Mutex
}

func NewBridge(cfg Config) *Bridge {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if strings.TrimSpace(cfg.DefaultVoice) == "" {
		cfg.DefaultVoice = "Puck"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		logger:   logger.With("component", "upstream"),
		closedCh: make(chan struct{}),
	}
}

func (b *Bridge) SetConfig(s Setup) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.setup != nil {
		return ErrConfigAlreadySet
	}
	if strings.TrimSpace(s.Voice) == "" {
		s.Voice = b.cfg.DefaultVoice
	}
	b.setup = &s
	return nil
}

// Connect dials, sends the setup frame and waits for one acknowledgement.
// On success the new connection replaces any previous one.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.setup == nil {
		b.mu.Unlock()
		return ErrConfigurationMissing
	}
	setup := *b.setup
	b.mu.Unlock()

	endpoint, err := b.endpoint()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := b.cfg.Dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}

	if err := handshake(conn, setup, b.cfg.Model, b.cfg.HandshakeTimeout, b.logger); err != nil {
		_ = conn.Close()
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	b.gen++
	l := newLink(conn, b.gen)
	old := b.cur
	b.cur = l
	b.mu.Unlock()

	go l.readLoop()
	if old != nil {
		old.close()
	}
	b.logger.Info("upstream connected", "generation", l.gen, "voice", setup.Voice)
	return nil
}

func (b *Bridge) endpoint() (string, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	if b.cfg.APIKey != "" {
		q.Set("key", b.cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func handshake(conn *websocket.Conn, setup Setup, model string, timeout time.Duration, logger *slog.Logger) error {
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteJSON(protocol.NewSetupMessage(model, setup.Voice, setup.SystemPrompt)); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await setup ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if ack, err := protocol.ParseServerMessage(data); err != nil || ack.SetupComplete == nil {
		logger.Warn("unexpected setup ack", "bytes", len(data))
	}
	return nil
}

func (b *Bridge) SendAudio(ctx context.Context, data string) error {
	return b.send(ctx, protocol.NewMediaInput(data, protocol.MimeAudioPCM))
}

func (b *Bridge) SendImage(ctx context.Context, data string) error {
	return b.send(ctx, protocol.NewMediaInput(data, protocol.MimeImageJPEG))
}

func (b *Bridge) SendText(ctx context.Context, text string) error {
	return b.send(ctx, protocol.NewTextTurn(text))
}

func (b *Bridge) send(ctx context.Context, payload any) error {
	l, err := b.current()
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return l.closeErr
	default:
	}

	deadline := time.Now().Add(b.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	b.writeMu.Lock()
	_ = l.conn.SetWriteDeadline(deadline)
	err = l.conn.WriteJSON(payload)
	b.writeMu.Unlock()
	if err == nil {
		return nil
	}

	timer := time.NewTimer(closeCauseWait)
	defer timer.Stop()
	select {
	case <-l.done:
		return l.closeErr
	case <-timer.C:
	}
	l.close()
	return &ClosedError{Code: websocket.CloseAbnormalClosure, Reason: err.Error(), Generation: l.gen}
}

// Receive returns the next raw frame of the current connection.
func (b *Bridge) Receive(ctx context.Context) ([]byte, error) {
	l, err := b.current()
	if err != nil {
		return nil, err
	}
	select {
	case data := <-l.frames:
		return data, nil
	case <-l.done:
		select {
		case data := <-l.frames:
			return data, nil
		default:
		}
		if b.isClosed() {
			return nil, ErrClosed
		}
		return nil, l.closeErr
	case <-b.closedCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reconnect connects again only if generation is still current, so several
// observers of the same drop trigger one reconnect. It reports whether a new
// connection was made.
func (b *Bridge) Reconnect(ctx context.Context, generation uint64) (bool, error) {
	b.reconnectMu.Lock()
	defer b.reconnectMu.Unlock()
	if b.isClosed() {
		return false, ErrClosed
	}
	if b.Generation() != generation {
		return false, nil
	}
	if err := b.Connect(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Bridge) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Done is closed once Close has been called.
func (b *Bridge) Done() <-chan struct{} {
	return b.closedCh
}

// Close shuts the bridge down. It is idempotent and never fails.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closedCh)
	l := b.cur
	b.cur = nil
	b.mu.Unlock()

	if l != nil {
		b.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		b.writeMu.Unlock()
		l.close()
	}
	return nil
}

func (b *Bridge) current() (*link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.cur == nil {
		return nil, ErrNotConnected
	}
	return b.cur, nil
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// link is one upstream connection and its read loop.
type link struct {
	conn   *websocket.Conn
	gen    uint64
	frames chan []byte
	stop   chan struct{}
	done   chan struct{}

	// closeErr is written once before done is closed.
	closeErr  *ClosedError
	stopOnce  sync.Once
	closeOnce sync.Once
}

func newLink(conn *websocket.Conn, gen uint64) *link {
	return &link{
		conn:   conn,
		gen:    gen,
		frames: make(chan []byte, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *link) readLoop() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.finish(closedErrorFrom(err, l.gen))
			return
		}
		select {
		case l.frames <- data:
		case <-l.stop:
			l.finish(&ClosedError{Code: websocket.CloseNormalClosure, Reason: "closed locally", Generation: l.gen})
			return
		}
	}
}

func (l *link) finish(err *ClosedError) {
	l.closeOnce.Do(func() {
		l.closeErr = err
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *link) close() {
	l.stopOnce.Do(func() {
		close(l.stop)
		_ = l.conn.Close()
	})
}

func closedErrorFrom(err error, gen uint64) *ClosedError {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &ClosedError{Code: ce.Code, Reason: ce.Text, Generation: gen}
	}
	return &ClosedError{Code: websocket.CloseAbnormalClosure, Reason: err.Error(), Generation: gen}
}
