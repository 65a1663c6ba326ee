package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/livegate/internal/livechat"
	"github.com/antoniostano/livegate/internal/observability"
	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/antoniostano/livegate/internal/session"
	"github.com/antoniostano/livegate/internal/transcript"
	"github.com/antoniostano/livegate/internal/upstream"
	"github.com/antoniostano/livegate/internal/upstream/upstreamtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

var errSlowClient = errors.New("client too slow")

// memChannel is an in-memory ClientChannel.
type memChannel struct {
	in chan []byte

	mu          sync.Mutex
	out         []any
	closed      bool
	closedCh    chan struct{}
	rejectAudio bool
}

func newMemChannel() *memChannel {
	return &memChannel{in: make(chan []byte, 64), closedCh: make(chan struct{})}
}

func (c *memChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-c.closedCh:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memChannel) Send(_ context.Context, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if _, ok := frame.(protocol.AudioOut); ok && c.rejectAudio {
		return errSlowClient
	}
	c.out = append(c.out, frame)
	return nil
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *memChannel) setRejectAudio(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectAudio = v
}

func (c *memChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memChannel) push(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- raw
}

func (c *memChannel) pushRaw(raw string) { c.in <- []byte(raw) }

func (c *memChannel) disconnect() { close(c.in) }

func (c *memChannel) frames() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.out...)
}

func (c *memChannel) ofType(typ protocol.MessageType) []any {
	var out []any
	for _, f := range c.frames() {
		if got, _ := protocol.TypeOf(f); got == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *memChannel) waitType(t *testing.T, typ protocol.MessageType, n int) []any {
	t.Helper()
	eventually(t, func() bool { return len(c.ofType(typ)) >= n }, "client never got %d %s frame(s): %+v", n, typ, c.frames())
	return c.ofType(typ)
}

// fakeClock is a goroutine-safe manual clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// feedSource is a live chat source driven by the test.
type feedSource struct {
	mu        sync.Mutex
	feeds     map[string]chan livechat.Message
	events    []string
	cancelled map[string]bool
}

func newFeedSource() *feedSource {
	return &feedSource{feeds: make(map[string]chan livechat.Message), cancelled: make(map[string]bool)}
}

func (f *feedSource) log(e string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *feedSource) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *feedSource) Watch(ctx context.Context, videoID string, emit func(livechat.Message)) error {
	feed := make(chan livechat.Message, 16)
	f.mu.Lock()
	f.feeds[videoID] = feed
	f.mu.Unlock()
	f.log("attached:" + videoID)
	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			delete(f.feeds, videoID)
			f.cancelled[videoID] = true
			f.mu.Unlock()
			f.log("cancelled:" + videoID)
			return nil
		case msg := <-feed:
			f.log("emit:" + videoID)
			emit(msg)
		}
	}
}

func (f *feedSource) attached(videoID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.feeds[videoID]
	return ok
}

func (f *feedSource) send(videoID string, msg livechat.Message) bool {
	f.mu.Lock()
	feed, ok := f.feeds[videoID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	feed <- msg
	return true
}

type harness struct {
	t       *testing.T
	srv     *upstreamtest.Server
	clock   *fakeClock
	chat    *feedSource
	store   *transcript.InMemoryStore
	metrics *observability.Metrics
	mgr     *Manager
}

func newHarness(t *testing.T, handler upstreamtest.Handler) *harness {
	t.Helper()
	srv := upstreamtest.NewServer(handler)
	t.Cleanup(srv.Close)

	h := &harness{
		t:       t,
		srv:     srv,
		clock:   newFakeClock(),
		chat:    newFeedSource(),
		store:   transcript.NewInMemoryStore(50),
		metrics: observability.NewMetricsWithRegistry("test", prometheus.NewRegistry()),
	}
	h.mgr = NewManager(Config{
		IdleThreshold:   10 * time.Second,
		IdleTick:        5 * time.Millisecond,
		ProactiveTick:   10 * time.Millisecond,
		ProactivePrompt: "what is on screen?",
		ChatStopTimeout: time.Second,
		TeardownTimeout: time.Second,
		ConfigTimeout:   time.Second,
		Now:             h.clock.Now,
	}, Deps{
		NewUpstream: func() Upstream {
			return upstream.NewBridge(upstream.Config{URL: srv.URL(), Model: "test-model", HandshakeTimeout: time.Second})
		},
		ChatSource:  h.chat,
		Transcripts: transcript.NewRecorder(h.store, nil),
		Metrics:     h.metrics,
	})
	return h
}

// start runs Serve for clientID and returns a channel with its result.
func (h *harness) start(clientID string, ch *memChannel) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.mgr.Serve(context.Background(), clientID, ch) }()
	h.t.Cleanup(func() {
		_ = h.mgr.End(clientID)
		select {
		case <-done:
		case <-time.After(waitTimeout):
		}
	})
	return done
}

// connect starts a configured session and waits until it is registered.
func (h *harness) connect(clientID string) (*memChannel, <-chan error) {
	h.t.Helper()
	ch := newMemChannel()
	ch.push(h.t, map[string]any{"type": "config", "config": map[string]any{"voice": "Puck", "systemPrompt": "x"}})
	done := h.start(clientID, ch)
	eventually(h.t, func() bool {
		_, err := h.mgr.Registry().Get(clientID)
		return err == nil
	}, "session %s never registered", clientID)
	return ch, done
}

func (h *harness) snapshot(clientID string) session.Snapshot {
	h.t.Helper()
	sess, err := h.mgr.Registry().Get(clientID)
	require.NoError(h.t, err)
	return sess.Snapshot()
}

// goIdle advances the clock past the idle threshold and waits for the idle
// monitor to notice.
func (h *harness) goIdle(clientID string) {
	h.t.Helper()
	h.clock.Advance(11 * time.Second)
	eventually(h.t, func() bool { return h.snapshot(clientID).AllowExternalReply }, "session never went idle")
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("Serve() did not return")
		return nil
	}
}
