package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/livegate/internal/livechat"
	"github.com/antoniostano/livegate/internal/logging"
	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/antoniostano/livegate/internal/session"
	"github.com/google/uuid"
)

const (
	endReasonClientClosed = "client_closed"
	endReasonEnded        = "ended"
	endReasonShutdown     = "shutdown"
)

// clientSession owns the channel, the upstream bridge, the state and the
// optional chat watcher of one connected client.
type clientSession struct {
	m        *Manager
	id       string
	clientID string
	ch       ClientChannel
	up       Upstream
	state    *session.State
	logger   *slog.Logger

	cancel  context.CancelFunc
	ctx     context.Context
	ready   chan struct{}
	done    chan struct{}
	endOnce sync.Once
	reason  atomic.Value

	chatMu  sync.Mutex
	watcher *livechat.Watcher

	skipMu      sync.Mutex
	lastSkipGen uint64

	reconnects atomic.Int64
	// turnStart is the unix nano time of the last text turn not yet answered.
	turnStart  atomic.Int64
	firstAudio atomic.Bool
}

func newClientSession(m *Manager, clientID string, ch ClientChannel, up Upstream) *clientSession {
	id := uuid.NewString()
	return &clientSession{
		m:        m,
		id:       id,
		clientID: clientID,
		ch:       ch,
		up:       up,
		state:    session.NewState(m.cfg.Now),
		logger:   logging.WithClient(m.logger, clientID, id),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *clientSession) ClientID() string      { return s.clientID }
func (s *clientSession) Done() <-chan struct{} { return s.done }

// End requests teardown without waiting for it.
func (s *clientSession) End() {
	s.setEndReason(endReasonEnded)
	s.endOnce.Do(func() {
		go func() {
			<-s.ready
			s.cancel()
		}()
	})
}

func (s *clientSession) Snapshot() session.Snapshot {
	snap := session.Snapshot{
		ClientID:      s.clientID,
		SessionID:     s.id,
		Reconnects:    s.reconnects.Load(),
		StateSnapshot: s.state.Snapshot(),
	}
	s.chatMu.Lock()
	if w := s.watcher; w != nil {
		select {
		case <-w.Done():
		default:
			snap.ChatVideoID = w.VideoID()
		}
	}
	s.chatMu.Unlock()
	return snap
}

func (s *clientSession) setEndReason(reason string) {
	s.reason.CompareAndSwap(nil, reason)
}

func (s *clientSession) endReason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return endReasonShutdown
}

// run starts the four session tasks and blocks until any of them ends or the
// session is cancelled, then tears everything down.
func (s *clientSession) run(parent context.Context) {
	defer close(s.done)
	s.ctx, s.cancel = context.WithCancel(parent)
	close(s.ready)
	ctx := s.ctx

	tasks := []func(context.Context){
		s.inboundLoop,
		s.outboundLoop,
		s.idleLoop,
		s.proactiveLoop,
	}
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task func(context.Context)) {
			defer wg.Done()
			defer s.cancel()
			task(ctx)
		}(task)
	}

	<-ctx.Done()
	s.teardown(&wg)
}

// teardown never fails: every step is best effort and bounded.
func (s *clientSession) teardown(wg *sync.WaitGroup) {
	s.stopChat()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(s.m.cfg.TeardownTimeout):
		s.logger.Warn("session tasks did not stop in time")
	}

	if err := s.up.Close(); err != nil {
		s.logger.Debug("upstream close failed", "error", err)
	}
	if err := s.ch.Close(); err != nil {
		s.logger.Debug("client close failed", "error", err)
	}
}

// sendClient delivers one frame to the client and counts it.
func (s *clientSession) sendClient(ctx context.Context, frame any) error {
	err := s.ch.Send(ctx, frame)
	if typ, ok := protocol.TypeOf(frame); ok && err == nil {
		s.m.metrics.WSMessage("out", string(typ))
	}
	if err != nil {
		s.logger.Debug("client send failed", "error", err)
	}
	return err
}
