package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/antoniostano/livegate/internal/upstream"
)

type payloadKind string

const (
	kindAudio payloadKind = "audio"
	kindImage payloadKind = "image"
	kindText  payloadKind = "text"
)

func (s *clientSession) write(ctx context.Context, kind payloadKind, data string) error {
	switch kind {
	case kindAudio:
		return s.up.SendAudio(ctx, data)
	case kindImage:
		return s.up.SendImage(ctx, data)
	default:
		if err := s.up.SendText(ctx, data); err != nil {
			return err
		}
		s.markTurnStart()
		return nil
	}
}

// sendUpstream is the failure tolerant send shared by the relay, the monitors
// and the chat bridge. A rejected payload is never resent; any other close
// gets one reconnect and one resend. It reports whether the payload was
// delivered and never fails the session.
func (s *clientSession) sendUpstream(ctx context.Context, kind payloadKind, data string) bool {
	err := s.write(ctx, kind, data)
	if err == nil {
		s.m.metrics.Outbound(string(kind), "sent")
		return true
	}

	var closed *upstream.ClosedError
	if !errors.As(err, &closed) {
		s.m.metrics.Outbound(string(kind), "dropped")
		s.logger.Warn("upstream send failed", "kind", kind, "error", err)
		return false
	}

	if closed.Rejected() {
		s.m.metrics.Outbound(string(kind), "rejected")
		s.logger.Warn("upstream rejected payload", "kind", kind, "code", closed.Code, "reason", closed.Reason)
		s.notifyRejected(ctx, closed.Generation)
		_ = s.reconnect(ctx, closed)
		return false
	}

	if err := s.reconnect(ctx, closed); err != nil {
		s.m.metrics.Outbound(string(kind), "dropped")
		return false
	}
	if err := s.write(ctx, kind, data); err != nil {
		s.m.metrics.Outbound(string(kind), "dropped")
		s.logger.Warn("upstream resend failed, dropping payload", "kind", kind, "error", err)
		return false
	}
	s.m.metrics.Outbound(string(kind), "resent")
	return true
}

// reconnect replaces the connection of the dropped generation. Concurrent
// callers for the same generation share one reconnect.
func (s *clientSession) reconnect(ctx context.Context, closed *upstream.ClosedError) error {
	start := time.Now()
	did, err := s.up.Reconnect(ctx, closed.Generation)
	if err != nil {
		s.m.metrics.UpstreamError("reconnect")
		s.logger.Warn("upstream reconnect failed", "generation", closed.Generation, "error", err)
		return err
	}
	if did {
		s.reconnects.Add(1)
		s.m.metrics.UpstreamReconnect(closed.Cause(), time.Since(start))
		s.logger.Info("upstream reconnected", "cause", closed.Cause(), "code", closed.Code, "generation", s.up.Generation())
	}
	return nil
}

// notifyRejected tells the client a payload was refused, once per dropped
// connection even when the send path and the receive path both observe it.
func (s *clientSession) notifyRejected(ctx context.Context, generation uint64) {
	s.skipMu.Lock()
	if generation <= s.lastSkipGen {
		s.skipMu.Unlock()
		return
	}
	s.lastSkipGen = generation
	s.skipMu.Unlock()

	s.m.metrics.UpstreamError("rejected")
	_ = s.sendClient(ctx, protocol.NewChatSkipped(protocol.SkipReasonUnsafe))
}

func (s *clientSession) markTurnStart() {
	s.turnStart.Store(time.Now().UnixNano())
	s.firstAudio.Store(false)
}
