package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/antoniostano/livegate/internal/reliability"
	"github.com/antoniostano/livegate/internal/transcript"
	"github.com/antoniostano/livegate/internal/upstream"
)

const (
	reconnectBackoffBase = time.Second
	reconnectBackoffCap  = 30 * time.Second
	// audioSendTimeout bounds how long one audio chunk may wait on a slow client.
	audioSendTimeout = 2 * time.Second
)

// outboundLoop relays upstream frames to the client. Upstream drops are
// answered with a reconnect; the loop only ends with the session.
func (s *clientSession) outboundLoop(ctx context.Context) {
	var buf audioBuffer
	failures := 0
	for {
		raw, err := s.up.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, upstream.ErrClosed) {
				return
			}
			buf.reset()

			var closed *upstream.ClosedError
			if errors.As(err, &closed) {
				if closed.Rejected() {
					s.notifyRejected(ctx, closed.Generation)
				}
				if rerr := s.reconnect(ctx, closed); rerr == nil {
					failures = 0
					continue
				}
			} else {
				s.m.metrics.UpstreamError("receive")
				s.logger.Warn("upstream receive failed", "error", err)
			}

			failures++
			if !sleepCtx(ctx, reliability.ExponentialBackoff(failures-1, reconnectBackoffBase, reconnectBackoffCap)) {
				return
			}
			continue
		}
		failures = 0

		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			s.logger.Debug("skipping unparseable upstream frame", "error", err)
			continue
		}
		s.forward(ctx, msg, &buf)
	}
}

// forward relays one response frame. Audio goes through the per-turn buffer;
// whatever is still buffered when the turn completes is discarded.
func (s *clientSession) forward(ctx context.Context, msg protocol.ServerMessage, buf *audioBuffer) {
	for _, part := range msg.Parts() {
		if part.InlineData != nil && part.InlineData.Data != "" {
			buf.push(part.InlineData.Data)
			s.observeFirstAudio()
		}
		if part.Text != nil && *part.Text != "" {
			s.m.transcripts.Record(ctx, s.clientID, s.id, transcript.SourceModel, *part.Text)
			_ = s.sendClient(ctx, protocol.NewTextOut(*part.Text))
		}
	}

	buf.flush(func(chunk string) error {
		sctx, cancel := context.WithTimeout(ctx, audioSendTimeout)
		defer cancel()
		return s.sendClient(sctx, protocol.NewAudioOut(chunk))
	})

	if msg.IsTurnComplete() {
		if dropped := buf.reset(); dropped > 0 {
			s.logger.Debug("discarded undelivered audio at turn end", "chunks", dropped)
		}
		s.observeTurnComplete()
		_ = s.sendClient(ctx, protocol.NewTurnComplete())
	}
}

func (s *clientSession) observeFirstAudio() {
	start := s.turnStart.Load()
	if start == 0 || !s.firstAudio.CompareAndSwap(false, true) {
		return
	}
	s.m.metrics.ObserveFirstAudioLatency(time.Since(time.Unix(0, start)))
}

func (s *clientSession) observeTurnComplete() {
	start := s.turnStart.Swap(0)
	if start == 0 {
		return
	}
	s.m.metrics.ObserveTurnLatency(time.Since(time.Unix(0, start)))
}

// audioBuffer holds model audio of the current turn not yet delivered.
type audioBuffer struct {
	chunks []string
}

func (b *audioBuffer) push(chunk string) {
	b.chunks = append(b.chunks, chunk)
}

// flush delivers chunks in order and keeps the rest once delivery fails.
func (b *audioBuffer) flush(deliver func(string) error) {
	for len(b.chunks) > 0 {
		if err := deliver(b.chunks[0]); err != nil {
			return
		}
		b.chunks = b.chunks[1:]
	}
	b.chunks = nil
}

func (b *audioBuffer) reset() int {
	n := len(b.chunks)
	b.chunks = nil
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
