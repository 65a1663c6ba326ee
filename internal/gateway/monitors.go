package gateway

import (
	"context"
	"time"

	"github.com/antoniostano/livegate/internal/transcript"
)

// idleLoop keeps the external reply flag in step with last activity.
func (s *clientSession) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.m.cfg.IdleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.state.RefreshIdle(s.m.cfg.IdleThreshold)
		}
	}
}

// proactiveLoop nudges the model about the shared screen while the user is
// idle. State.TryProactive enforces the gates and the cooldown.
func (s *clientSession) proactiveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.m.cfg.ProactiveTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.state.TryProactive(s.m.cfg.Proactive) {
				continue
			}
			s.m.metrics.ProactivePrompt()
			s.logger.Info("sending proactive prompt")
			s.m.transcripts.Record(ctx, s.clientID, s.id, transcript.SourceProactive, s.m.cfg.ProactivePrompt)
			s.sendUpstream(ctx, kindText, s.m.cfg.ProactivePrompt)
		}
	}
}
