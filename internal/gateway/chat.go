package gateway

import (
	"context"

	"github.com/antoniostano/livegate/internal/livechat"
	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/antoniostano/livegate/internal/transcript"
)

// startChat replaces any running watcher with one for videoID. The old
// watcher is fully stopped (bounded) before the new one starts.
func (s *clientSession) startChat(ctx context.Context, videoID string) {
	if s.m.chat == nil {
		_ = s.sendClient(ctx, protocol.NewError(livechat.ErrSourceUnavailable.Error()))
		return
	}

	s.chatMu.Lock()
	s.stopWatcherLocked()
	w := livechat.Start(s.ctx, s.m.chat, videoID, s.onChatLine, func(err error) {
		s.onChatExit(videoID, err)
	})
	s.watcher = w
	s.chatMu.Unlock()

	s.m.metrics.SessionEvent("chat_started")
	s.logger.Info("live chat watcher started", "video_id", videoID, "watcher_id", w.ID())
	_ = s.sendClient(ctx, protocol.NewChatStatus(protocol.ChatStatusStarted))
}

func (s *clientSession) stopChat() {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	s.stopWatcherLocked()
}

func (s *clientSession) stopWatcherLocked() {
	if s.watcher == nil {
		return
	}
	w := s.watcher
	s.watcher = nil
	if err := w.Stop(s.m.cfg.ChatStopTimeout); err != nil {
		s.logger.Warn("live chat watcher stop timed out", "video_id", w.VideoID(), "error", err)
		return
	}
	s.logger.Info("live chat watcher stopped", "video_id", w.VideoID())
}

// onChatLine runs on the watcher goroutine for every received line.
func (s *clientSession) onChatLine(msg livechat.Message) {
	ctx := s.ctx
	allow := s.state.MarkExternalChat()
	_ = s.sendClient(ctx, protocol.NewChatLine(msg.Author, msg.Text))
	if !allow {
		s.m.metrics.ChatLine("displayed")
		return
	}

	line := livechat.PromptLine(msg.Author, msg.Text, s.m.cfg.ChatMaxChars)
	s.m.transcripts.Record(ctx, s.clientID, s.id, transcript.SourceChat, line)
	if s.sendUpstream(ctx, kindText, line) {
		s.m.metrics.ChatLine("forwarded")
	} else {
		s.m.metrics.ChatLine("dropped")
	}
}

func (s *clientSession) onChatExit(videoID string, err error) {
	if err == nil {
		s.logger.Info("live chat ended", "video_id", videoID)
		_ = s.sendClient(s.ctx, protocol.NewChatStatus(protocol.ChatStatusStopped))
		return
	}
	s.m.metrics.ChatLine("source_error")
	s.logger.Warn("live chat watcher failed", "video_id", videoID, "error", err)
	_ = s.sendClient(s.ctx, protocol.NewError(err.Error()))
}
