package gateway

import (
	"context"
	"errors"

	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/antoniostano/livegate/internal/session"
	"github.com/antoniostano/livegate/internal/transcript"
)

// inboundLoop reads client frames until the client goes away.
func (s *clientSession) inboundLoop(ctx context.Context) {
	for {
		raw, err := s.ch.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.setEndReason(endReasonClientClosed)
				s.logger.Debug("client receive ended", "error", err)
			}
			return
		}
		s.handleFrame(ctx, raw)
	}
}

func (s *clientSession) handleFrame(ctx context.Context, raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedType) {
			s.m.metrics.WSMessage("in", "unsupported")
			s.logger.Debug("ignoring client frame", "error", err)
			return
		}
		s.m.metrics.WSMessage("in", "malformed")
		s.logger.Warn("malformed client frame", "error", err)
		return
	}
	if typ, ok := protocol.TypeOf(msg); ok {
		s.m.metrics.WSMessage("in", string(typ))
	}

	switch m := msg.(type) {
	case protocol.AudioMessage:
		s.sendUpstream(ctx, kindAudio, m.Data)
	case protocol.ImageMessage:
		s.sendUpstream(ctx, kindImage, m.Data)
		s.state.MarkImage()
	case protocol.TextMessage:
		s.state.MarkActivity()
		s.m.transcripts.Record(ctx, s.clientID, s.id, transcript.SourceUser, m.Data)
		s.sendUpstream(ctx, kindText, m.Data)
	case protocol.ModeMessage:
		mode, ok := session.ParseMode(m.Mode)
		if !ok {
			s.logger.Warn("ignoring unknown mode", "mode", m.Mode)
			return
		}
		s.state.SetMode(mode)
		s.logger.Debug("mode changed", "mode", mode)
	case protocol.UserActivity:
		if m.Speaking {
			s.state.MarkActivity()
		}
	case protocol.ChatStart:
		if m.VideoID == "" {
			_ = s.sendClient(ctx, protocol.NewError("Missing video_id for yt_chat_start"))
			return
		}
		s.startChat(ctx, m.VideoID)
	case protocol.ChatStop:
		s.stopChat()
		_ = s.sendClient(ctx, protocol.NewChatStatus(protocol.ChatStatusStopped))
	case protocol.Ping:
		_ = s.sendClient(ctx, protocol.NewPong(m.TS))
	case protocol.ConfigMessage:
		s.logger.Debug("ignoring repeated config frame")
	}
}
