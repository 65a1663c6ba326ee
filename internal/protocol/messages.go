package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants exchanged with the UI client.
type MessageType string

const (
	TypeConfig       MessageType = "config"
	TypeAudio        MessageType = "audio"
	TypeImage        MessageType = "image"
	TypeText         MessageType = "text"
	TypeMode         MessageType = "mode"
	TypeUserActivity MessageType = "user_activity"
	TypeChatStart    MessageType = "yt_chat_start"
	TypeChatStop     MessageType = "yt_chat_stop"
	TypePing         MessageType = "ping"

	TypeTurnComplete MessageType = "turn_complete"
	TypeChat         MessageType = "yt_chat"
	TypeChatStatus   MessageType = "yt_chat_status"
	TypeChatSkipped  MessageType = "yt_chat_skipped"
	TypeError        MessageType = "error"
	TypePong         MessageType = "pong"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMalformedFrame  = errors.New("malformed frame")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// SessionConfig is the payload of the mandatory first client frame.
type SessionConfig struct {
	Voice        string `json:"voice"`
	SystemPrompt string `json:"systemPrompt"`
}

type ConfigMessage struct {
	Type   MessageType   `json:"type"`
	Config SessionConfig `json:"config"`
}

type AudioMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type ImageMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type TextMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type ModeMessage struct {
	Type MessageType `json:"type"`
	Mode string      `json:"mode"`
}

type UserActivity struct {
	Type     MessageType `json:"type"`
	Speaking bool        `json:"speaking"`
}

type ChatStart struct {
	Type    MessageType `json:"type"`
	VideoID string      `json:"video_id"`
}

type ChatStop struct {
	Type MessageType `json:"type"`
}

// Ping carries an opaque token the server echoes back untouched.
type Ping struct {
	Type MessageType     `json:"type"`
	TS   json.RawMessage `json:"ts,omitempty"`
}

// ParseClientMessage decodes one client frame into its typed struct.
// Unknown types return ErrUnsupportedType; field errors return ErrMalformedFrame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case TypeConfig:
		var msg ConfigMessage
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudio:
		var msg AudioMessage
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: audio without data", ErrMalformedFrame)
		}
		return msg, nil
	case TypeImage:
		var msg ImageMessage
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: image without data", ErrMalformedFrame)
		}
		return msg, nil
	case TypeText:
		var msg TextMessage
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: text without data", ErrMalformedFrame)
		}
		return msg, nil
	case TypeMode:
		var msg ModeMessage
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeUserActivity:
		var msg UserActivity
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeChatStart:
		var msg ChatStart
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeChatStop:
		return ChatStop{Type: TypeChatStop}, nil
	case TypePing:
		var msg Ping
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

func decode(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// Server -> client frames.

type AudioOut struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type TextOut struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type TurnComplete struct {
	Type MessageType `json:"type"`
	Data bool        `json:"data"`
}

type ChatLineData struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

type ChatLine struct {
	Type MessageType  `json:"type"`
	Data ChatLineData `json:"data"`
}

type ChatStatus struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type SkipReason struct {
	Reason string `json:"reason"`
}

type ChatSkipped struct {
	Type MessageType `json:"type"`
	Data SkipReason  `json:"data"`
}

type ErrorOut struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type Pong struct {
	Type MessageType     `json:"type"`
	TS   json.RawMessage `json:"ts"`
}

const (
	ChatStatusStarted = "started"
	ChatStatusStopped = "stopped"
	SkipReasonUnsafe  = "unsafe"
)

func NewAudioOut(data string) AudioOut { return AudioOut{Type: TypeAudio, Data: data} }

func NewTextOut(text string) TextOut { return TextOut{Type: TypeText, Text: text} }

func NewTurnComplete() TurnComplete { return TurnComplete{Type: TypeTurnComplete, Data: true} }

func NewChatLine(user, message string) ChatLine {
	return ChatLine{Type: TypeChat, Data: ChatLineData{User: user, Message: message}}
}

func NewChatStatus(status string) ChatStatus { return ChatStatus{Type: TypeChatStatus, Data: status} }

func NewChatSkipped(reason string) ChatSkipped {
	return ChatSkipped{Type: TypeChatSkipped, Data: SkipReason{Reason: reason}}
}

func NewError(detail string) ErrorOut { return ErrorOut{Type: TypeError, Data: detail} }

func NewPong(ts json.RawMessage) Pong {
	if len(ts) == 0 {
		ts = json.RawMessage("null")
	}
	return Pong{Type: TypePong, TS: ts}
}

// TypeOf returns the frame type of any client or server message struct.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ConfigMessage:
		return m.Type, true
	case AudioMessage:
		return m.Type, true
	case ImageMessage:
		return m.Type, true
	case TextMessage:
		return m.Type, true
	case ModeMessage:
		return m.Type, true
	case UserActivity:
		return m.Type, true
	case ChatStart:
		return m.Type, true
	case ChatStop:
		return m.Type, true
	case Ping:
		return m.Type, true
	case AudioOut:
		return m.Type, true
	case TextOut:
		return m.Type, true
	case TurnComplete:
		return m.Type, true
	case ChatLine:
		return m.Type, true
	case ChatStatus:
		return m.Type, true
	case ChatSkipped:
		return m.Type, true
	case ErrorOut:
		return m.Type, true
	case Pong:
		return m.Type, true
	default:
		return "", false
	}
}
