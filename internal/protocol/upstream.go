package protocol

import (
	"encoding/json"
	"fmt"
)

// Wire types for the generation service's bidirectional streaming endpoint.

const (
	MimeAudioPCM  = "audio/pcm"
	MimeImageJPEG = "image/jpeg"
	ModalityAudio = "AUDIO"
)

type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model             string           `json:"model"`
	GenerationConfig  GenerationConfig `json:"generation_config"`
	SystemInstruction *Content         `json:"system_instruction,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"response_modalities"`
	SpeechConfig       *SpeechConfig `json:"speech_config,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voice_config"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text"`
}

type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtime_input"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

type MediaChunk struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

type ClientContentMessage struct {
	ClientContent ClientContent `json:"client_content"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turn_complete"`
}

// NewSetupMessage builds the handshake frame sent once per upstream connection.
func NewSetupMessage(model, voice, systemPrompt string) SetupMessage {
	msg := SetupMessage{Setup: Setup{
		Model: "models/" + model,
		GenerationConfig: GenerationConfig{
			ResponseModalities: []string{ModalityAudio},
			SpeechConfig: &SpeechConfig{VoiceConfig: VoiceConfig{
				PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: voice},
			}},
		},
	}}
	if systemPrompt != "" {
		msg.Setup.SystemInstruction = &Content{Parts: []Part{{Text: systemPrompt}}}
	}
	return msg
}

func NewMediaInput(data, mimeType string) RealtimeInputMessage {
	return RealtimeInputMessage{RealtimeInput: RealtimeInput{
		MediaChunks: []MediaChunk{{Data: data, MimeType: mimeType}},
	}}
}

func NewTextTurn(text string) ClientContentMessage {
	return ClientContentMessage{ClientContent: ClientContent{
		Turns:        []Content{{Role: "user", Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}}
}

// ServerMessage is one response frame. Every field is optional; nil means absent.
type ServerMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *ServerContent   `json:"serverContent,omitempty"`
	TurnComplete  *bool            `json:"turnComplete,omitempty"`
}

type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	TurnComplete *bool      `json:"turnComplete,omitempty"`
	Interrupted  *bool      `json:"interrupted,omitempty"`
}

type ModelTurn struct {
	Parts []ServerPart `json:"parts"`
}

type ServerPart struct {
	InlineData *InlineData `json:"inlineData,omitempty"`
	Text       *string     `json:"text,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

func ParseServerMessage(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return msg, nil
}

// Parts returns the model turn parts, or nil when the frame carries none.
func (m ServerMessage) Parts() []ServerPart {
	if m.ServerContent == nil || m.ServerContent.ModelTurn == nil {
		return nil
	}
	return m.ServerContent.ModelTurn.Parts
}

// IsTurnComplete accepts the flag either inside serverContent or at the top level.
func (m ServerMessage) IsTurnComplete() bool {
	if m.ServerContent != nil && m.ServerContent.TurnComplete != nil && *m.ServerContent.TurnComplete {
		return true
	}
	return m.TurnComplete != nil && *m.TurnComplete
}
