package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageConfig(t *testing.T) {
	raw := []byte(`{"type":"config","config":{"voice":"Puck","systemPrompt":"x"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	cfg, ok := msg.(ConfigMessage)
	if !ok {
		t.Fatalf("message type = %T, want ConfigMessage", msg)
	}
	if cfg.Config.Voice != "Puck" || cfg.Config.SystemPrompt != "x" {
		t.Fatalf("unexpected config: %+v", cfg.Config)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"audio"}`,
		`{"type":"image","data":""}`,
		`{"type":"text"}`,
		`{"type":"user_activity","speaking":"yes"}`,
	}
	for _, raw := range cases {
		_, err := ParseClientMessage([]byte(raw))
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrMalformedFrame", raw, err)
		}
	}
}

func TestParseClientMessageChatStartKeepsEmptyVideoID(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"yt_chat_start"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	start, ok := msg.(ChatStart)
	if !ok {
		t.Fatalf("message type = %T, want ChatStart", msg)
	}
	if start.VideoID != "" {
		t.Fatalf("VideoID = %q, want empty", start.VideoID)
	}
}

func TestPongEchoesOpaqueToken(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping","ts":{"a":[1,2]}}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	ping := msg.(Ping)
	out, err := json.Marshal(NewPong(ping.TS))
	if err != nil {
		t.Fatalf("marshal pong: %v", err)
	}
	if string(out) != `{"type":"pong","ts":{"a":[1,2]}}` {
		t.Fatalf("pong = %s", out)
	}

	out, _ = json.Marshal(NewPong(nil))
	if string(out) != `{"type":"pong","ts":null}` {
		t.Fatalf("pong without ts = %s", out)
	}
}

func TestServerFramesWireShape(t *testing.T) {
	cases := []struct {
		msg  any
		want string
	}{
		{NewAudioOut("AQID"), `{"type":"audio","data":"AQID"}`},
		{NewTextOut("hi"), `{"type":"text","text":"hi"}`},
		{NewTurnComplete(), `{"type":"turn_complete","data":true}`},
		{NewChatLine("bob", "yo"), `{"type":"yt_chat","data":{"user":"bob","message":"yo"}}`},
		{NewChatStatus(ChatStatusStarted), `{"type":"yt_chat_status","data":"started"}`},
		{NewChatSkipped(SkipReasonUnsafe), `{"type":"yt_chat_skipped","data":{"reason":"unsafe"}}`},
		{NewError("boom"), `{"type":"error","data":"boom"}`},
	}
	for _, tc := range cases {
		out, err := json.Marshal(tc.msg)
		if err != nil {
			t.Fatalf("marshal %T: %v", tc.msg, err)
		}
		if string(out) != tc.want {
			t.Fatalf("%T = %s, want %s", tc.msg, out, tc.want)
		}
		if _, ok := TypeOf(tc.msg); !ok {
			t.Fatalf("TypeOf(%T) not recognised", tc.msg)
		}
	}
}

func TestSetupMessageShape(t *testing.T) {
	out, err := json.Marshal(NewSetupMessage("gemini-2.0-flash-exp", "Puck", "be brief"))
	if err != nil {
		t.Fatalf("marshal setup: %v", err)
	}
	for _, want := range []string{
		`"model":"models/gemini-2.0-flash-exp"`,
		`"response_modalities":["AUDIO"]`,
		`"voice_name":"Puck"`,
		`"system_instruction":{"parts":[{"text":"be brief"}]}`,
	} {
		if !strings.Contains(string(out), want) {
			t.Fatalf("setup %s missing %s", out, want)
		}
	}
}

func TestParseServerMessageOptionalFields(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"setupComplete":{}}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	if msg.Parts() != nil || msg.IsTurnComplete() {
		t.Fatalf("setup ack should carry nothing to forward: %+v", msg)
	}

	msg, err = ParseServerMessage([]byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"AA=="}},{"text":"hey"}]},"turnComplete":true}}`))
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	parts := msg.Parts()
	if len(parts) != 2 || parts[0].InlineData == nil || parts[1].Text == nil || *parts[1].Text != "hey" {
		t.Fatalf("unexpected parts: %+v", parts)
	}
	if !msg.IsTurnComplete() {
		t.Fatalf("IsTurnComplete() = false, want true")
	}

	msg, _ = ParseServerMessage([]byte(`{"turnComplete":true}`))
	if !msg.IsTurnComplete() {
		t.Fatalf("top-level turnComplete not honoured")
	}
}

func BenchmarkParseClientMessageAudio(b *testing.B) {
	raw := []byte(`{"type":"audio","data":"AQIDBAUGBwgJCgsMDQ4P"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(AudioMessage); !ok {
			b.Fatalf("message type = %T, want AudioMessage", msg)
		}
	}
}
