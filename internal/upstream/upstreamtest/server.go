// Package upstreamtest provides an in-process stand-in for the generation
// service's streaming websocket.
package upstreamtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/gorilla/websocket"
)

// Frame is one client frame received after the handshake.
type Frame struct {
	Generation int
	Kind       string // "text", "audio" or "image"
	Text       string
	Data       string
	Raw        []byte
}

// Handler reacts to a received frame. It runs on the connection's read goroutine.
type Handler func(c *Conn, f Frame)

type Server struct {
	*httptest.Server

	mu      sync.Mutex
	setups  []protocol.Setup
	keys    []string
	frames  []Frame
	handler Handler
	noAck   bool
}

// NewServer starts a fake upstream. The handler may be nil.
func NewServer(handler Handler) *Server {
	s := &Server{handler: handler}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// WithholdAck makes subsequent handshakes hang without an acknowledgement.
func (s *Server) WithholdAck(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noAck = v
}

func (s *Server) Setups() []protocol.Setup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Setup(nil), s.setups...)
}

func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func (s *Server) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// TextFrames returns the text of every text turn received so far.
func (s *Server) TextFrames() []string {
	var out []string
	for _, f := range s.Frames() {
		if f.Kind == "text" {
			out = append(out, f.Text)
		}
	}
	return out
}

// WaitFor polls cond until it holds or timeout elapses.
func (s *Server) WaitFor(timeout time.Duration, cond func(*Server) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond(s) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	var setup protocol.SetupMessage
	if err := json.Unmarshal(raw, &setup); err != nil {
		return
	}

	s.mu.Lock()
	s.setups = append(s.setups, setup.Setup)
	s.keys = append(s.keys, r.URL.Query().Get("key"))
	conn := &Conn{ws: ws, generation: len(s.setups)}
	noAck := s.noAck
	s.mu.Unlock()

	if noAck {
		_, _, _ = ws.ReadMessage()
		return
	}
	if err := conn.SendJSON(map[string]any{"setupComplete": map[string]any{}}); err != nil {
		return
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f := parseFrame(raw)
		f.Generation = conn.generation
		s.mu.Lock()
		s.frames = append(s.frames, f)
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(conn, f)
		}
	}
}

func parseFrame(raw []byte) Frame {
	var msg struct {
		RealtimeInput *protocol.RealtimeInput `json:"realtime_input"`
		ClientContent *protocol.ClientContent `json:"client_content"`
	}
	f := Frame{Raw: raw}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return f
	}
	switch {
	case msg.ClientContent != nil:
		f.Kind = "text"
		if len(msg.ClientContent.Turns) > 0 && len(msg.ClientContent.Turns[0].Parts) > 0 {
			f.Text = msg.ClientContent.Turns[0].Parts[0].Text
		}
	case msg.RealtimeInput != nil && len(msg.RealtimeInput.MediaChunks) > 0:
		chunk := msg.RealtimeInput.MediaChunks[0]
		f.Data = chunk.Data
		if chunk.MimeType == protocol.MimeImageJPEG {
			f.Kind = "image"
		} else {
			f.Kind = "audio"
		}
	}
	return f
}

// Conn is the server side of one upstream connection.
type Conn struct {
	ws         *websocket.Conn
	generation int
	writeMu    sync.Mutex
}

func (c *Conn) Generation() int { return c.generation }

func (c *Conn) SendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// SendModelTurn sends one serverContent frame with the given audio and text
// parts, optionally marking the turn complete.
func (c *Conn) SendModelTurn(audio []string, text string, turnComplete bool) error {
	parts := make([]map[string]any, 0, len(audio)+1)
	for _, a := range audio {
		parts = append(parts, map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": a}})
	}
	if text != "" {
		parts = append(parts, map[string]any{"text": text})
	}
	content := map[string]any{}
	if len(parts) > 0 {
		content["modelTurn"] = map[string]any{"parts": parts}
	}
	if turnComplete {
		content["turnComplete"] = true
	}
	return c.SendJSON(map[string]any{"serverContent": content})
}

// CloseWith sends a close frame carrying code and reason, then drops the socket.
func (c *Conn) CloseWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}
