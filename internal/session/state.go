package session

import (
	"sync"
	"time"
)

// Mode is the capture modality the client reports.
type Mode string

const (
	ModeAudio  Mode = "audio"
	ModeCamera Mode = "camera"
	ModeScreen Mode = "screen"
)

// ParseMode accepts only the exact lowercase mode names.
func ParseMode(raw string) (Mode, bool) {
	switch m := Mode(raw); m {
	case ModeAudio, ModeCamera, ModeScreen:
		return m, true
	default:
		return "", false
	}
}

// ProactivePolicy holds the windows that gate a proactive prompt.
type ProactivePolicy struct {
	ImageFreshness time.Duration
	ChatQuiet      time.Duration
	Cooldown       time.Duration
}

// State is the per-session timing and mode record shared by the relays,
// the monitors and the chat watcher. Each method updates one logical field
// under the lock; there is no cross-call atomicity.
type State struct {
	mu  sync.Mutex
	now func() time.Time

	startedAt          time.Time
	lastActivity       time.Time
	lastImage          time.Time
	lastExternalChat   time.Time
	lastProactive      time.Time
	allowExternalReply bool
	mode               Mode
}

// StateSnapshot is a point-in-time copy of State.
type StateSnapshot struct {
	Mode               Mode      `json:"mode"`
	AllowExternalReply bool      `json:"allow_external_reply"`
	StartedAt          time.Time `json:"started_at"`
	LastActivity       time.Time `json:"last_activity"`
	LastImage          time.Time `json:"last_image,omitempty"`
	LastExternalChat   time.Time `json:"last_external_chat,omitempty"`
	LastProactive      time.Time `json:"last_proactive,omitempty"`
}

// NewState starts a session in audio mode with activity stamped at start.
// A nil clock uses time.Now.
func NewState(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &State{
		now:          now,
		startedAt:    start,
		lastActivity: start,
		mode:         ModeAudio,
	}
}

func (s *State) Now() time.Time {
	return s.now()
}

// MarkActivity records explicit user activity and closes the external reply
// window immediately.
func (s *State) MarkActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
	s.allowExternalReply = false
}

func (s *State) MarkImage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastImage = s.now()
}

// MarkExternalChat stamps a chat arrival and reports whether the session was
// idle at that instant.
func (s *State) MarkExternalChat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastExternalChat = s.now()
	return s.allowExternalReply
}

func (s *State) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

func (s *State) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *State) AllowExternalReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowExternalReply
}

// RefreshIdle recomputes the external reply flag from last activity.
func (s *State) RefreshIdle(threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowExternalReply = s.now().Sub(s.lastActivity) >= threshold
	return s.allowExternalReply
}

// TryProactive claims the proactive slot when every gate holds and stamps
// last_proactive. It returns false without side effects otherwise.
func (s *State) TryProactive(p ProactivePolicy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.allowExternalReply || s.mode != ModeScreen {
		return false
	}
	if s.lastImage.IsZero() || now.Sub(s.lastImage) > p.ImageFreshness {
		return false
	}
	if !s.lastExternalChat.IsZero() && now.Sub(s.lastExternalChat) < p.ChatQuiet {
		return false
	}
	if !s.lastProactive.IsZero() && now.Sub(s.lastProactive) < p.Cooldown {
		return false
	}
	s.lastProactive = now
	return true
}

func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		Mode:               s.mode,
		AllowExternalReply: s.allowExternalReply,
		StartedAt:          s.startedAt,
		LastActivity:       s.lastActivity,
		LastImage:          s.lastImage,
		LastExternalChat:   s.lastExternalChat,
		LastProactive:      s.lastProactive,
	}
}
