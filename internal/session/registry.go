package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Snapshot describes one live session for listing and admin endpoints.
type Snapshot struct {
	ClientID    string `json:"client_id"`
	SessionID   string `json:"session_id"`
	ChatVideoID string `json:"chat_video_id,omitempty"`
	Reconnects  int64  `json:"upstream_reconnects"`
	StateSnapshot
}

// Handle is a live session as seen by the registry.
type Handle interface {
	ClientID() string
	Snapshot() Snapshot
	// End requests teardown; it must not block on the teardown itself.
	End()
	Done() <-chan struct{}
}

// Registry maps client ids to their live session. Entries are inserted on
// accept and removed on teardown.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Handle)}
}

// Insert registers h and returns the session it displaced, if any.
func (r *Registry) Insert(h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.entries[h.ClientID()]
	r.entries[h.ClientID()] = h
	return prev
}

// Remove drops h only when it is still the registered session for its client
// id, so a replaced session cannot evict its successor.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[h.ClientID()]; ok && cur == h {
		delete(r.entries, h.ClientID())
		return true
	}
	return false
}

func (r *Registry) Get(clientID string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns snapshots ordered by client id.
func (r *Registry) List() []Snapshot {
	handles := r.handles()
	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// EndAll asks every live session to tear down and waits for them, up to timeout.
// It returns the number of sessions still running when the wait gave up.
func (r *Registry) EndAll(timeout time.Duration) int {
	handles := r.handles()
	for _, h := range handles {
		h.End()
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for i, h := range handles {
		select {
		case <-h.Done():
		case <-deadline.C:
			return len(handles) - i
		}
	}
	return 0
}

func (r *Registry) handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, h)
	}
	return out
}
