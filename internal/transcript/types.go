package transcript

import (
	"context"
	"time"
)

// Source says who produced a transcript line.
type Source string

const (
	SourceUser      Source = "user"
	SourceChat      Source = "chat"
	SourceProactive Source = "proactive"
	SourceModel     Source = "model"
)

// Entry is one line of conversation sent to or received from the generation service.
type Entry struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	SessionID   string    `json:"session_id"`
	Source      Source    `json:"source"`
	Text        string    `json:"text"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store keeps transcript entries per client id.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries for clientID, oldest first.
	Recent(ctx context.Context, clientID string, limit int) ([]Entry, error)
	Close() error
}
