package transcript

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Recorder redacts and appends entries, logging store failures instead of
// returning them. A nil *Recorder records nothing.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "transcript"), now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, clientID, sessionID string, source Source, text string) {
	if r == nil || strings.TrimSpace(text) == "" {
		return
	}
	redacted, changed := Redact(text)
	err := r.store.Append(ctx, Entry{
		ClientID:    clientID,
		SessionID:   sessionID,
		Source:      source,
		Text:        redacted,
		PIIRedacted: changed,
		CreatedAt:   r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("transcript append failed", "client_id", clientID, "source", source, "error", err)
	}
}

func (r *Recorder) Recent(ctx context.Context, clientID string, limit int) ([]Entry, error) {
	if r == nil {
		return nil, nil
	}
	return r.store.Recent(ctx, clientID, limit)
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.store.Close()
}
