// Package livechat attaches to an external live chat stream and turns its
// lines into sanitized messages.
package livechat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoLiveChat        = errors.New("video has no active live chat")
	ErrSourceUnavailable = errors.New("live chat source unavailable")
	ErrStopTimeout       = errors.New("live chat watcher did not stop in time")
)

// Message is one chat line as received, before sanitization.
type Message struct {
	ID          string
	Author      string
	Text        string
	PublishedAt time.Time
}

// Source streams the chat of one video. Watch blocks until ctx is cancelled,
// the chat ends (nil) or the source fails. It must release every connection
// it opened before returning.
type Source interface {
	Watch(ctx context.Context, videoID string, emit func(Message)) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, videoID string, emit func(Message)) error

func (f SourceFunc) Watch(ctx context.Context, videoID string, emit func(Message)) error {
	return f(ctx, videoID, emit)
}

// Unavailable is the Source used when no chat backend is configured.
var Unavailable Source = SourceFunc(func(context.Context, string, func(Message)) error {
	return ErrSourceUnavailable
})
