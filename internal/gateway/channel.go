package gateway

import (
	"context"
	"errors"

	"github.com/antoniostano/livegate/internal/upstream"
)

var ErrClientClosed = errors.New("client channel closed")

// ClientChannel is the downstream socket of one UI client.
type ClientChannel interface {
	// Receive blocks for the next raw client frame. It returns an error once
	// the client disconnects or ctx ends.
	Receive(ctx context.Context) ([]byte, error)
	// Send queues one server frame for delivery.
	Send(ctx context.Context, frame any) error
	Close() error
}

// Upstream is the generation service connection used by a session.
// *upstream.Bridge implements it.
type Upstream interface {
	SetConfig(setup upstream.Setup) error
	Connect(ctx context.Context) error
	SendAudio(ctx context.Context, data string) error
	SendImage(ctx context.Context, data string) error
	SendText(ctx context.Context, text string) error
	Receive(ctx context.Context) ([]byte, error)
	Reconnect(ctx context.Context, generation uint64) (bool, error)
	Generation() uint64
	Close() error
}

var _ Upstream = (*upstream.Bridge)(nil)
