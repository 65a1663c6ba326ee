package livechat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Watcher is a running attachment to one chat. Stop cancels it; once Stop
// has been called no further message reaches the handler.
type Watcher struct {
	id      string
	videoID string
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
	err     error
}

// Start runs src for videoID on its own goroutine. handle receives each
// message; onExit, when set, receives the terminal error of a watcher that
// ended on its own (it is not called after Stop).
func Start(parent context.Context, src Source, videoID string, handle func(Message), onExit func(error)) *Watcher {
	ctx, cancel := context.WithCancel(parent)
	w := &Watcher{
		id:      uuid.NewString(),
		videoID: videoID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		defer cancel()
		err := src.Watch(ctx, videoID, func(m Message) {
			if w.stopped.Load() || ctx.Err() != nil {
				return
			}
			handle(m)
		})
		if err != nil && ctx.Err() != nil {
			err = nil
		}
		w.err = err
		if onExit != nil && !w.stopped.Load() {
			onExit(err)
		}
	}()
	return w
}

func (w *Watcher) ID() string      { return w.id }
func (w *Watcher) VideoID() string { return w.videoID }

// Done is closed when the worker goroutine has returned.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Err is the terminal error; valid after Done is closed.
func (w *Watcher) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Stop cancels the watcher and waits up to timeout for it to exit.
func (w *Watcher) Stop(timeout time.Duration) error {
	w.stopped.Store(true)
	w.cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
