package livechat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tickingSource emits one message every interval and records when its
// context is cancelled.
type tickingSource struct {
	interval time.Duration

	mu       sync.Mutex
	events   []string
	released map[string]bool
}

func (s *tickingSource) log(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *tickingSource) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *tickingSource) Watch(ctx context.Context, videoID string, emit func(Message)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log("cancelled:" + videoID)
			return ctx.Err()
		case <-ticker.C:
			emit(Message{Author: videoID, Text: "line"})
		}
	}
}

func TestWatcherReplacementStopsOldBeforeNewEmits(t *testing.T) {
	src := &tickingSource{interval: 5 * time.Millisecond}
	var mu sync.Mutex
	var seen []string
	handle := func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, m.Author)
		src.log("emit:" + m.Author)
	}

	a := Start(context.Background(), src, "A", handle, nil)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, a.Stop(2*time.Second))
	b := Start(context.Background(), src, "B", handle, nil)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Stop(2*time.Second))

	events := src.Events()
	cancelA := indexOf(events, "cancelled:A")
	firstB := indexOf(events, "emit:B")
	require.GreaterOrEqual(t, cancelA, 0, "A was never cancelled: %v", events)
	require.Greater(t, firstB, cancelA, "B emitted before A stopped: %v", events)
	for _, e := range events[cancelA:] {
		require.NotEqual(t, "emit:A", e)
	}
	require.NoError(t, a.Err())
}

func TestWatcherReportsSourceFailure(t *testing.T) {
	exited := make(chan error, 1)
	w := Start(context.Background(), Unavailable, "A", func(Message) {}, func(err error) { exited <- err })

	select {
	case err := <-exited:
		require.ErrorIs(t, err, ErrSourceUnavailable)
	case <-time.After(time.Second):
		t.Fatalf("onExit was not called")
	}
	<-w.Done()
	require.ErrorIs(t, w.Err(), ErrSourceUnavailable)
}

func TestWatcherStopTimesOut(t *testing.T) {
	release := make(chan struct{})
	src := SourceFunc(func(ctx context.Context, _ string, _ func(Message)) error {
		<-release
		return nil
	})
	w := Start(context.Background(), src, "A", func(Message) {}, nil)
	require.ErrorIs(t, w.Stop(20*time.Millisecond), ErrStopTimeout)
	close(release)
	<-w.Done()
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}
