package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/antoniostano/livegate/internal/protocol"
	"github.com/antoniostano/livegate/internal/upstream"
	"github.com/stretchr/testify/require"
)

// scriptedUpstream fails sends with the queued errors, then succeeds.
type scriptedUpstream struct {
	mu         sync.Mutex
	sendErrs   []error
	sent       []string
	reconnects []uint64
	reconnErr  error
	gen        uint64
}

func (u *scriptedUpstream) next(data string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.sendErrs) > 0 {
		err := u.sendErrs[0]
		u.sendErrs = u.sendErrs[1:]
		return err
	}
	u.sent = append(u.sent, data)
	return nil
}

func (u *scriptedUpstream) SetConfig(upstream.Setup) error { return nil }
func (u *scriptedUpstream) Connect(context.Context) error   { return nil }
func (u *scriptedUpstream) Close() error                    { return nil }

func (u *scriptedUpstream) SendAudio(_ context.Context, d string) error { return u.next(d) }
func (u *scriptedUpstream) SendImage(_ context.Context, d string) error { return u.next(d) }
func (u *scriptedUpstream) SendText(_ context.Context, d string) error  { return u.next(d) }

func (u *scriptedUpstream) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (u *scriptedUpstream) Generation() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gen
}

func (u *scriptedUpstream) Reconnect(_ context.Context, gen uint64) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reconnects = append(u.reconnects, gen)
	if u.reconnErr != nil {
		return false, u.reconnErr
	}
	if gen != u.gen {
		return false, nil
	}
	u.gen++
	return true, nil
}

func newSenderSession(t *testing.T, up *scriptedUpstream) (*clientSession, *memChannel) {
	t.Helper()
	h := newHarness(t, nil)
	ch := newMemChannel()
	s := newClientSession(h.mgr, "c1", ch, up)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)
	return s, ch
}

func TestSendUpstreamResendsOnceAfterTransientClose(t *testing.T) {
	up := &scriptedUpstream{gen: 1, sendErrs: []error{&upstream.ClosedError{Code: 1006, Generation: 1}}}
	s, ch := newSenderSession(t, up)

	require.True(t, s.sendUpstream(context.Background(), kindAudio, "AQID"))
	require.Equal(t, []string{"AQID"}, up.sent)
	require.Equal(t, []uint64{1}, up.reconnects)
	require.Empty(t, ch.frames())
	require.EqualValues(t, 1, s.reconnects.Load())
}

func TestSendUpstreamNeverResendsRejectedPayload(t *testing.T) {
	up := &scriptedUpstream{gen: 1, sendErrs: []error{&upstream.ClosedError{Code: 1007, Reason: "unsafe prompt", Generation: 1}}}
	s, ch := newSenderSession(t, up)

	require.False(t, s.sendUpstream(context.Background(), kindText, "[YouTube] x: bad"))
	require.Empty(t, up.sent)
	require.Equal(t, []uint64{1}, up.reconnects, "reconnect for future sends")
	skipped := ch.ofType(protocol.TypeChatSkipped)
	require.Len(t, skipped, 1)

	// The receive path observing the same drop does not notify twice.
	s.notifyRejected(context.Background(), 1)
	require.Len(t, ch.ofType(protocol.TypeChatSkipped), 1)
}

func TestSendUpstreamDropsWhenResendFails(t *testing.T) {
	closed := &upstream.ClosedError{Code: 1011, Generation: 1}
	up := &scriptedUpstream{gen: 1, sendErrs: []error{closed, &upstream.ClosedError{Code: 1011, Generation: 2}}}
	s, _ := newSenderSession(t, up)

	require.False(t, s.sendUpstream(context.Background(), kindImage, "/9j/"))
	require.Empty(t, up.sent)
	require.Len(t, up.reconnects, 1, "one reconnect only")
}

func TestSendUpstreamDropsWhenReconnectFails(t *testing.T) {
	up := &scriptedUpstream{
		gen:       1,
		sendErrs:  []error{&upstream.ClosedError{Code: 1006, Generation: 1}},
		reconnErr: errors.New("dial refused"),
	}
	s, _ := newSenderSession(t, up)

	require.False(t, s.sendUpstream(context.Background(), kindText, "hello"))
	require.Empty(t, up.sent)
}

func TestSendUpstreamNotConnected(t *testing.T) {
	up := &scriptedUpstream{gen: 1, sendErrs: []error{upstream.ErrNotConnected}}
	s, _ := newSenderSession(t, up)

	require.False(t, s.sendUpstream(context.Background(), kindAudio, "AQID"))
	require.Empty(t, up.reconnects)
}

func TestAudioBufferFlushAndReset(t *testing.T) {
	var buf audioBuffer
	buf.push("a")
	buf.push("b")
	buf.push("c")

	var got []string
	buf.flush(func(chunk string) error {
		if chunk == "b" {
			return errSlowClient
		}
		got = append(got, chunk)
		return nil
	})
	require.Equal(t, []string{"a"}, got)
	require.Len(t, buf.chunks, 2)
	require.Equal(t, 2, buf.reset())
	require.Empty(t, buf.chunks)
}
