package livechat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYouTubeSourceSkipsBacklogAndStopsWhenOffline(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/videos":
			assert.Equal(t, "vid1", r.URL.Query().Get("id"))
			fmt.Fprint(w, `{"items":[{"liveStreamingDetails":{"activeLiveChatId":"chat1"}}]}`)
		case "/liveChat/messages":
			assert.Equal(t, "chat1", r.URL.Query().Get("liveChatId"))
			if polls.Add(1) == 1 {
				fmt.Fprint(w, `{"nextPageToken":"p1","pollingIntervalMillis":1,"items":[
					{"id":"old","snippet":{"displayMessage":"backlog"},"authorDetails":{"displayName":"early"}}]}`)
				return
			}
			assert.Equal(t, "p1", r.URL.Query().Get("pageToken"))
			fmt.Fprint(w, `{"nextPageToken":"p2","offlineAt":"2026-01-01T00:00:00Z","items":[
				{"id":"m1","snippet":{"displayMessage":"hi","publishedAt":"2026-01-01T00:00:00Z"},"authorDetails":{"displayName":"bob"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewYouTubeSource(YouTubeConfig{APIKey: "k", BaseURL: srv.URL, MinPollInterval: 5 * time.Millisecond})
	var got []Message
	err := src.Watch(context.Background(), "vid1", func(m Message) { got = append(got, m) })
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "bob", got[0].Author)
	require.Equal(t, "hi", got[0].Text)
	require.False(t, got[0].PublishedAt.IsZero())
}

func TestYouTubeSourceNoLiveChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer srv.Close()

	src := NewYouTubeSource(YouTubeConfig{APIKey: "k", BaseURL: srv.URL})
	err := src.Watch(context.Background(), "vid1", func(Message) {})
	require.ErrorIs(t, err, ErrNoLiveChat)
}

func TestYouTubeSourceChatEndedReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/videos" {
			fmt.Fprint(w, `{"items":[{"liveStreamingDetails":{"activeLiveChatId":"chat1"}}]}`)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"ended","errors":[{"reason":"liveChatEnded"}]}}`)
	}))
	defer srv.Close()

	src := NewYouTubeSource(YouTubeConfig{APIKey: "k", BaseURL: srv.URL, MinPollInterval: time.Millisecond})
	err := src.Watch(context.Background(), "vid1", func(Message) {})
	require.ErrorIs(t, err, ErrNoLiveChat)
}

func TestYouTubeSourceWithoutKey(t *testing.T) {
	src := NewYouTubeSource(YouTubeConfig{})
	require.ErrorIs(t, src.Watch(context.Background(), "vid1", func(Message) {}), ErrSourceUnavailable)
}

func TestYouTubeSourceStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/videos" {
			fmt.Fprint(w, `{"items":[{"liveStreamingDetails":{"activeLiveChatId":"chat1"}}]}`)
			return
		}
		fmt.Fprint(w, `{"pollingIntervalMillis":10000,"items":[]}`)
	}))
	defer srv.Close()

	src := NewYouTubeSource(YouTubeConfig{APIKey: "k", BaseURL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx, "vid1", func(Message) {}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Watch() did not return after cancel")
	}
}
