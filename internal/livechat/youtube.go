package livechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxConsecutiveFailures = 3

type YouTubeConfig struct {
	APIKey          string
	BaseURL         string
	MinPollInterval time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// YouTubeSource polls the YouTube Data API v3 live chat endpoints.
type YouTubeSource struct {
	cfg    YouTubeConfig
	client *http.Client
	logger *slog.Logger
}

func NewYouTubeSource(cfg YouTubeConfig) *YouTubeSource {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.googleapis.com/youtube/v3"
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = 2 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &YouTubeSource{cfg: cfg, client: client, logger: logger.With("component", "youtube_chat")}
}

type videoListResponse struct {
	Items []struct {
		LiveStreamingDetails struct {
			ActiveLiveChatID string `json:"activeLiveChatId"`
		} `json:"liveStreamingDetails"`
	} `json:"items"`
}

type chatMessagesResponse struct {
	NextPageToken         string            `json:"nextPageToken"`
	PollingIntervalMillis int64             `json:"pollingIntervalMillis"`
	OfflineAt             string            `json:"offlineAt"`
	Items                 []chatMessageItem `json:"items"`
}

type chatMessageItem struct {
	ID      string `json:"id"`
	Snippet struct {
		DisplayMessage string `json:"displayMessage"`
		PublishedAt    string `json:"publishedAt"`
	} `json:"snippet"`
	AuthorDetails struct {
		DisplayName string `json:"displayName"`
	} `json:"authorDetails"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// Watch resolves the video's live chat and polls it until ctx ends or the
// chat goes offline. Lines already present when the watcher attaches are
// skipped.
func (s *YouTubeSource) Watch(ctx context.Context, videoID string, emit func(Message)) error {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return ErrSourceUnavailable
	}
	chatID, err := s.liveChatID(ctx, videoID)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(s.cfg.MinPollInterval), 1)
	pageToken := ""
	backlog := true
	failures := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		page, err := s.messages(ctx, chatID, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= maxConsecutiveFailures || errors.Is(err, ErrNoLiveChat) {
				return err
			}
			s.logger.Warn("live chat poll failed", "video_id", videoID, "attempt", failures, "error", err)
			continue
		}
		failures = 0

		if !backlog {
			for _, item := range page.Items {
				published, _ := time.Parse(time.RFC3339Nano, item.Snippet.PublishedAt)
				emit(Message{
					ID:          item.ID,
					Author:      item.AuthorDetails.DisplayName,
					Text:        item.Snippet.DisplayMessage,
					PublishedAt: published,
				})
			}
		}
		backlog = false

		if page.OfflineAt != "" {
			return nil
		}
		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
		}
		interval := time.Duration(page.PollingIntervalMillis) * time.Millisecond
		if interval < s.cfg.MinPollInterval {
			interval = s.cfg.MinPollInterval
		}
		limiter.SetLimit(rate.Every(interval))
	}
}

func (s *YouTubeSource) liveChatID(ctx context.Context, videoID string) (string, error) {
	var out videoListResponse
	q := url.Values{}
	q.Set("part", "liveStreamingDetails")
	q.Set("id", videoID)
	if err := s.getJSON(ctx, "/videos", q, &out); err != nil {
		return "", err
	}
	if len(out.Items) == 0 || out.Items[0].LiveStreamingDetails.ActiveLiveChatID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoLiveChat, videoID)
	}
	return out.Items[0].LiveStreamingDetails.ActiveLiveChatID, nil
}

func (s *YouTubeSource) messages(ctx context.Context, chatID, pageToken string) (chatMessagesResponse, error) {
	var out chatMessagesResponse
	q := url.Values{}
	q.Set("liveChatId", chatID)
	q.Set("part", "snippet,authorDetails")
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	err := s.getJSON(ctx, "/liveChat/messages", q, &out)
	return out, err
}

func (s *YouTubeSource) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	q.Set("key", s.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		for _, e := range apiErr.Error.Errors {
			switch e.Reason {
			case "liveChatEnded", "liveChatNotFound", "liveChatDisabled":
				return ErrNoLiveChat
			}
		}
		detail := apiErr.Error.Message
		if detail == "" {
			detail = strings.TrimSpace(string(body))
		}
		return fmt.Errorf("youtube api status %d: %s", res.StatusCode, detail)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
