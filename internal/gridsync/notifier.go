package gridsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Summary is the post-run report forwarded to the messaging API.
type Summary struct {
	RunID    string `json:"runId"`
	Mode     string `json:"mode"`
	Sheet    string `json:"sheet"`
	Appended int    `json:"appended,omitempty"`
	Inserted int    `json:"inserted,omitempty"`
	Updated  int    `json:"updated,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

type ErrorReport struct {
	Title   string `json:"title,omitempty"`
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Notifier forwards summaries and alerts after a sync run. Calls are
// fire-and-forget from the orchestrator's point of view: failures are
// logged, never folded into the sync result.
type Notifier interface {
	PostSummary(ctx context.Context, summary Summary) error
	PostError(ctx context.Context, report ErrorReport) error
}

type NoopNotifier struct{}

func (NoopNotifier) PostSummary(ctx context.Context, summary Summary) error {
	return nil
}

func (NoopNotifier) PostError(ctx context.Context, report ErrorReport) error {
	return nil
}

type HTTPNotifierOptions struct {
	BaseURL        string
	Token          string
	DefaultChannel string
	HTTPClient     *http.Client
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// HTTPNotifier posts summaries and alerts to a messaging API. Channel
// names resolve to ids through the channel list endpoint and are
// cached for the notifier's lifetime. Retry behavior is independent of
// the source client's.
type HTTPNotifier struct {
	baseURL        string
	token          string
	defaultChannel string
	httpClient     *http.Client
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration

	mu       sync.Mutex
	channels map[string]string
}

func NewHTTPNotifier(opts HTTPNotifierOptions) (*HTTPNotifier, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: notifier base URL is required", ErrConfiguration)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPNotifier{
		baseURL:        baseURL,
		token:          strings.TrimSpace(opts.Token),
		defaultChannel: strings.TrimSpace(opts.DefaultChannel),
		httpClient:     httpClient,
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		channels:       map[string]string{},
	}, nil
}

func (n *HTTPNotifier) PostSummary(ctx context.Context, summary Summary) error {
	text := fmt.Sprintf("sync %s finished: mode=%s sheet=%s", summary.RunID, summary.Mode, summary.Sheet)
	if summary.Mode == "upsert" {
		text += fmt.Sprintf(" inserted=%d updated=%d", summary.Inserted, summary.Updated)
	} else {
		text += fmt.Sprintf(" appended=%d", summary.Appended)
	}
	return n.postMessage(ctx, summary.Channel, text)
}

func (n *HTTPNotifier) PostError(ctx context.Context, report ErrorReport) error {
	title := report.Title
	if title == "" {
		title = "sync failed"
	}
	text := title + ": " + report.Error
	if report.Context != "" {
		text += " (" + report.Context + ")"
	}
	return n.postMessage(ctx, report.Channel, text)
}

func (n *HTTPNotifier) postMessage(ctx context.Context, channel, text string) error {
	if channel == "" {
		channel = n.defaultChannel
	}
	channelID := channel
	if channel != "" {
		resolved, err := n.resolveChannel(ctx, channel)
		if err != nil {
			return err
		}
		channelID = resolved
	}
	body := map[string]any{"text": text}
	if channelID != "" {
		body["channel"] = channelID
	}
	return n.doJSON(ctx, http.MethodPost, "/v1/messages", body, nil)
}

func (n *HTTPNotifier) resolveChannel(ctx context.Context, name string) (string, error) {
	n.mu.Lock()
	if id, ok := n.channels[name]; ok {
		n.mu.Unlock()
		return id, nil
	}
	n.mu.Unlock()

	var listing struct {
		Channels []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"channels"`
	}
	if err := n.doJSON(ctx, http.MethodGet, "/v1/channels", nil, &listing); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, channel := range listing.Channels {
		n.channels[channel.Name] = channel.ID
	}
	if id, ok := n.channels[name]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: channel %q", ErrNotFound, name)
}

func (n *HTTPNotifier) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, n.baseURL+requestPath, reader)
		if err != nil {
			return err
		}
		if n.token != "" {
			req.Header.Set("Authorization", "Bearer "+n.token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < n.maxAttempts {
				if waitErr := sleepContext(ctx, n.retryDelay(attempt, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return lastErr
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		lastErr = &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    truncateBody(string(payload)),
			Endpoint:   requestPath,
		}
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
			if attempt < n.maxAttempts {
				if waitErr := sleepContext(ctx, n.retryDelay(attempt, resp.Header.Get("Retry-After"))); waitErr != nil {
					return waitErr
				}
				continue
			}
		}
		return lastErr
	}
	return lastErr
}

func (n *HTTPNotifier) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > n.maxDelay {
			return n.maxDelay
		}
		return retryAfter
	}
	delay := n.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= n.maxDelay {
			return n.maxDelay
		}
	}
	return delay
}
