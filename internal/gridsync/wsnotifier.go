package gridsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type streamEvent struct {
	Type      string       `json:"type"`
	Timestamp string       `json:"timestamp"`
	Summary   *Summary     `json:"summary,omitempty"`
	Error     *ErrorReport `json:"error,omitempty"`
}

// StreamNotifier pushes run events over a websocket to a live ops
// feed. The connection is dialed lazily and redialed once per send if
// the previous one went away.
type StreamNotifier struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStreamNotifier(streamURL string) (*StreamNotifier, error) {
	streamURL = strings.TrimSpace(streamURL)
	if streamURL == "" {
		return nil, fmt.Errorf("%w: stream URL is required", ErrConfiguration)
	}
	return &StreamNotifier{url: streamURL}, nil
}

func (n *StreamNotifier) PostSummary(ctx context.Context, summary Summary) error {
	return n.send(ctx, streamEvent{
		Type:      "summary",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Summary:   &summary,
	})
}

func (n *StreamNotifier) PostError(ctx context.Context, report ErrorReport) error {
	return n.send(ctx, streamEvent{
		Type:      "error",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Error:     &report,
	})
}

func (n *StreamNotifier) send(ctx context.Context, event streamEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		if err := n.dialLocked(ctx); err != nil {
			return err
		}
	}
	if err := wsjson.Write(ctx, n.conn, event); err != nil {
		_ = n.conn.Close(websocket.StatusInternalError, "write failed")
		n.conn = nil
		if dialErr := n.dialLocked(ctx); dialErr != nil {
			return err
		}
		return wsjson.Write(ctx, n.conn, event)
	}
	return nil
}

func (n *StreamNotifier) dialLocked(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, n.url, nil)
	if err != nil {
		return err
	}
	n.conn = conn
	return nil
}

func (n *StreamNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close(websocket.StatusNormalClosure, "")
	n.conn = nil
	return err
}
