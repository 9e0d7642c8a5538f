package gridsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestNewStreamNotifierRequiresURL(t *testing.T) {
	if _, err := NewStreamNotifier("  "); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStreamNotifierDeliversEvents(t *testing.T) {
	received := make(chan streamEvent, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var event streamEvent
			if err := wsjson.Read(r.Context(), conn, &event); err != nil {
				return
			}
			received <- event
		}
	}))
	defer server.Close()

	notifier, err := NewStreamNotifier(strings.Replace(server.URL, "http://", "ws://", 1))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := notifier.PostSummary(ctx, Summary{RunID: "run1", Mode: "append", Sheet: "contacts"}); err != nil {
		t.Fatalf("post summary: %v", err)
	}
	if err := notifier.PostError(ctx, ErrorReport{Error: "boom"}); err != nil {
		t.Fatalf("post error: %v", err)
	}

	first := <-received
	if first.Type != "summary" || first.Summary == nil || first.Summary.RunID != "run1" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if first.Timestamp == "" {
		t.Fatalf("expected timestamp on event")
	}
	second := <-received
	if second.Type != "error" || second.Error == nil || second.Error.Error != "boom" {
		t.Fatalf("unexpected second event %+v", second)
	}
}
