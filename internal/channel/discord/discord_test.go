package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"bosstracker/internal/channel"
	logx "bosstracker/pkg/logx"
)

type fakeDiscord struct {
	mu       sync.Mutex
	posted   []string
	status   int
	messages []map[string]any // newest first
	auth     string
}

func (f *fakeDiscord) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/webhooks/1/tok", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "1", "channel_id": "77"})
			return
		}
		if f.status != 0 {
			if f.status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "2")
			}
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
			return
		}
		if r.URL.Query().Get("wait") != "true" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.posted = append(f.posted, body.Content)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         strconv.Itoa(1000 + len(f.posted)),
			"channel_id": "77",
			"content":    body.Content,
			"timestamp":  "2026-01-02T23:34:25.123000+00:00",
		})
	})
	mux.HandleFunc("/api/v10/channels/77/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = r.Header.Get("Authorization")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		start := 0
		if before := r.URL.Query().Get("before"); before != "" {
			for i, m := range f.messages {
				if m["id"] == before {
					start = i + 1
				}
			}
		}
		end := start + limit
		if end > len(f.messages) {
			end = len(f.messages)
		}
		_ = json.NewEncoder(w).Encode(f.messages[start:end])
	})
	return mux
}

func newTestDiscord(t *testing.T, f *fakeDiscord, token string) *Discord {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	d, err := New(Config{
		WebhookURL: srv.URL + "/api/webhooks/1/tok",
		BotToken:   token,
		APIBase:    srv.URL + "/api/v10",
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestSendReturnsMessageRef(t *testing.T) {
	t.Parallel()
	f := &fakeDiscord{}
	d := newTestDiscord(t, f, "")
	ref, err := d.Send(context.Background(), "<t:1767396861:F> Lady Vox was killed in Permafrost Caverns!")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref.ID != "1001" {
		t.Fatalf("id = %q", ref.ID)
	}
	want := time.Date(2026, 1, 2, 23, 34, 25, 123000000, time.UTC)
	if !ref.At.Equal(want) {
		t.Fatalf("at = %v", ref.At)
	}
	if len(f.posted) != 1 {
		t.Fatalf("posted = %v", f.posted)
	}
}

func TestSendErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status     int
		rejected   bool
		ambiguous  bool
		retryAfter time.Duration
	}{
		{status: http.StatusBadRequest, rejected: true},
		{status: http.StatusNotFound, rejected: true},
		{status: http.StatusTooManyRequests, retryAfter: 2 * time.Second},
		{status: http.StatusBadGateway, ambiguous: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			t.Parallel()
			d := newTestDiscord(t, &fakeDiscord{status: tt.status}, "")
			_, err := d.Send(context.Background(), "x")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, channel.ErrRejected); got != tt.rejected {
				t.Fatalf("rejected = %v, want %v (%v)", got, tt.rejected, err)
			}
			if got := channel.IsAmbiguous(err); got != tt.ambiguous {
				t.Fatalf("ambiguous = %v, want %v", got, tt.ambiguous)
			}
			if got := channel.RetryAfter(err); got != tt.retryAfter {
				t.Fatalf("retry after = %v, want %v", got, tt.retryAfter)
			}
		})
	}
}

func TestRecentPagesAndStopsAtSince(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)
	f := &fakeDiscord{}
	for i := 0; i < 250; i++ {
		f.messages = append(f.messages, map[string]any{
			"id":        strconv.Itoa(5000 - i),
			"content":   fmt.Sprintf("message %d", i),
			"timestamp": base.Add(-time.Duration(i) * time.Minute).Format(time.RFC3339Nano),
		})
	}
	d := newTestDiscord(t, f, "bot-token")

	got, err := d.Recent(context.Background(), channel.Query{Limit: 500, Since: base.Add(-149 * time.Minute)})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 150 {
		t.Fatalf("messages = %d, want 150", len(got))
	}
	if got[0].Content != "message 0" || got[149].Content != "message 149" {
		t.Fatalf("unexpected order: %q .. %q", got[0].Content, got[149].Content)
	}
	if f.auth != "Bot bot-token" {
		t.Fatalf("authorization = %q", f.auth)
	}

	limited, err := d.Recent(context.Background(), channel.Query{Limit: 30})
	if err != nil || len(limited) != 30 {
		t.Fatalf("limited = %d, %v", len(limited), err)
	}
}

func TestRecentWithoutTokenHasNoHistory(t *testing.T) {
	t.Parallel()
	d := newTestDiscord(t, &fakeDiscord{}, "")
	if d.CanReadBack() {
		t.Fatal("CanReadBack without token")
	}
	if _, err := d.Recent(context.Background(), channel.Query{Limit: 10}); !errors.Is(err, channel.ErrNoHistory) {
		t.Fatalf("err = %v", err)
	}
}
