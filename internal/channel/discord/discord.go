// Package discord posts through a channel webhook and reads the channel back
// with a bot token.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"bosstracker/internal/channel"
	logx "bosstracker/pkg/logx"
)

const (
	DefaultAPIBase = "https://discord.com/api/v10"
	pageSize       = 100
	maxErrBody     = 512
)

type Config struct {
	WebhookURL string
	BotToken   string
	ChannelID  string
	APIBase    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Discord struct {
	cfg     Config
	log     logx.Logger
	client  *http.Client
	webhook string
	apiBase string

	mu        sync.Mutex
	channelID string
}

var _ channel.Channel = (*Discord)(nil)

func New(cfg Config, log logx.Logger) (*Discord, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.WebhookURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("discord: webhook url must be absolute")
	}
	if !strings.Contains(u.Path, "/webhooks/") {
		return nil, errors.New("discord: webhook url has no /webhooks/ path")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	u.RawQuery = ""
	d := &Discord{
		cfg:       cfg,
		log:       log.With(logx.String("webhook", logx.Mask(u.String()))),
		client:    client,
		webhook:   u.String(),
		apiBase:   base,
		channelID: strings.TrimSpace(cfg.ChannelID),
	}
	return d, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) CanReadBack() bool { return strings.TrimSpace(d.cfg.BotToken) != "" }

type messageJSON struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Embeds    []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"embeds"`
}

func (m messageJSON) ref() channel.MessageRef {
	at, _ := time.Parse(time.RFC3339Nano, m.Timestamp)
	return channel.MessageRef{ID: m.ID, At: at.UTC()}
}

func (m messageJSON) text() string {
	parts := []string{m.Content}
	for _, e := range m.Embeds {
		parts = append(parts, e.Title, e.Description)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// Send posts text through the webhook and waits for the created message.
func (d *Discord) Send(ctx context.Context, text string) (channel.MessageRef, error) {
	body, err := json.Marshal(map[string]any{
		"content":          text,
		"allowed_mentions": map[string]any{"parse": []string{}},
	})
	if err != nil {
		return channel.MessageRef{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhook+"?wait=true", bytes.NewReader(body))
	if err != nil {
		return channel.MessageRef{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var msg messageJSON
	if err := d.do(req, "send", &msg); err != nil {
		return channel.MessageRef{}, err
	}
	if msg.ChannelID != "" {
		d.mu.Lock()
		if d.channelID == "" {
			d.channelID = msg.ChannelID
		}
		d.mu.Unlock()
	}
	ref := msg.ref()
	d.log.Debug("message posted", logx.String("id", ref.ID))
	return ref, nil
}

// Recent pages backwards through the channel until q.Limit messages are read
// or messages become older than q.Since.
func (d *Discord) Recent(ctx context.Context, q channel.Query) ([]channel.Message, error) {
	if !d.CanReadBack() {
		return nil, channel.ErrNoHistory
	}
	chID, err := d.resolveChannel(ctx)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = pageSize
	}

	var (
		out    []channel.Message
		before string
	)
	for len(out) < limit {
		n := limit - len(out)
		if n > pageSize {
			n = pageSize
		}
		v := url.Values{}
		v.Set("limit", strconv.Itoa(n))
		if before != "" {
			v.Set("before", before)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiBase+"/channels/"+url.PathEscape(chID)+"/messages?"+v.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bot "+d.cfg.BotToken)

		var page []messageJSON
		if err := d.do(req, "history", &page); err != nil {
			return nil, err
		}
		old := false
		for _, m := range page {
			ref := m.ref()
			if !q.Since.IsZero() && ref.At.Before(q.Since) {
				old = true
				break
			}
			out = append(out, channel.Message{MessageRef: ref, Content: m.text()})
		}
		if old || len(page) < n {
			break
		}
		before = page[len(page)-1].ID
	}
	return out, nil
}

func (d *Discord) resolveChannel(ctx context.Context) (string, error) {
	d.mu.Lock()
	id := d.channelID
	d.mu.Unlock()
	if id != "" {
		return id, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.webhook, nil)
	if err != nil {
		return "", err
	}
	var hook struct {
		ChannelID string `json:"channel_id"`
	}
	if err := d.do(req, "webhook", &hook); err != nil {
		return "", err
	}
	if hook.ChannelID == "" {
		return "", errors.New("discord: webhook has no channel id")
	}
	d.mu.Lock()
	d.channelID = hook.ChannelID
	d.mu.Unlock()
	d.log.Info("resolved channel from webhook", logx.String("channel_id", hook.ChannelID))
	return hook.ChannelID, nil
}

// do executes req and decodes a 2xx JSON body into out. 4xx other than 429
// is a rejection; 429, 5xx and network failures are transport errors.
func (d *Discord) do(req *http.Request, op string, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return &channel.TransportError{Op: op, Ambiguous: req.Method == http.MethodPost, Err: ctxErr}
		}
		return &channel.TransportError{Op: op, Ambiguous: req.Method == http.MethodPost && !isDialError(err), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return &channel.TransportError{
			Op:         op,
			Status:     resp.StatusCode,
			RetryAfter: retryAfter(resp.Header, body),
			Err:        errors.New("rate limited"),
		}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return &channel.TransportError{
			Op:        op,
			Status:    resp.StatusCode,
			Ambiguous: req.Method == http.MethodPost,
			Err:       fmt.Errorf("server error: %s", strings.TrimSpace(string(body))),
		}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return channel.Rejected(resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusNoContent || out == nil:
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &channel.TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func isDialError(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

func retryAfter(h http.Header, body []byte) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	var rl struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	return 0
}
