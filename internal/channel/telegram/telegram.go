// Package telegram posts kill notifications to a Telegram chat.
//
// The Bot API offers no way to read a chat's history, so Recent always
// reports channel.ErrNoHistory and duplicate checks degrade to "cannot verify".
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"bosstracker/internal/channel"
	logx "bosstracker/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	APIURL   string // default: telebot's public API
	Timeout  time.Duration
}

type Telegram struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ channel.Channel = (*Telegram)(nil)

func New(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Offline skips getMe at construction; the first Send surfaces a bad token.
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{cfg: cfg, log: log.With(logx.Int64("chat_id", cfg.ChatID)), bot: b}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) CanReadBack() bool { return false }

func (t *Telegram) Send(ctx context.Context, text string) (channel.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return channel.MessageRef{}, err
	}
	msg, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, &tele.SendOptions{
		ThreadID:              t.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return channel.MessageRef{}, classify(err)
	}
	ref := channel.MessageRef{ID: strconv.Itoa(msg.ID), At: msg.Time().UTC()}
	t.log.Debug("message posted", logx.String("id", ref.ID))
	return ref, nil
}

func (t *Telegram) Recent(context.Context, channel.Query) ([]channel.Message, error) {
	return nil, channel.ErrNoHistory
}

// classify maps Bot API errors onto the channel error taxonomy.
func classify(err error) error {
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusTooManyRequests:
			return &channel.TransportError{Op: "send", Status: te.Code, Err: err}
		case te.Code >= 400 && te.Code < 500:
			return channel.Rejected(te.Code, te.Description)
		case te.Code >= 500:
			return &channel.TransportError{Op: "send", Status: te.Code, Ambiguous: true, Err: err}
		}
	}
	return &channel.TransportError{Op: "send", Ambiguous: true, Err: err}
}
