package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Defaults applied when a field is omitted.
const (
	DefaultDedupWindow      = 9 * time.Second
	DefaultTolerance        = 3 * time.Minute
	DefaultLookbackMessages = 100
	DefaultLookbackWindow   = 10 * time.Minute
	DefaultCheckTimeout     = 5 * time.Second

	DefaultReconcileInterval = 12 * time.Hour
	MinReconcileInterval     = time.Hour
	MaxReconcileInterval     = 168 * time.Hour
	DefaultReconcileLimit    = 500
	DefaultReconcileMaxAge   = 7 * 24 * time.Hour

	NewTargetEnable  = "enable"
	NewTargetDisable = "disable"
)

// Dedup is the parsed form of DedupConfig.
type Dedup struct {
	Window           time.Duration
	Tolerance        time.Duration
	LookbackMessages int
	LookbackWindow   time.Duration
	EnableNewTargets bool
	CheckTimeout     time.Duration
}

func (c *Config) DedupSettings() (Dedup, error) {
	d := c.Dedup
	var (
		out Dedup
		err error
	)
	if out.Window, err = ParseDurationOrDefault("dedup.window", d.Window, DefaultDedupWindow); err != nil {
		return out, err
	}
	if out.Tolerance, err = ParseDurationOrDefault("dedup.tolerance", d.Tolerance, DefaultTolerance); err != nil {
		return out, err
	}
	if out.LookbackWindow, err = ParseDurationOrDefault("dedup.lookback_window", d.LookbackWindow, DefaultLookbackWindow); err != nil {
		return out, err
	}
	if out.CheckTimeout, err = ParseDurationOrDefault("dedup.check_timeout", d.CheckTimeout, DefaultCheckTimeout); err != nil {
		return out, err
	}
	out.LookbackMessages = d.LookbackMessages
	if out.LookbackMessages <= 0 {
		out.LookbackMessages = DefaultLookbackMessages
	}
	switch strings.ToLower(strings.TrimSpace(d.NewTargetAction)) {
	case "", NewTargetEnable:
		out.EnableNewTargets = true
	case NewTargetDisable:
		out.EnableNewTargets = false
	default:
		return out, fmt.Errorf("dedup.new_target_action: want %q or %q, got %q", NewTargetEnable, NewTargetDisable, d.NewTargetAction)
	}
	return out, nil
}

// Reconcile is the parsed form of ReconcileConfig.
type Reconcile struct {
	Enabled  bool
	Interval time.Duration
	Limit    int
	MaxAge   time.Duration
	Timeout  time.Duration
	// Schedule, when set, replaces Interval. Syntax is checked by the scheduler.
	Schedule string
}

// ReconcileSettings clamps the interval to [1h, 168h]. An omitted enabled flag
// means "on"; the app still skips it when the channel cannot be read back.
func (c *Config) ReconcileSettings() (Reconcile, error) {
	r := c.Reconcile
	out := Reconcile{Enabled: r.Enabled == nil || *r.Enabled, Limit: r.ScanLimit, Schedule: strings.TrimSpace(r.Schedule)}
	var err error
	if out.Interval, err = ParseDurationOrDefault("reconcile.interval", r.Interval, DefaultReconcileInterval); err != nil {
		return out, err
	}
	if out.Interval < MinReconcileInterval {
		out.Interval = MinReconcileInterval
	}
	if out.Interval > MaxReconcileInterval {
		out.Interval = MaxReconcileInterval
	}
	if out.MaxAge, err = ParseDurationOrDefault("reconcile.max_age", r.MaxAge, DefaultReconcileMaxAge); err != nil {
		return out, err
	}
	if out.Timeout, err = ParseDurationOrDefault("reconcile.timeout", r.Timeout, 2*time.Minute); err != nil {
		return out, err
	}
	if out.Limit <= 0 {
		out.Limit = DefaultReconcileLimit
	}
	return out, nil
}

// NotifierOrDefault returns the notifier section, filling omitted fields.
func (c *Config) NotifierOrDefault() NotifierConfig {
	n := NotifierConfig{
		QueueSize:     64,
		RatePerSec:    1,
		RetryMax:      3,
		RetryBase:     "1s",
		RetryMaxDelay: "30s",
		SendTimeout:   "10s",
	}
	if c.Notifier == nil {
		return n
	}
	in := *c.Notifier
	if in.QueueSize > 0 {
		n.QueueSize = in.QueueSize
	}
	if in.RatePerSec > 0 {
		n.RatePerSec = in.RatePerSec
	}
	if in.RetryMax > 0 {
		n.RetryMax = in.RetryMax
	}
	if strings.TrimSpace(in.RetryBase) != "" {
		n.RetryBase = in.RetryBase
	}
	if strings.TrimSpace(in.RetryMaxDelay) != "" {
		n.RetryMaxDelay = in.RetryMaxDelay
	}
	if strings.TrimSpace(in.SendTimeout) != "" {
		n.SendTimeout = in.SendTimeout
	}
	return n
}

// Validate checks a parsed config. It is used both at startup and as the
// hot-reload validator.
func Validate(_ context.Context, c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Source.Dir) == "" {
		errs = append(errs, errors.New("source.dir is required"))
	}
	for path, raw := range map[string]string{
		"source.poll_interval":    c.Source.PollInterval,
		"source.rescan_interval":  c.Source.RescanInterval,
		"channel.discord.timeout": c.Channel.Discord.Timeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Channel.Driver)) {
	case "discord":
		u, err := url.Parse(strings.TrimSpace(c.Channel.Discord.WebhookURL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, errors.New("channel.discord.webhook_url must be an absolute URL"))
		}
	case "telegram":
		if strings.TrimSpace(c.Channel.Telegram.Token) == "" || c.Channel.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("channel.telegram needs token and chat_id"))
		}
	default:
		errs = append(errs, fmt.Errorf("channel.driver: unknown driver %q", c.Channel.Driver))
	}
	if strings.TrimSpace(c.Registry.Path) == "" {
		errs = append(errs, errors.New("registry.path is required"))
	}
	if _, err := c.DedupSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ReconcileSettings(); err != nil {
		errs = append(errs, err)
	}
	n := c.NotifierOrDefault()
	for path, raw := range map[string]string{
		"notifier.retry_base":      n.RetryBase,
		"notifier.retry_max_delay": n.RetryMaxDelay,
		"notifier.send_timeout":    n.SendTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Journal != nil {
		switch strings.ToLower(strings.TrimSpace(c.Journal.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q", c.Journal.Driver))
		}
	}
	return errors.Join(errs...)
}
