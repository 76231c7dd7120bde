package app

import (
	"fmt"
	"strings"
	"time"

	"bosstracker/internal/channel"
	"bosstracker/internal/channel/discord"
	"bosstracker/internal/channel/telegram"
	"bosstracker/internal/config"
	"bosstracker/internal/dedup"
	"bosstracker/internal/journal"
	"bosstracker/internal/notifier"
	"bosstracker/internal/observability"
	"bosstracker/internal/reconcile"
	"bosstracker/internal/registry"
	"bosstracker/internal/scheduler"
	"bosstracker/internal/tail"
	logx "bosstracker/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// secrets lists every credential in cfg that must be masked in logs.
func secrets(cfg *config.Config) []string {
	out := []string{
		cfg.Channel.Discord.WebhookURL,
		cfg.Channel.Discord.BotToken,
		cfg.Channel.Telegram.Token,
		cfg.Debug.Token,
	}
	// The webhook token alone is also a credential.
	if u := strings.TrimSpace(cfg.Channel.Discord.WebhookURL); u != "" {
		if i := strings.LastIndex(strings.TrimRight(u, "/"), "/"); i >= 0 {
			out = append(out, strings.TrimRight(u, "/")[i+1:])
		}
	}
	return out
}

func mapTail(cfg *config.Config) (tail.Config, error) {
	poll, err := config.ParseDurationOrDefault("source.poll_interval", cfg.Source.PollInterval, time.Second)
	if err != nil {
		return tail.Config{}, err
	}
	rescan, err := config.ParseDurationOrDefault("source.rescan_interval", cfg.Source.RescanInterval, 10*time.Second)
	if err != nil {
		return tail.Config{}, err
	}
	return tail.Config{
		Dir:    strings.TrimSpace(cfg.Source.Dir),
		Prefix: cfg.Source.Prefix,
		Ext:    cfg.Source.Ext,
		Poll:   poll,
		Rescan: rescan,
	}, nil
}

func mapRegistry(cfg *config.Config) registry.Config {
	return registry.Config{
		Path:        strings.TrimSpace(cfg.Registry.Path),
		Defaults:    strings.TrimSpace(cfg.Registry.Defaults),
		BackupDir:   strings.TrimSpace(cfg.Registry.BackupDir),
		BackupsKeep: cfg.Registry.BackupsKeep,
	}
}

func mapJournal(cfg *config.Config) (journal.Config, error) {
	if cfg.Journal == nil {
		return journal.Config{Driver: "none"}, nil
	}
	busy, err := config.ParseDurationOrDefault("journal.busy_timeout", cfg.Journal.BusyTimeout, 0)
	if err != nil {
		return journal.Config{}, err
	}
	return journal.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Journal.Driver)),
		Path:        strings.TrimSpace(cfg.Journal.Path),
		BusyTimeout: busy,
	}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.NotifierOrDefault()
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	if maxDelay > 0 && base > maxDelay {
		return notifier.Config{}, fmt.Errorf("notifier.retry_base (%s) exceeds retry_max_delay (%s)", base, maxDelay)
	}
	return notifier.Config{
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapDedup(cfg *config.Config) (dedup.Config, error) {
	d, err := cfg.DedupSettings()
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{
		Window:           d.Window,
		Tolerance:        d.Tolerance,
		LookbackMessages: d.LookbackMessages,
		LookbackWindow:   d.LookbackWindow,
		EnableNewTargets: d.EnableNewTargets,
		CheckTimeout:     d.CheckTimeout,
		KillTemplate:     cfg.Templates.Kill,
		LockoutTemplate:  cfg.Templates.Lockout,
	}, nil
}

func mapReconcile(cfg *config.Config) (config.Reconcile, reconcile.Config, error) {
	rs, err := cfg.ReconcileSettings()
	if err != nil {
		return rs, reconcile.Config{}, err
	}
	if rs.Schedule != "" {
		if err := scheduler.ValidateSchedule(rs.Schedule); err != nil {
			return rs, reconcile.Config{}, fmt.Errorf("reconcile.schedule: %w", err)
		}
	}
	return rs, reconcile.Config{Limit: rs.Limit, MaxAge: rs.MaxAge}, nil
}

func mapDebug(cfg *config.Config) (observability.ServerConfig, error) {
	d := cfg.Debug
	out := observability.ServerConfig{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// profile/trace endpoints stream for up to 30s by default
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func openChannel(cfg *config.Config, log logx.Logger) (channel.Channel, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Channel.Driver)) {
	case "discord":
		d := cfg.Channel.Discord
		timeout, err := config.ParseDurationOrDefault("channel.discord.timeout", d.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return discord.New(discord.Config{
			WebhookURL: d.WebhookURL,
			BotToken:   d.BotToken,
			ChannelID:  d.ChannelID,
			APIBase:    d.APIBase,
			Timeout:    timeout,
		}, log.With(logx.String("comp", "discord")))
	case "telegram":
		t := cfg.Channel.Telegram
		return telegram.New(telegram.Config{
			Token:    t.Token,
			ChatID:   t.ChatID,
			ThreadID: t.ThreadID,
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("channel.driver: unknown driver %q", cfg.Channel.Driver)
	}
}
