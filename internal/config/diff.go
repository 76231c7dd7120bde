package config

import (
	"reflect"
	"sort"
	"strings"

	logx "bosstracker/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or webhook URLs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.dir", strings.TrimSpace(newCfg.Source.Dir)),
			logx.String("source.prefix", strings.TrimSpace(newCfg.Source.Prefix)),
			logx.String("source.timezone", strings.TrimSpace(newCfg.Source.Timezone)),
		)
	}

	if oldCfg.Display != newCfg.Display {
		changed = append(changed, "display")
		attrs = append(attrs,
			logx.String("display.timezone", strings.TrimSpace(newCfg.Display.Timezone)),
			logx.Bool("display.military_time", newCfg.Display.MilitaryTime),
		)
	}

	// Channel (never log webhook URL or tokens)
	oc, nc := oldCfg.Channel, newCfg.Channel
	if oc.Driver != nc.Driver ||
		oc.Discord.WebhookURL != nc.Discord.WebhookURL ||
		oc.Discord.BotToken != nc.Discord.BotToken ||
		oc.Discord.ChannelID != nc.Discord.ChannelID ||
		oc.Discord.APIBase != nc.Discord.APIBase ||
		oc.Discord.Timeout != nc.Discord.Timeout ||
		oc.Telegram != nc.Telegram {
		changed = append(changed, "channel")
		attrs = append(attrs,
			logx.String("channel.driver", strings.TrimSpace(nc.Driver)),
			logx.Bool("channel.webhook_set", strings.TrimSpace(nc.Discord.WebhookURL) != ""),
			logx.Bool("channel.bot_token_set", strings.TrimSpace(nc.Discord.BotToken) != ""),
			logx.Bool("channel.telegram_token_set", strings.TrimSpace(nc.Telegram.Token) != ""),
		)
	}

	oldN, newN := oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault()
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Float64("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.window", strings.TrimSpace(newCfg.Dedup.Window)),
			logx.String("dedup.tolerance", strings.TrimSpace(newCfg.Dedup.Tolerance)),
			logx.String("dedup.new_target_action", strings.TrimSpace(newCfg.Dedup.NewTargetAction)),
		)
	}

	if oldCfg.Templates != newCfg.Templates {
		changed = append(changed, "templates")
		attrs = append(attrs,
			logx.Bool("templates.kill_set", newCfg.Templates.Kill != ""),
			logx.Bool("templates.lockout_set", newCfg.Templates.Lockout != ""),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs, logx.String("registry.path", strings.TrimSpace(newCfg.Registry.Path)))
	}

	// Journal (nil means disabled)
	var oDriver, nDriver string
	if oldCfg.Journal != nil {
		oDriver = strings.TrimSpace(oldCfg.Journal.Driver)
	}
	if newCfg.Journal != nil {
		nDriver = strings.TrimSpace(newCfg.Journal.Driver)
	}
	if oDriver != nDriver || !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
		attrs = append(attrs, logx.String("journal.driver", nDriver))
	}

	if !reflect.DeepEqual(oldCfg.Reconcile, newCfg.Reconcile) {
		changed = append(changed, "reconcile")
		attrs = append(attrs,
			logx.String("reconcile.interval", strings.TrimSpace(newCfg.Reconcile.Interval)),
			logx.String("reconcile.schedule", strings.TrimSpace(newCfg.Reconcile.Schedule)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Debug server (never log token)
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
