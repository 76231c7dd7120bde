package config

type Config struct {
	Source    SourceConfig    `json:"source"`
	Display   DisplayConfig   `json:"display,omitempty"`
	Channel   ChannelConfig   `json:"channel"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Templates TemplateConfig  `json:"templates,omitempty"`
	Registry  RegistryConfig  `json:"registry"`
	Journal   *JournalConfig  `json:"journal,omitempty"`
	Reconcile ReconcileConfig `json:"reconcile,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

// SourceConfig locates the game logs.
//
// The active file is the newest "<prefix>_<label>_<suffix><ext>" in Dir.
// Timezone is the zone the game writes its timestamps in (default America/New_York).
type SourceConfig struct {
	Dir            string `json:"dir"`
	Prefix         string `json:"prefix,omitempty"`          // default: "eqlog"
	Ext            string `json:"ext,omitempty"`             // default: ".txt"
	PollInterval   string `json:"poll_interval,omitempty"`   // default: "1s"
	RescanInterval string `json:"rescan_interval,omitempty"` // default: "10s"
	Timezone       string `json:"timezone,omitempty"`
}

// DisplayConfig only affects how times are rendered for people.
type DisplayConfig struct {
	Timezone     string `json:"timezone,omitempty"` // default: machine local
	MilitaryTime bool   `json:"military_time,omitempty"`
}

// ChannelConfig selects the notification endpoint. Exactly one driver is active.
//
// Example:
//
//	"channel": { "driver": "discord", "discord": { "webhook_url": "https://discord.com/api/webhooks/..." } }
type ChannelConfig struct {
	Driver   string          `json:"driver"` // discord | telegram
	Discord  DiscordConfig   `json:"discord,omitempty"`
	Telegram TelegramChannel `json:"telegram,omitempty"`
}

// DiscordConfig holds the webhook used for posting and the optional bot token
// used to read the channel back. Neither secret is ever logged.
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	BotToken   string `json:"bot_token,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"` // default: resolved from the webhook
	APIBase    string `json:"api_base,omitempty"`   // default: "https://discord.com/api/v10"
	Timeout    string `json:"timeout,omitempty"`    // default: "10s"
}

type TelegramChannel struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// NotifierConfig controls the delivery queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Delivery always uses a single worker so messages keep their order.
type NotifierConfig struct {
	QueueSize     int     `json:"queue_size"`
	RatePerSec    float64 `json:"rate_per_sec"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

// DedupConfig tunes duplicate suppression.
//
// Defaults:
//   - window: "9s" (local collapse window)
//   - tolerance: "3m" (remote match slack)
//   - lookback_messages: 100
//   - lookback_window: "10m"
//   - new_target_action: "enable" (or "disable")
//   - check_timeout: "5s"
type DedupConfig struct {
	Window           string `json:"window,omitempty"`
	Tolerance        string `json:"tolerance,omitempty"`
	LookbackMessages int    `json:"lookback_messages,omitempty"`
	LookbackWindow   string `json:"lookback_window,omitempty"`
	NewTargetAction  string `json:"new_target_action,omitempty"`
	CheckTimeout     string `json:"check_timeout,omitempty"`
}

// TemplateConfig overrides the message templates; empty means the built-in default.
type TemplateConfig struct {
	Kill    string `json:"kill,omitempty"`
	Lockout string `json:"lockout,omitempty"`
}

type RegistryConfig struct {
	Path        string `json:"path"`
	Defaults    string `json:"defaults,omitempty"`   // default: bundled catalog
	BackupDir   string `json:"backup_dir,omitempty"` // default: "<dir of path>/backups"
	BackupsKeep int    `json:"backups_keep,omitempty"`
}

// JournalConfig controls the activity journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./activity.db" }
type JournalConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReconcileConfig controls the periodic read-back of the channel.
// Enabled is a pointer so an omitted value can default to "on when readable".
type ReconcileConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Interval  string `json:"interval,omitempty"`   // default: "12h", bounded to [1h, 168h]
	Schedule  string `json:"schedule,omitempty"`   // cron ("0 6 * * *") in display tz; overrides interval
	ScanLimit int    `json:"scan_limit,omitempty"` // default: 500
	MaxAge    string `json:"max_age,omitempty"`    // default: "168h"
	Timeout   string `json:"timeout,omitempty"`    // default: "2m"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DebugConfig controls the optional health/metrics/pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
