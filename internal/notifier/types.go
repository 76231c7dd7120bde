package notifier

import (
	"time"

	"bosstracker/internal/channel"
)

// Config controls the delivery queue. Delivery runs on exactly one worker so
// messages reach the channel in submission order.
type Config struct {
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	// VerifyLimit bounds the read-back used to confirm an ambiguous send.
	VerifyLimit int
}

// Outcome is the terminal result of one submitted message.
type Outcome struct {
	Ref      channel.MessageRef
	Attempts int
	// Verified is set when delivery was confirmed by reading the channel back
	// after an ambiguous failure.
	Verified bool
	Err      error
}

// NotificationEvent is the Data of every notifier.* bus event.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}
