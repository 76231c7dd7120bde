// Package dedup turns a stream of kill candidates into at most one
// notification per logical kill.
//
// Candidates for the same target are collected for a short window that is
// not extended by later arrivals. When the window closes the batch is decided
// off the tailing path: unknown targets are discovered, disabled targets are
// suppressed, and the channel is read back so that a kill already posted by
// another client is not posted again.
package dedup

import (
	"context"
	"errors"
	"time"

	"bosstracker/internal/channel"
	"bosstracker/internal/journal"
	"bosstracker/internal/notifier"
	"bosstracker/internal/registry"
)

var (
	ErrClosed     = errors.New("dedup engine closed")
	ErrNotPending = errors.New("target is not awaiting a decision")
)

type Config struct {
	Window           time.Duration
	Tolerance        time.Duration
	LookbackMessages int
	LookbackWindow   time.Duration
	EnableNewTargets bool
	CheckTimeout     time.Duration

	KillTemplate    string
	LockoutTemplate string
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 9 * time.Second
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 3 * time.Minute
	}
	if c.LookbackMessages <= 0 {
		c.LookbackMessages = 100
	}
	if c.LookbackWindow <= 0 {
		c.LookbackWindow = 10 * time.Minute
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	return c
}

type Kind string

const (
	Notify           Kind = "notify"
	Suppress         Kind = "suppress"
	PendingNewTarget Kind = "pending_new_target"
)

type Reason string

const (
	ReasonNone            Reason = ""
	ReasonDisabled        Reason = "disabled"
	ReasonRemoteDuplicate Reason = "remote_duplicate"
	ReasonNewTarget       Reason = "new_target"
)

// Check is the result of the remote duplicate query.
type Check string

const (
	CheckSkipped     Check = "skipped"
	CheckClear       Check = "clear"
	CheckDuplicate   Check = "duplicate"
	CheckUnavailable Check = "unavailable"
)

// Decision is published on the event bus once per closed batch.
type Decision struct {
	Target     string    `json:"target"`
	Zone       string    `json:"zone"`
	At         time.Time `json:"at"`
	Kind       Kind      `json:"kind"`
	Reason     Reason    `json:"reason,omitempty"`
	Check      Check     `json:"check"`
	Candidates int       `json:"candidates"`
	Delivered  bool      `json:"delivered,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Registry is the subset of *registry.Registry the engine needs.
type Registry interface {
	Get(name string) (registry.Target, bool)
	Names() []string
	Discover(name, zone string, enabled bool, at time.Time) (registry.Target, bool, error)
	RecordKill(name string, at time.Time) (registry.Target, error)
	SetEnabled(name string, enabled bool) error
}

// Sink delivers a formatted notification and reports its terminal outcome.
type Sink interface {
	Send(ctx context.Context, text string) notifier.Outcome
}

type Journal interface {
	Append(ctx context.Context, e journal.Entry) (journal.Entry, error)
}

// Deps wires the engine to its collaborators. History may be nil when the
// channel cannot be read back.
type Deps struct {
	Registry Registry
	Sink     Sink
	Journal  Journal
	History  channel.History
}

// Clock abstracts time for the collection window.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d and returns a stop function.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
