package journal

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("journal closed")

// Config configures the journal.
//
// Driver values:
//   - "file": JSON Lines, one entry per line, append only
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", entries are discarded.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Status string

const (
	StatusPosted          Status = "posted"
	StatusDuplicate       Status = "duplicate"
	StatusDisabled        Status = "disabled"
	StatusNewlyDiscovered Status = "new_target"
	StatusFailed          Status = "failed"
)

// Entry records the outcome for one logical kill. Entries are never updated.
type Entry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"` // kill instant
	Target    string    `json:"target"`
	Zone      string    `json:"zone"`
	Status    Status    `json:"status"`
	Player    string    `json:"player,omitempty"`
	Guild     string    `json:"guild,omitempty"`
	Message   string    `json:"message,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal is the append-only activity log.
type Journal interface {
	// Append stores e, filling ID and CreatedAt when empty, and returns the stored entry.
	Append(ctx context.Context, e Entry) (Entry, error)
	// Day returns entries whose kill instant falls on day's calendar date in loc.
	Day(ctx context.Context, day time.Time, loc *time.Location) ([]Entry, error)
	// Since returns entries with a kill instant at or after t.
	Since(ctx context.Context, t time.Time) ([]Entry, error)
	Close() error
}

// dayBounds returns [start, end) of day's date in loc; DST days are 23 or 25 hours.
func dayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	d := day.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
