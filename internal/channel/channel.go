// Package channel defines the notification endpoint contract shared by the
// concrete adapters (discord, telegram).
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRejected means the channel refused the message; retrying will not help.
	ErrRejected = errors.New("message rejected by channel")
	// ErrNoHistory means the channel cannot be read back (no credential or no API).
	ErrNoHistory = errors.New("channel history unavailable")
)

// MessageRef identifies a delivered message. At is the channel's send instant in UTC.
type MessageRef struct {
	ID string
	At time.Time
}

// Message is one message read back from the channel.
type Message struct {
	MessageRef
	Content string
}

// Query bounds a history read: at most Limit messages, none older than Since.
type Query struct {
	Limit int
	Since time.Time
}

type Sender interface {
	Send(ctx context.Context, text string) (MessageRef, error)
}

type History interface {
	// Recent returns messages newest first.
	Recent(ctx context.Context, q Query) ([]Message, error)
}

// Channel is a configured endpoint.
type Channel interface {
	Sender
	History
	Name() string
	// CanReadBack reports whether Recent can succeed with the current credentials.
	CanReadBack() bool
}

// TransportError is a delivery or read failure that may succeed on retry.
type TransportError struct {
	Op         string
	Status     int           // HTTP-style status, 0 for network errors
	RetryAfter time.Duration // server hint, 0 when absent
	// Ambiguous is set when the request may have reached the channel, so a
	// retry could post the message twice.
	Ambiguous bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Rejected wraps a permanent refusal so errors.Is(err, ErrRejected) holds.
func Rejected(status int, detail string) error {
	if detail == "" {
		return fmt.Errorf("%w (status %d)", ErrRejected, status)
	}
	return fmt.Errorf("%w (status %d): %s", ErrRejected, status, detail)
}

// RetryAfter extracts the server's retry hint from err, if any.
func RetryAfter(err error) time.Duration {
	var te *TransportError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// IsAmbiguous reports whether err leaves it unknown if the message was posted.
func IsAmbiguous(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Ambiguous
}
