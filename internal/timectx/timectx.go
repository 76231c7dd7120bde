// Package timectx converts between the log's fixed source timezone and the
// viewer's timezone.
//
// Comparisons always happen on absolute instants; the source zone only matters
// for parsing log timestamps (which carry no offset) and for rendering them the
// way the game wrote them. The viewer zone is presentation only.
package timectx

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // Windows hosts ship without a zoneinfo database

	"github.com/dustin/go-humanize"
)

// LogLayout is the timestamp layout of game log lines, e.g. "Mon Jan 02 15:04:05 2006".
const LogLayout = "Mon Jan 02 15:04:05 2006"

// parseLayout also accepts space-padded or unpadded days.
const parseLayout = "Mon Jan _2 15:04:05 2006"

// DefaultSourceZone is the server's wall clock (EST/EDT).
const DefaultSourceZone = "America/New_York"

type Style int

const (
	StyleAbsolute Style = iota
	StyleRelative
)

// Context is safe for concurrent use; the viewer side may be swapped on config reload.
type Context struct {
	source *time.Location

	mu       sync.RWMutex
	viewer   *time.Location
	military bool

	now func() time.Time
}

// New builds a Context. Empty sourceTZ means DefaultSourceZone, empty viewerTZ means
// the machine's local zone.
func New(sourceTZ, viewerTZ string) (*Context, error) {
	src, err := loadZone(sourceTZ, DefaultSourceZone)
	if err != nil {
		return nil, fmt.Errorf("source timezone: %w", err)
	}
	view, err := loadZone(viewerTZ, "")
	if err != nil {
		return nil, fmt.Errorf("viewer timezone: %w", err)
	}
	return &Context{source: src, viewer: view, now: time.Now}, nil
}

// MustNew is New for fixed, known-good zones (tests, defaults).
func MustNew(sourceTZ, viewerTZ string) *Context {
	c, err := New(sourceTZ, viewerTZ)
	if err != nil {
		panic(err)
	}
	return c
}

func loadZone(name, def string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = def
	}
	switch strings.ToUpper(name) {
	case "", "LOCAL":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	case "US/EASTERN", "EST", "EDT":
		name = "America/New_York"
	}
	return time.LoadLocation(name)
}

// SetClock overrides the wall clock used for relative presentation.
func (c *Context) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Context) SetViewer(tz string) error {
	loc, err := loadZone(tz, "")
	if err != nil {
		return fmt.Errorf("viewer timezone: %w", err)
	}
	c.mu.Lock()
	c.viewer = loc
	c.mu.Unlock()
	return nil
}

func (c *Context) SetMilitary(on bool) {
	c.mu.Lock()
	c.military = on
	c.mu.Unlock()
}

func (c *Context) Source() *time.Location { return c.source }

func (c *Context) Viewer() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewer
}

func (c *Context) Now() time.Time {
	c.mu.RLock()
	now := c.now
	c.mu.RUnlock()
	return now()
}

func (c *Context) ToSourceZone(t time.Time) time.Time { return t.In(c.source) }

func (c *Context) ToViewerZone(t time.Time) time.Time { return t.In(c.Viewer()) }

// ParseLog parses a log timestamp as source-zone wall clock time.
func (c *Context) ParseLog(raw string) (time.Time, error) {
	raw = strings.Join(strings.Fields(raw), " ")
	t, err := time.ParseInLocation(parseLayout, raw, c.source)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse log timestamp %q: %w", raw, err)
	}
	return t, nil
}

// FormatLog renders t as the game would have logged it.
func (c *Context) FormatLog(t time.Time) string {
	return t.In(c.source).Format(LogLayout)
}

func (c *Context) FormatPresentation(t time.Time, style Style) string {
	if t.IsZero() {
		return ""
	}
	if style == StyleRelative {
		return humanize.RelTime(t, c.Now(), "ago", "from now")
	}
	c.mu.RLock()
	loc, military := c.viewer, c.military
	c.mu.RUnlock()
	if military {
		return t.In(loc).Format("Mon Jan 2 2006 15:04:05 MST")
	}
	return t.In(loc).Format("Mon Jan 2 2006 3:04:05 PM MST")
}

// ChannelMarkup renders t as Discord timestamp markup, which every reader's
// client localises on its own.
func (c *Context) ChannelMarkup(t time.Time, style Style) string {
	flag := "F"
	if style == StyleRelative {
		flag = "R"
	}
	return "<t:" + strconv.FormatInt(t.Unix(), 10) + ":" + flag + ">"
}
