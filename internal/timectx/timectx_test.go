package timectx

import (
	"strings"
	"testing"
	"time"
)

func TestParseLogUsesSourceZone(t *testing.T) {
	t.Parallel()
	// Viewer zone must not influence parsing.
	c := MustNew("", "Asia/Tokyo")

	got, err := c.ParseLog("Fri Jan 02 18:34:21 2026")
	if err != nil {
		t.Fatalf("ParseLog error: %v", err)
	}
	want := time.Date(2026, 1, 2, 23, 34, 21, 0, time.UTC) // EST = UTC-5
	if !got.Equal(want) {
		t.Fatalf("ParseLog = %v, want %v", got.UTC(), want)
	}
	if name, _ := got.Zone(); name != "EST" {
		t.Fatalf("zone = %s, want EST", name)
	}
}

func TestParseLogAcceptsPaddingVariants(t *testing.T) {
	t.Parallel()
	c := MustNew("", "UTC")
	for _, raw := range []string{"Fri Jan 02 18:34:21 2026", "Fri Jan  2 18:34:21 2026", "Fri Jan 2 18:34:21 2026"} {
		if _, err := c.ParseLog(raw); err != nil {
			t.Fatalf("ParseLog(%q) error: %v", raw, err)
		}
	}
	if _, err := c.ParseLog("yesterday at noon"); err == nil {
		t.Fatal("expected error for garbage timestamp")
	}
}

func TestFormatLogRoundTripsDaylightTime(t *testing.T) {
	t.Parallel()
	c := MustNew("US/Eastern", "UTC")
	in := time.Date(2025, 7, 4, 16, 0, 0, 0, time.UTC) // EDT = UTC-4
	if got, want := c.FormatLog(in), "Fri Jul 04 12:00:00 2025"; got != want {
		t.Fatalf("FormatLog = %q, want %q", got, want)
	}
}

func TestFormatPresentation(t *testing.T) {
	t.Parallel()
	c := MustNew("", "UTC")
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	if got := c.FormatPresentation(now.Add(-3*time.Minute), StyleRelative); got != "3 minutes ago" {
		t.Fatalf("relative = %q", got)
	}
	abs := c.FormatPresentation(now, StyleAbsolute)
	if !strings.Contains(abs, "12:00:00 PM") {
		t.Fatalf("absolute = %q", abs)
	}
	c.SetMilitary(true)
	if abs := c.FormatPresentation(now.Add(6*time.Hour), StyleAbsolute); !strings.Contains(abs, "18:00:00") {
		t.Fatalf("military absolute = %q", abs)
	}
	if got := c.FormatPresentation(time.Time{}, StyleAbsolute); got != "" {
		t.Fatalf("zero time = %q, want empty", got)
	}
}

func TestChannelMarkup(t *testing.T) {
	t.Parallel()
	c := MustNew("", "UTC")
	at := time.Unix(1767396861, 0)
	if got := c.ChannelMarkup(at, StyleAbsolute); got != "<t:1767396861:F>" {
		t.Fatalf("markup = %q", got)
	}
	if got := c.ChannelMarkup(at, StyleRelative); got != "<t:1767396861:R>" {
		t.Fatalf("markup = %q", got)
	}
}
