package notifier

import (
	"testing"
	"time"

	"bosstracker/internal/parser"
	"bosstracker/internal/timectx"
)

func TestFormat(t *testing.T) {
	t.Parallel()
	v := Vars{
		Target:      "Thall Va Xakra",
		Zone:        "Vex Thal",
		Timestamp:   "Fri Jan 02 18:34:21 2026",
		ChannelTime: "<t:1767396861:F>",
		Player:      "Soandso",
		Guild:       "Seekers of Souls",
	}
	tests := []struct {
		name string
		tmpl string
		note string
		want string
	}{
		{"default kill without note", DefaultKillTemplate, "", "<t:1767396861:F> Thall Va Xakra was killed in Vex Thal!"},
		{"default kill with note", DefaultKillTemplate, "F1 North", "<t:1767396861:F> Thall Va Xakra (F1 North) was killed in Vex Thal!"},
		{"lockout", DefaultLockoutTemplate, "", "<t:1767396861:F> Thall Va Xakra lockout detected!"},
		{"aliases", "[{timestamp}] {target} in {zone}", "", "[Fri Jan 02 18:34:21 2026] Thall Va Xakra in Vex Thal"},
		{"player and guild", "{player} of <{guild}> got {monster}", "", "Soandso of <Seekers of Souls> got Thall Va Xakra"},
		{"bare note placeholder", "{monster} - {note} - done", "", "Thall Va Xakra - - done"},
		{"unknown placeholder kept", "{monster} {unknown}", "", "Thall Va Xakra {unknown}"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			vv := v
			vv.Note = tt.note
			if got := Format(tt.tmpl, vv); got != tt.want {
				t.Fatalf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTemplateFor(t *testing.T) {
	t.Parallel()
	if got := TemplateFor(parser.Lockout, "k", ""); got != DefaultLockoutTemplate {
		t.Fatalf("lockout fallback = %q", got)
	}
	if got := TemplateFor(parser.GuildKill, " ", "l"); got != DefaultKillTemplate {
		t.Fatalf("kill fallback = %q", got)
	}
	if got := TemplateFor(parser.GuildKill, "k", "l"); got != "k" {
		t.Fatalf("kill = %q", got)
	}
}

func TestKillVars(t *testing.T) {
	t.Parallel()
	tc := timectx.MustNew("America/New_York", "UTC")
	tc.SetMilitary(true)
	at := time.Date(2026, 1, 2, 18, 34, 21, 0, tc.Source())
	tc.SetClock(func() time.Time { return at.Add(3 * time.Minute) })

	v := KillVars(tc, parser.Candidate{Target: "Trakanon", Zone: "Sebilis", At: at, Kind: parser.GuildKill}, "")
	if v.ChannelTime != "<t:1767396861:F>" || v.ChannelTimeRelative != "<t:1767396861:R>" {
		t.Fatalf("channel time = %q / %q", v.ChannelTime, v.ChannelTimeRelative)
	}
	if v.Timestamp != tc.FormatLog(at) {
		t.Fatalf("timestamp = %q", v.Timestamp)
	}
	if v.Time != "Fri Jan 2 2026 23:34:21 UTC" {
		t.Fatalf("time = %q", v.Time)
	}
	if v.TimeRelative != "3 minutes ago" {
		t.Fatalf("relative = %q", v.TimeRelative)
	}
}
