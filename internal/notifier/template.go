package notifier

import (
	"regexp"
	"strings"

	"bosstracker/internal/parser"
	"bosstracker/internal/timectx"
)

const (
	DefaultKillTemplate    = "{discord_timestamp} {monster} ({note}) was killed in {location}!"
	DefaultLockoutTemplate = "{discord_timestamp} {monster} ({note}) lockout detected!"
)

// Vars are the values a template may reference.
type Vars struct {
	Target              string
	Zone                string
	Timestamp           string
	Time                string
	TimeRelative        string
	ChannelTime         string
	ChannelTimeRelative string
	Player              string
	Guild               string
	Server              string
	Note                string
}

var (
	emptyNoteRe = regexp.MustCompile(`[ \t]*\(\s*\{note\}\s*\)`)
	spacesRe    = regexp.MustCompile(`[ \t]{2,}`)
)

func (v Vars) pairs() []string {
	return []string{
		"{monster}", v.Target,
		"{target}", v.Target,
		"{location}", v.Zone,
		"{zone}", v.Zone,
		"{timestamp}", v.Timestamp,
		"{time}", v.Time,
		"{time_relative}", v.TimeRelative,
		"{discord_timestamp}", v.ChannelTime,
		"{discord_timestamp_relative}", v.ChannelTimeRelative,
		"{player}", v.Player,
		"{guild}", v.Guild,
		"{server}", v.Server,
		"{note}", v.Note,
	}
}

// Format expands tmpl. Unknown placeholders are left untouched.
func Format(tmpl string, v Vars) string {
	v.Note = strings.TrimSpace(v.Note)
	if v.Note == "" {
		tmpl = emptyNoteRe.ReplaceAllString(tmpl, "")
	}
	out := strings.NewReplacer(v.pairs()...).Replace(tmpl)
	if v.Note == "" {
		out = spacesRe.ReplaceAllString(out, " ")
	}
	return strings.TrimSpace(out)
}

// TemplateFor picks the lockout or kill template for a candidate kind,
// falling back to the defaults when a configured template is blank.
func TemplateFor(kind parser.Kind, kill, lockout string) string {
	if kind == parser.Lockout {
		if strings.TrimSpace(lockout) == "" {
			return DefaultLockoutTemplate
		}
		return lockout
	}
	if strings.TrimSpace(kill) == "" {
		return DefaultKillTemplate
	}
	return kill
}

func KillVars(tc *timectx.Context, c parser.Candidate, note string) Vars {
	if tc == nil {
		tc = timectx.MustNew("", "")
	}
	ts := c.Raw
	if ts == "" {
		ts = tc.FormatLog(c.At)
	}
	return Vars{
		Target:              c.Target,
		Zone:                c.Zone,
		Timestamp:           ts,
		Time:                tc.FormatPresentation(c.At, timectx.StyleAbsolute),
		TimeRelative:        tc.FormatPresentation(c.At, timectx.StyleRelative),
		ChannelTime:         tc.ChannelMarkup(c.At, timectx.StyleAbsolute),
		ChannelTimeRelative: tc.ChannelMarkup(c.At, timectx.StyleRelative),
		Player:              c.Player,
		Guild:               c.Guild,
		Server:              c.Server,
		Note:                note,
	}
}
