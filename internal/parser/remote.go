package parser

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Mention is a kill reported in channel text, as posted by any client.
type Mention struct {
	Target string
	Note   string
	Zone   string
	At     time.Time
}

var (
	markupRe   = regexp.MustCompile(`<t:(-?\d+)(?::[RFdDfTt])?>`)
	shortRe    = regexp.MustCompile(`^\[([^\]]+)\] (.+?) in (.+?)!?$`)
	killedRe   = regexp.MustCompile(`^(.+?) was killed in (.+?)!?$`)
	lockedRe   = regexp.MustCompile(`^(.+?) lockout detected!?$`)
	trailingRe = regexp.MustCompile(`^(.*?)\s*\(([^()]*)\)\s*$`)
)

// ParseMarkup returns the first channel timestamp markup (<t:unix:F>) in text.
func ParseMarkup(text string) (time.Time, bool) {
	m := markupRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

// SplitNote separates a trailing parenthesised note: "Thall Va Xakra (F1 North)"
// yields ("Thall Va Xakra", "F1 North").
func SplitNote(name string) (string, string) {
	name = strings.TrimSpace(name)
	m := trailingRe.FindStringSubmatch(name)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return name, ""
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
}

// ParseRemote extracts timed kill mentions from a channel message. It accepts raw
// log lines, the short "[ts] Target in Zone" form and the default templates.
// Lines it cannot attribute a time to are skipped; callers may still match known
// target names against the text.
func (p *Parser) ParseRemote(text string) []Mention {
	var out []Mention
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "`*_"))
		if line == "" {
			continue
		}
		if c, ok := p.Parse(line); ok {
			out = append(out, Mention{Target: c.Target, Zone: c.Zone, At: c.At})
			continue
		}
		if m := shortRe.FindStringSubmatch(line); m != nil {
			if at, err := p.tc.ParseLog(m[1]); err == nil {
				name, note := SplitNote(m[2])
				out = append(out, Mention{Target: name, Note: note, Zone: strings.TrimSpace(m[3]), At: at})
				continue
			}
		}
		at, ok := ParseMarkup(line)
		if !ok {
			continue
		}
		rest := strings.TrimSpace(markupRe.ReplaceAllString(line, ""))
		if m := killedRe.FindStringSubmatch(rest); m != nil {
			name, note := SplitNote(m[1])
			out = append(out, Mention{Target: name, Note: note, Zone: strings.TrimSpace(m[2]), At: at})
			continue
		}
		if m := lockedRe.FindStringSubmatch(rest); m != nil {
			name, note := SplitNote(m[1])
			out = append(out, Mention{Target: name, Note: note, Zone: LockoutZone, At: at})
		}
	}
	return out
}

// Names lists the targets a channel message talks about. Lines in a kill
// format yield their subject exactly, timed or not. Other lines are searched
// for known names as whole words, longest first, so "Vox" is not found inside
// "Lady Vox".
func (p *Parser) Names(text string, known []string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "`*_"))
		if line == "" {
			continue
		}
		if name, ok := p.subject(line); ok {
			out = append(out, name)
			continue
		}
		out = append(out, ClaimNames(line, known)...)
	}
	return out
}

func (p *Parser) subject(line string) (string, bool) {
	if c, ok := p.Parse(line); ok {
		return c.Target, true
	}
	if m := shortRe.FindStringSubmatch(line); m != nil {
		name, _ := SplitNote(m[2])
		return name, true
	}
	rest := strings.TrimSpace(markupRe.ReplaceAllString(line, ""))
	if m := killedRe.FindStringSubmatch(rest); m != nil {
		name, _ := SplitNote(m[1])
		return name, true
	}
	if m := lockedRe.FindStringSubmatch(rest); m != nil {
		name, _ := SplitNote(m[1])
		return name, true
	}
	return "", false
}

// ClaimNames returns the names that occur in text as whole words. Longer
// names are tried first and the text they cover is blanked before shorter
// names are tried.
func ClaimNames(text string, names []string) []string {
	sorted := slices.Clone(names)
	slices.SortStableFunc(sorted, func(a, b string) int { return len(b) - len(a) })

	var out []string
	for _, name := range sorted {
		if name == "" || slices.Contains(out, name) {
			continue
		}
		spans := wordSpans(text, name)
		if len(spans) == 0 {
			continue
		}
		out = append(out, name)
		var b strings.Builder
		last := 0
		for _, sp := range spans {
			b.WriteString(text[last:sp[0]])
			b.WriteByte(' ')
			last = sp[1]
		}
		b.WriteString(text[last:])
		text = b.String()
	}
	return out
}

func wordSpans(text, name string) [][2]int {
	var out [][2]int
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], name)
		if i < 0 {
			break
		}
		start, end := from+i, from+i+len(name)
		if wordEdge(text[:start], false) && wordEdge(text[end:], true) {
			out = append(out, [2]int{start, end})
			from = end
			continue
		}
		from = start + 1
	}
	return out
}

// wordEdge reports whether the rune bordering a match does not continue a
// word. s is the text after the match when after is set, else the text before.
func wordEdge(s string, after bool) bool {
	if s == "" {
		return true
	}
	var r rune
	if after {
		r, _ = utf8.DecodeRuneInString(s)
	} else {
		r, _ = utf8.DecodeLastRuneInString(s)
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
