// Package parser turns raw game log lines into kill candidates.
package parser

import (
	"regexp"
	"strings"
	"time"

	"bosstracker/internal/timectx"
)

// LockoutZone is the zone sentinel for candidates from lockout lines, which
// carry no zone of their own.
const LockoutZone = "Lockouts"

type Kind int

const (
	GuildKill Kind = iota
	Lockout
)

func (k Kind) String() string {
	if k == Lockout {
		return "lockout"
	}
	return "guild_kill"
}

// Candidate is one matched log line.
type Candidate struct {
	Target string
	Zone   string
	At     time.Time
	Kind   Kind

	Raw    string // timestamp text as logged
	Player string
	Guild  string
	Server string
	Line   string
}

var (
	// Both patterns run on RE2 (linear time). The lazy groups pick the first
	// " in " after the target and the first "!'" after the zone.
	guildRe   = regexp.MustCompile(`\[([^\]]+)\] (.+?) tells the guild, '(.+?) of <(.+?)> has killed (.+?) in (.+?)!'`)
	lockoutRe = regexp.MustCompile(`\[([^\]]+)\] You have incurred a lockout for (.+?) that expires in`)
)

type Parser struct {
	tc *timectx.Context
}

func New(tc *timectx.Context) *Parser {
	if tc == nil {
		tc = timectx.MustNew("", "")
	}
	return &Parser{tc: tc}
}

// Parse returns the candidate described by line, if any. Misses are the common
// case and cost a couple of substring checks.
func (p *Parser) Parse(line string) (Candidate, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.Contains(line, "tells the guild") && strings.Contains(line, "has killed") {
		if c, ok := p.parseGuildKill(line); ok {
			return c, true
		}
	}
	if strings.Contains(line, "incurred a lockout") {
		return p.parseLockout(line)
	}
	return Candidate{}, false
}

func (p *Parser) parseGuildKill(line string) (Candidate, bool) {
	m := guildRe.FindStringSubmatch(line)
	if m == nil {
		return Candidate{}, false
	}
	target := strings.TrimSpace(m[5])
	zone := strings.TrimSpace(m[6])
	if target == "" || zone == "" {
		return Candidate{}, false
	}
	at, err := p.tc.ParseLog(m[1])
	if err != nil {
		return Candidate{}, false
	}
	return Candidate{
		Target: target,
		Zone:   zone,
		At:     at,
		Kind:   GuildKill,
		Raw:    m[1],
		Server: strings.TrimSpace(m[2]),
		Player: strings.TrimSpace(m[3]),
		Guild:  strings.TrimSpace(m[4]),
		Line:   line,
	}, true
}

func (p *Parser) parseLockout(line string) (Candidate, bool) {
	m := lockoutRe.FindStringSubmatch(line)
	if m == nil {
		return Candidate{}, false
	}
	target := strings.TrimSpace(m[2])
	if target == "" {
		return Candidate{}, false
	}
	at, err := p.tc.ParseLog(m[1])
	if err != nil {
		return Candidate{}, false
	}
	return Candidate{
		Target: target,
		Zone:   LockoutZone,
		At:     at,
		Kind:   Lockout,
		Raw:    m[1],
		Line:   line,
	}, true
}
