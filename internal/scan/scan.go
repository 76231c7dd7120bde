// Package scan replays a historical log file into the target registry.
//
// A scan never notifies. Targets it finds for the first time are added
// disabled, and last-kill instants only move forward, exactly as a live
// reconcile would.
package scan

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"bosstracker/internal/parser"
	"bosstracker/internal/registry"
	"bosstracker/internal/timectx"
	logx "bosstracker/pkg/logx"
)

const maxLine = 1 << 20

type Registry interface {
	Get(name string) (registry.Target, bool)
	Discover(name, zone string, enabled bool, at time.Time) (registry.Target, bool, error)
	AdvanceLastKilled(name string, at time.Time) (bool, error)
}

type Summary struct {
	Source  string
	Lines   int
	Kills   int      // logical kills after collapsing duplicate lines
	Targets int      // distinct targets seen
	Added   []string // targets discovered by this scan
	Updated []string // targets whose last kill moved forward
}

type Scanner struct {
	reg    Registry
	parser *parser.Parser
	window time.Duration
	log    logx.Logger
}

// New returns a Scanner that collapses lines for the same target within
// window into one kill; window <= 0 means 9s.
func New(reg Registry, tc *timectx.Context, window time.Duration, log logx.Logger) *Scanner {
	if window <= 0 {
		window = 9 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scanner{reg: reg, parser: parser.New(tc), window: window, log: log.With(logx.String("comp", "scan"))}
}

// File opens path and scans it.
func (s *Scanner) File(ctx context.Context, path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()
	return s.Run(ctx, f, path)
}

// Run scans r. name labels the summary and log lines.
func (s *Scanner) Run(ctx context.Context, r io.Reader, name string) (Summary, error) {
	sum := Summary{Source: name}
	open := map[string]*parser.Candidate{}
	latest := map[string]parser.Candidate{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		if sum.Lines%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
		}
		sum.Lines++
		line := sc.Text()
		if !utf8.ValidString(line) {
			continue
		}
		c, ok := s.parser.Parse(strings.TrimRight(line, "\r"))
		if !ok {
			continue
		}
		if first, ok := open[c.Target]; ok && within(c.At, first.At, s.window) {
			// A guild kill in the same window supplies the real zone.
			if first.Kind == parser.Lockout && c.Kind == parser.GuildKill {
				first.Zone, first.Kind = c.Zone, c.Kind
				if cur := latest[c.Target]; cur.At.Equal(first.At) {
					latest[c.Target] = *first
				}
			}
			continue
		}
		cp := c
		open[c.Target] = &cp
		sum.Kills++
		if cur, ok := latest[c.Target]; !ok || c.At.After(cur.At) {
			latest[c.Target] = c
		}
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("read %s: %w", name, err)
	}
	sum.Targets = len(latest)

	for target, c := range latest {
		if _, known := s.reg.Get(target); !known {
			if _, created, err := s.reg.Discover(target, c.Zone, false, c.At); err != nil {
				return sum, err
			} else if created {
				sum.Added = append(sum.Added, target)
			}
		}
		moved, err := s.reg.AdvanceLastKilled(target, c.At)
		if err != nil {
			return sum, err
		}
		if moved {
			sum.Updated = append(sum.Updated, target)
		}
	}
	sort.Strings(sum.Added)
	sort.Strings(sum.Updated)
	s.log.Info("scan complete",
		logx.String("source", name),
		logx.Int("lines", sum.Lines),
		logx.Int("kills", sum.Kills),
		logx.Int("targets", sum.Targets),
		logx.Int("added", len(sum.Added)),
		logx.Int("updated", len(sum.Updated)),
	)
	return sum, nil
}

func within(at, start time.Time, window time.Duration) bool {
	d := at.Sub(start)
	return d >= 0 && d < window
}
