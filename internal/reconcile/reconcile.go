// Package reconcile moves last-kill instants forward from the channel's
// history, so kills posted by other clients show up in the local registry.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bosstracker/internal/channel"
	"bosstracker/internal/eventbus"
	"bosstracker/internal/parser"
	"bosstracker/internal/timectx"
	logx "bosstracker/pkg/logx"
)

// futureSlack bounds how far ahead of now a remote instant may be before it
// is treated as bogus.
const futureSlack = 5 * time.Minute

type Config struct {
	Limit  int           // messages read per pass; default 500
	MaxAge time.Duration // oldest message considered; default 7 days
}

type Registry interface {
	Names() []string
	AdvanceLastKilled(name string, at time.Time) (bool, error)
}

// Advance is one last_killed update, published on the bus.
type Advance struct {
	Target    string    `json:"target"`
	At        time.Time `json:"at"`
	MessageID string    `json:"message_id"`
}

type Result struct {
	Messages int
	Matched  int
	Advanced []Advance
}

type Reconciler struct {
	cfg    Config
	hist   channel.History
	reg    Registry
	parser *parser.Parser
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
}

func New(cfg Config, hist channel.History, reg Registry, tc *timectx.Context, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if cfg.Limit <= 0 {
		cfg.Limit = 500
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		cfg:    cfg,
		hist:   hist,
		reg:    reg,
		parser: parser.New(tc),
		log:    log.With(logx.String("comp", "reconcile")),
		bus:    bus,
		now:    time.Now,
	}
}

type found struct {
	at time.Time
	id string
}

// Run performs one pass. It only ever moves last_killed forward.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	var res Result
	if r.hist == nil {
		return res, channel.ErrNoHistory
	}
	now := r.now()
	msgs, err := r.hist.Recent(ctx, channel.Query{Limit: r.cfg.Limit, Since: now.Add(-r.cfg.MaxAge)})
	if err != nil {
		return res, fmt.Errorf("read channel history: %w", err)
	}
	res.Messages = len(msgs)

	names := r.reg.Names()
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	latest := map[string]found{}
	note := func(name string, at time.Time, id string) {
		if at.IsZero() || at.After(now.Add(futureSlack)) {
			return
		}
		if cur, ok := latest[name]; !ok || at.After(cur.at) {
			latest[name] = found{at: at, id: id}
		}
	}

	for _, m := range msgs {
		seen := map[string]bool{}
		for _, mention := range r.parser.ParseRemote(m.Content) {
			if known[mention.Target] {
				seen[mention.Target] = true
				note(mention.Target, mention.At, m.ID)
			}
		}
		// Untimed text falls back to whole-word name matches, longest first,
		// so "X" never claims text that names "X the Elder".
		for _, name := range parser.ClaimNames(m.Content, names) {
			if seen[name] {
				continue
			}
			at, ok := parser.ParseMarkup(m.Content)
			if !ok {
				at = m.At
			}
			note(name, at, m.ID)
		}
	}
	res.Matched = len(latest)

	targets := make([]string, 0, len(latest))
	for name := range latest {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	var errs []error
	for _, name := range targets {
		f := latest[name]
		moved, err := r.reg.AdvanceLastKilled(name, f.at)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if !moved {
			continue
		}
		adv := Advance{Target: name, At: f.at, MessageID: f.id}
		res.Advanced = append(res.Advanced, adv)
		r.log.Info("last kill advanced", logx.String("target", name), logx.Time("at", f.at), logx.String("message_id", f.id))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeReconciled, Time: now, Data: adv})
		}
	}
	r.log.Info("pass complete", logx.Int("messages", res.Messages), logx.Int("matched", res.Matched), logx.Int("advanced", len(res.Advanced)))
	return res, errors.Join(errs...)
}
