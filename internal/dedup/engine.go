package dedup

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"bosstracker/internal/eventbus"
	"bosstracker/internal/journal"
	"bosstracker/internal/parser"
	rtsup "bosstracker/internal/runtime/supervisor"
	"bosstracker/internal/timectx"
	logx "bosstracker/pkg/logx"
)

type batch struct {
	cand     parser.Candidate
	count    int
	deadline time.Time
	stop     func() bool
}

type parked struct {
	cand  parser.Candidate
	count int
}

// Engine is safe for concurrent use.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	log    logx.Logger
	bus    eventbus.Bus
	tc     *timectx.Context
	parser *parser.Parser
	clock  Clock
	deps   Deps

	sup      *rtsup.Supervisor
	inflight sync.WaitGroup

	pending map[string]*batch
	parked  map[string]parked
	closed  bool
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

// New returns a running engine. Decisions run under a supervisor derived from ctx.
func New(ctx context.Context, cfg Config, tc *timectx.Context, deps Deps, log logx.Logger, opts ...Option) *Engine {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if tc == nil {
		tc = timectx.MustNew("", "")
	}
	e := &Engine{
		cfg:     cfg.withDefaults(),
		log:     log,
		tc:      tc,
		parser:  parser.New(tc),
		clock:   realClock{},
		deps:    deps,
		pending: make(map[string]*batch),
		parked:  make(map[string]parked),
	}
	for _, o := range opts {
		o(e)
	}
	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(log.With(logx.String("comp", "dedup"))),
		rtsup.WithCancelOnError(false),
	)
	return e
}

func (e *Engine) Supervisor() *rtsup.Supervisor { return e.sup }

// Apply swaps window, tolerance, lookback, policy and templates. Open batches
// keep the deadline they were created with.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) settings() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Ingest adds a candidate to its target's batch, opening one if needed.
func (e *Engine) Ingest(c parser.Candidate) error {
	c.Target = strings.TrimSpace(c.Target)
	if c.Target == "" {
		return errors.New("candidate has no target")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if b, ok := e.pending[c.Target]; ok {
		b.cand = merge(b.cand, c)
		b.count++
		return nil
	}
	b := &batch{cand: c, count: 1, deadline: e.clock.Now().Add(e.cfg.Window)}
	e.pending[c.Target] = b
	name := c.Target
	b.stop = e.clock.AfterFunc(e.cfg.Window, func() { e.fire(name, b) })
	e.log.Debug("batch opened", logx.String("target", name), logx.String("kind", c.Kind.String()))
	return nil
}

// merge keeps the earliest instant and prefers guild-kill details over a
// lockout's.
func merge(cur, next parser.Candidate) parser.Candidate {
	out := cur
	if next.At.Before(cur.At) {
		out.At = next.At
		out.Raw = next.Raw
	}
	if cur.Kind == parser.Lockout && next.Kind == parser.GuildKill {
		out.Kind = parser.GuildKill
		out.Zone = next.Zone
		out.Player = next.Player
		out.Guild = next.Guild
		out.Server = next.Server
		out.Line = next.Line
	}
	return out
}

func (e *Engine) fire(name string, b *batch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.pending[name]; !ok || cur != b {
		return
	}
	delete(e.pending, name)
	e.launchLocked(b.cand, b.count)
}

func (e *Engine) launchLocked(c parser.Candidate, n int) {
	e.inflight.Add(1)
	e.sup.Go0("decide."+c.Target, func(ctx context.Context) {
		defer e.inflight.Done()
		d := e.decide(ctx, c, n)
		e.publish(d)
	})
}

// Pending is the number of targets collecting candidates.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Parked lists newly discovered targets waiting for Resolve.
func (e *Engine) Parked() []string {
	e.mu.Lock()
	out := make([]string, 0, len(e.parked))
	for name := range e.parked {
		out = append(out, name)
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

// Resolve settles a parked new target. Enabling it resumes the normal decision
// for the parked kill; disabling records it as suppressed. The kill stays
// parked when the registry cannot store the choice.
func (e *Engine) Resolve(name string, enable bool) error {
	e.mu.Lock()
	_, ok := e.parked[name]
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrNotPending
	}
	if err := e.deps.Registry.SetEnabled(name, enable); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	p, ok := e.parked[name]
	if !ok {
		return ErrNotPending
	}
	delete(e.parked, name)
	e.launchLocked(p.cand, p.count)
	return nil
}

// Close stops intake, decides every open batch immediately and waits for
// decisions until ctx is done. In-flight decisions are then cancelled, though a
// delivery the notifier has already started is still awaited. Kills still
// parked are journaled as suppressed, since their target stays disabled.
func (e *Engine) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	names := make([]string, 0, len(e.pending))
	for name := range e.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := e.pending[name]
		if b.stop != nil {
			b.stop()
		}
		delete(e.pending, name)
		e.launchLocked(b.cand, b.count)
	}
	left := make([]parked, 0, len(e.parked))
	for _, p := range e.parked {
		left = append(left, p)
	}
	clear(e.parked)
	e.mu.Unlock()
	if len(names) > 0 {
		e.log.Info("flushing open batches", logx.Int("count", len(names)))
	}
	sort.Slice(left, func(i, j int) bool { return left[i].cand.Target < left[j].cand.Target })
	for _, p := range left {
		e.publish(e.unresolved(ctx, p.cand, p.count))
	}

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		e.log.Warn("decision flush deadline reached; cancelling")
		e.sup.Cancel()
		<-done
	}
	e.sup.Cancel()
	_ = e.sup.Wait(context.Background())
	return err
}

// unresolved settles a new target nobody enabled before shutdown.
func (e *Engine) unresolved(ctx context.Context, c parser.Candidate, n int) Decision {
	e.record(ctx, c, journal.StatusDisabled, "", "", nil)
	return Decision{
		Target: c.Target, Zone: c.Zone, At: c.At, Candidates: n,
		Kind: Suppress, Reason: ReasonDisabled, Check: CheckSkipped,
	}
}

func (e *Engine) publish(d Decision) {
	fields := []logx.Field{
		logx.String("target", d.Target),
		logx.String("kind", string(d.Kind)),
		logx.String("check", string(d.Check)),
		logx.Int("candidates", d.Candidates),
	}
	if d.Reason != ReasonNone {
		fields = append(fields, logx.String("reason", string(d.Reason)))
	}
	if d.Error != "" {
		fields = append(fields, logx.String("err", d.Error))
		e.log.Warn("kill decided", fields...)
	} else {
		e.log.Info("kill decided", fields...)
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDecision, Time: e.clock.Now(), Data: d})
	}
}
