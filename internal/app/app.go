package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bosstracker/internal/channel"
	"bosstracker/internal/config"
	"bosstracker/internal/dedup"
	"bosstracker/internal/eventbus"
	"bosstracker/internal/journal"
	"bosstracker/internal/notifier"
	"bosstracker/internal/observability"
	"bosstracker/internal/parser"
	"bosstracker/internal/reconcile"
	"bosstracker/internal/registry"
	rtsup "bosstracker/internal/runtime/supervisor"
	"bosstracker/internal/scheduler"
	"bosstracker/internal/tail"
	"bosstracker/internal/timectx"
	logx "bosstracker/pkg/logx"
)

const reconcileJob = "reconcile"

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	tc   *timectx.Context

	reg     *registry.Registry
	journal journal.Journal
	ch      channel.Channel
	notif   *notifier.Service
	engine  *dedup.Engine
	tracker *tail.Tracker
	parser  *parser.Parser
	recon   atomic.Pointer[reconcile.Reconciler]
	sched   *scheduler.Service
	metrics *observability.Metrics
	debug   *observability.Server

	tailCancel context.CancelFunc
	tailDone   chan struct{}

	started  time.Time
	stopOnce sync.Once
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, root := logx.New(mapLogging(cfg))
	logSvc.Redact(secrets(cfg)...)
	log := root.With(logx.String("comp", "app"))

	tc, err := timectx.New(cfg.Source.Timezone, cfg.Display.Timezone)
	if err != nil {
		return nil, err
	}
	tc.SetMilitary(cfg.Display.MilitaryTime)

	bus := eventbus.New()

	reg, err := registry.Open(mapRegistry(cfg), root.With(logx.String("comp", "registry")))
	if err != nil {
		return nil, err
	}
	if ce := reg.Corruption(); ce != nil {
		log.Warn("target registry was unreadable; started from defaults", logx.Err(ce))
	}

	jcfg, err := mapJournal(cfg)
	if err != nil {
		return nil, err
	}
	jrnl, err := journal.Open(jcfg, root.With(logx.String("comp", "journal")))
	if err != nil {
		return nil, err
	}

	ch, err := openChannel(cfg, root)
	if err != nil {
		_ = jrnl.Close()
		return nil, err
	}

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		_ = jrnl.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ch, root.With(logx.String("comp", "notifier")), bus)

	tcfg, err := mapTail(cfg)
	if err != nil {
		_ = jrnl.Close()
		return nil, err
	}

	_, rcfg, err := mapReconcile(cfg)
	if err != nil {
		_ = jrnl.Close()
		return nil, err
	}

	dcfg, err := mapDebug(cfg)
	if err != nil {
		_ = jrnl.Close()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		tc:      tc,
		reg:     reg,
		journal: jrnl,
		ch:      ch,
		notif:   notif,
		tracker: tail.New(tcfg, root.With(logx.String("comp", "tail"))),
		parser:  parser.New(tc),
		sched:   scheduler.New(scheduler.Config{Timezone: cfg.Display.Timezone}, root),
		metrics: observability.NewMetrics(),
	}
	a.recon.Store(reconcile.New(rcfg, history(ch), reg, tc, root, bus))
	a.debug = observability.NewServer(dcfg, a.metrics.Registry(), func() any { return a.Status() }, root)
	a.registerRoutes()
	return a, nil
}

// history returns ch as a History only when it can actually be read back.
func history(ch channel.Channel) channel.History {
	if ch == nil || !ch.CanReadBack() {
		return nil
	}
	return ch
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Components outlive the caller's signal context; Stop tears them down in order.
	a.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	run := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, next *config.Config) error {
		if err := config.Validate(c, next); err != nil {
			return err
		}
		if _, err := mapNotifier(next); err != nil {
			return err
		}
		if _, _, err := mapReconcile(next); err != nil {
			return err
		}
		_, err := mapDebug(next)
		return err
	})

	a.notif.Start(run)

	dcfg, err := mapDedup(cfg)
	if err != nil {
		return err
	}
	a.engine = dedup.New(run, dcfg, a.tc, dedup.Deps{
		Registry: a.reg,
		Sink:     a.notif,
		Journal:  a.journal,
		History:  history(a.ch),
	}, a.log.With(logx.String("comp", "dedup")), dedup.WithBus(a.bus))
	a.metrics.Gauges(a.engine.Pending, a.notif.Pending)
	a.sup.Go0("metrics.consume", func(c context.Context) { a.metrics.Consume(c, a.bus) })

	if !a.ch.CanReadBack() {
		a.log.Warn("channel cannot be read back; remote duplicate checks and reconciliation are off",
			logx.String("channel", a.ch.Name()))
	}

	a.tracker.OnSwitch(func(sw tail.Switch) {
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeSourceSwitched, Time: time.Now(), Data: sw})
	})
	tailCtx, cancel := context.WithCancel(run)
	a.tailCancel = cancel
	a.tailDone = make(chan struct{})
	a.sup.Go("tail", func(context.Context) error {
		defer close(a.tailDone)
		return a.tracker.Run(tailCtx, a.handleLine)
	})

	a.sched.Start(run)
	a.applyReconcile(cfg)

	if dc, err := mapDebug(cfg); err == nil && dc.Enabled {
		a.debug.Start(run)
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("source_dir", cfg.Source.Dir),
		logx.String("channel", a.ch.Name()),
		logx.String("viewer_tz", a.tc.Viewer().String()),
		logx.Int("targets", len(a.reg.Names())),
	)
	return nil
}

func (a *App) handleLine(l tail.Line) {
	a.metrics.ObserveLine()
	c, ok := a.parser.Parse(l.Text)
	if !ok {
		return
	}
	a.metrics.ObserveCandidate(c)
	if err := a.engine.Ingest(c); err != nil && !errors.Is(err, dedup.ErrClosed) {
		a.log.Warn("candidate dropped", logx.String("target", c.Target), logx.Err(err))
	}
}

// applyReconcile (re)registers or removes the periodic reconcile job.
func (a *App) applyReconcile(cfg *config.Config) {
	rs, rcfg, err := mapReconcile(cfg)
	if err != nil {
		a.log.Warn("invalid reconcile config; keeping previous", logx.Err(err))
		return
	}
	a.recon.Store(reconcile.New(rcfg, history(a.ch), a.reg, a.tc, a.log, a.bus))

	if !rs.Enabled || !a.ch.CanReadBack() {
		if a.sched.Remove(reconcileJob) {
			a.log.Info("reconciliation disabled")
		}
		return
	}
	_, existed := a.scheduleInfo(reconcileJob)
	add := func() error { return a.sched.AddInterval(reconcileJob, rs.Interval, rs.Timeout, a.reconcile) }
	if rs.Schedule != "" {
		add = func() error { return a.sched.AddSchedule(reconcileJob, rs.Schedule, rs.Timeout, a.reconcile) }
	}
	if err := add(); err != nil {
		a.log.Warn("reconcile schedule rejected", logx.Err(err))
		return
	}
	if !existed {
		// catch up on kills posted while we were down
		a.sched.RunNow(reconcileJob)
	}
}

func (a *App) scheduleInfo(name string) (scheduler.ScheduleInfo, bool) {
	for _, s := range a.sched.Snapshot().Schedules {
		if s.Name == name {
			return s, true
		}
	}
	return scheduler.ScheduleInfo{}, false
}

func (a *App) reconcile(ctx context.Context) error {
	res, err := a.recon.Load().Run(ctx)
	if err != nil {
		return err
	}
	if len(res.Advanced) > 0 {
		a.log.Info("reconciled last kills from channel",
			logx.Int("messages", res.Messages),
			logx.Int("advanced", len(res.Advanced)),
		)
	}
	return nil
}

// Stop shuts components down in dependency order: intake first, then the
// engine flush, then delivery, then persistence.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var stopErr error
	a.stopOnce.Do(func() { stopErr = a.stop(ctx, reason) })
	return stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := newStepper(ctx, a.log)

	step.run("tail", 2*time.Second, func(c context.Context) error {
		a.tailCancel()
		select {
		case <-a.tailDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step.run("dedup", 10*time.Second, func(c context.Context) error { return a.engine.Close(c) })
	step.run("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step.run("notifier", 10*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step.run("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step.run("journal", time.Second, func(context.Context) error { return a.journal.Close() })
	step.run("registry", time.Second, func(context.Context) error { return a.reg.Save() })

	// Finally, wait for supervised goroutines (config watch/reload, metrics, etc.)
	a.sup.Cancel()
	step.run("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return step.err()
}
