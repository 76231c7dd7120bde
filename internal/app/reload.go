package app

import (
	"context"
	"strings"

	"bosstracker/internal/config"
	"bosstracker/internal/scheduler"
	logx "bosstracker/pkg/logx"
)

// restartOnly sections are read once at startup.
var restartOnly = map[string]bool{
	"source":   true,
	"channel":  true,
	"registry": true,
	"journal":  true,
}

func (a *App) reloadLoop(c context.Context) {
	sub, cancel := a.cfgm.Subscribe(8)
	defer cancel()
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			a.apply(c, newCfg, sections)

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// apply pushes a validated config into every hot-reloadable component.
func (a *App) apply(c context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		if restartOnly[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	// Secrets first so nothing below can log a new credential in clear.
	a.logs.Redact(secrets(cfg)...)
	a.logs.Apply(mapLogging(cfg))

	if err := a.tc.SetViewer(cfg.Display.Timezone); err != nil {
		a.log.Warn("invalid display timezone; keeping previous", logx.Err(err))
	}
	a.tc.SetMilitary(cfg.Display.MilitaryTime)

	if dc, err := mapDedup(cfg); err != nil {
		a.log.Warn("invalid dedup config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(dc)
	}

	if nc, err := mapNotifier(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}

	a.sched.Apply(scheduler.Config{Timezone: cfg.Display.Timezone})
	a.applyReconcile(cfg)

	if dc, err := mapDebug(cfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dc)
	}
}
