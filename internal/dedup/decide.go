package dedup

import (
	"context"
	"errors"
	"slices"

	"bosstracker/internal/channel"
	"bosstracker/internal/journal"
	"bosstracker/internal/notifier"
	"bosstracker/internal/parser"
	logx "bosstracker/pkg/logx"
)

func (e *Engine) decide(ctx context.Context, c parser.Candidate, n int) Decision {
	cfg := e.settings()
	d := Decision{Target: c.Target, Zone: c.Zone, At: c.At, Candidates: n, Check: CheckSkipped}
	log := e.log.With(logx.String("target", c.Target))

	t, known := e.deps.Registry.Get(c.Target)
	if !known {
		nt, created, err := e.deps.Registry.Discover(c.Target, c.Zone, cfg.EnableNewTargets, c.At)
		if err != nil {
			// The target is in memory even when the save failed.
			log.Error("registry save after discovery failed", logx.Err(err))
		}
		t = nt
		if created {
			e.record(ctx, c, journal.StatusNewlyDiscovered, "", "", nil)
		}
		if !t.Enabled {
			e.mu.Lock()
			closed := e.closed
			if !closed {
				e.parked[c.Target] = parked{cand: c, count: n}
			}
			e.mu.Unlock()
			if closed {
				return e.unresolved(ctx, c, n)
			}
			d.Kind, d.Reason = PendingNewTarget, ReasonNewTarget
			return d
		}
	}

	if !t.Enabled {
		e.record(ctx, c, journal.StatusDisabled, "", "", nil)
		d.Kind, d.Reason = Suppress, ReasonDisabled
		return d
	}

	check, ref := e.remoteCheck(ctx, cfg, c)
	d.Check = check
	if check == CheckDuplicate {
		e.record(ctx, c, journal.StatusDuplicate, "", ref.ID, nil)
		d.Kind, d.Reason, d.MessageID = Suppress, ReasonRemoteDuplicate, ref.ID
		return d
	}

	d.Kind = Notify
	text := notifier.Format(notifier.TemplateFor(c.Kind, cfg.KillTemplate, cfg.LockoutTemplate), notifier.KillVars(e.tc, c, t.Note))
	out := e.deps.Sink.Send(ctx, text)
	if out.Err != nil {
		e.record(ctx, c, journal.StatusFailed, text, "", out.Err)
		d.Error = out.Err.Error()
		return d
	}
	if _, err := e.deps.Registry.RecordKill(c.Target, c.At); err != nil {
		log.Error("record kill failed", logx.Err(err))
	}
	e.record(ctx, c, journal.StatusPosted, text, out.Ref.ID, nil)
	d.Delivered, d.MessageID = true, out.Ref.ID
	return d
}

// remoteCheck looks for the target in recent channel history. A message
// matches when it names the target exactly, not as part of a longer known
// name, and was sent within the tolerance of the kill instant.
func (e *Engine) remoteCheck(ctx context.Context, cfg Config, c parser.Candidate) (Check, channel.MessageRef) {
	if e.deps.History == nil {
		return CheckUnavailable, channel.MessageRef{}
	}
	since := e.clock.Now().Add(-cfg.LookbackWindow)
	if s := c.At.Add(-cfg.Tolerance); s.Before(since) {
		since = s
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.CheckTimeout)
	defer cancel()
	msgs, err := e.deps.History.Recent(cctx, channel.Query{Limit: cfg.LookbackMessages, Since: since})
	if err != nil {
		if errors.Is(err, channel.ErrNoHistory) {
			e.log.Debug("remote check skipped: no history", logx.String("target", c.Target))
		} else {
			e.log.Warn("remote check failed; cannot verify", logx.String("target", c.Target), logx.Err(err))
		}
		return CheckUnavailable, channel.MessageRef{}
	}
	known := e.deps.Registry.Names()
	if !slices.Contains(known, c.Target) {
		known = append(known, c.Target)
	}
	at := e.tc.ToSourceZone(c.At)
	for _, m := range msgs {
		if !slices.Contains(e.parser.Names(m.Content, known), c.Target) {
			continue
		}
		delta := e.tc.ToSourceZone(m.At).Sub(at)
		if delta < 0 {
			delta = -delta
		}
		if delta <= cfg.Tolerance {
			return CheckDuplicate, m.MessageRef
		}
	}
	return CheckClear, channel.MessageRef{}
}

func (e *Engine) record(ctx context.Context, c parser.Candidate, st journal.Status, msg, msgID string, cause error) {
	if e.deps.Journal == nil {
		return
	}
	ent := journal.Entry{
		At:        c.At,
		Target:    c.Target,
		Zone:      c.Zone,
		Status:    st,
		Player:    c.Player,
		Guild:     c.Guild,
		Message:   msg,
		MessageID: msgID,
	}
	if cause != nil {
		ent.Error = cause.Error()
	}
	// Terminal entries are written even while shutting down.
	if _, err := e.deps.Journal.Append(context.WithoutCancel(ctx), ent); err != nil {
		e.log.Error("journal append failed", logx.String("target", c.Target), logx.String("status", string(st)), logx.Err(err))
	}
}
