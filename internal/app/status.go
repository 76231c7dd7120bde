package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"bosstracker/internal/dedup"
	"bosstracker/internal/journal"
	rtsup "bosstracker/internal/runtime/supervisor"
	"bosstracker/internal/scheduler"
	"bosstracker/internal/timectx"
)

type Status struct {
	Started     time.Time                 `json:"started"`
	Uptime      string                    `json:"uptime"`
	Source      string                    `json:"source,omitempty"`
	SourceLabel string                    `json:"source_label,omitempty"`
	Channel     string                    `json:"channel"`
	CanReadBack bool                      `json:"can_read_back"`
	Pending     int                       `json:"pending_batches"`
	Parked      []string                  `json:"parked,omitempty"`
	Queued      int                       `json:"queued"`
	Corrupt     string                    `json:"registry_corruption,omitempty"`
	Scheduler   scheduler.Snapshot        `json:"scheduler"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
	Today       map[journal.Status]int    `json:"today,omitempty"`
}

// Status is served at /status on the debug server.
func (a *App) Status() Status {
	st := Status{
		Started:     a.started,
		Uptime:      humanize.RelTime(a.started, time.Now(), "", ""),
		Channel:     a.ch.Name(),
		CanReadBack: a.ch.CanReadBack(),
		Queued:      a.notif.Pending(),
		Scheduler:   a.sched.Snapshot(),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	st.Uptime = strings.TrimSpace(st.Uptime)
	st.Source, st.SourceLabel = a.tracker.Active()
	if a.engine != nil {
		st.Pending = a.engine.Pending()
		st.Parked = a.engine.Parked()
		if sup := a.engine.Supervisor(); sup != nil {
			st.Supervisors["dedup"] = sup.Snapshot()
		}
	}
	if ce := a.reg.Corruption(); ce != nil {
		st.Corrupt = ce.Error()
	}
	for name, sup := range map[string]*rtsup.Supervisor{
		"app":      a.sup,
		"notifier": a.notif.Supervisor(),
		"debug":    a.debug.Supervisor(),
	} {
		if sup != nil {
			st.Supervisors[name] = sup.Snapshot()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if entries, err := a.journal.Day(ctx, a.tc.Now(), a.tc.Viewer()); err == nil && len(entries) > 0 {
		st.Today = map[journal.Status]int{}
		for _, e := range entries {
			st.Today[e.Status]++
		}
	}
	return st
}

type targetView struct {
	Name       string `json:"name"`
	Zone       string `json:"zone"`
	Enabled    bool   `json:"enabled"`
	KillCount  uint   `json:"kill_count"`
	LastKilled string `json:"last_killed,omitempty"`
	Respawn    string `json:"respawn,omitempty"`
}

func (a *App) registerRoutes() {
	a.debug.Handle("/targets", http.HandlerFunc(a.serveTargets))
	a.debug.Handle("/targets/resolve", http.HandlerFunc(a.serveResolve))
}

func (a *App) serveTargets(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	all := a.reg.All()
	out := make([]targetView, 0, len(all))
	for _, t := range all {
		v := targetView{Name: t.Name, Zone: t.Zone, Enabled: t.Enabled, KillCount: t.KillCount}
		if t.LastKilled != nil {
			v.LastKilled = a.tc.FormatPresentation(*t.LastKilled, timectx.StyleAbsolute)
		}
		if left, ok := a.reg.TimeUntilRespawn(t.Name, now); ok {
			if left == 0 {
				v.Respawn = "up"
			} else {
				v.Respawn = a.tc.FormatPresentation(now.Add(left), timectx.StyleRelative)
			}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// serveResolve answers a parked new-target prompt: POST ?name=<target>&enable=true|false.
func (a *App) serveResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("name")
	enable, err := strconv.ParseBool(r.URL.Query().Get("enable"))
	if name == "" || err != nil {
		http.Error(w, "need name and enable=true|false", http.StatusBadRequest)
		return
	}
	if a.engine == nil {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	switch err := a.engine.Resolve(name, enable); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"target": name, "enabled": enable})
	case errors.Is(err, dedup.ErrNotPending):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dedup.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
