package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultRespawn applies to targets without their own respawn_hours.
const DefaultRespawn = 162 * time.Hour

// Target is one known kill target. Name is the identity (case-sensitive).
type Target struct {
	Name         string
	Zone         string
	Enabled      bool
	KillCount    uint
	LastKilled   *time.Time
	Note         string
	FirstSeen    time.Time
	RespawnHours *float64

	// extra keeps fields this version does not know about, so hand edits and
	// newer clients survive a load/save cycle.
	extra map[string]json.RawMessage
}

type targetWire struct {
	Name         string   `json:"name"`
	Zone         string   `json:"location,omitempty"`
	Enabled      bool     `json:"enabled"`
	KillCount    uint     `json:"kill_count"`
	LastKilled   *stamp   `json:"last_killed,omitempty"`
	Note         string   `json:"note,omitempty"`
	FirstSeen    *stamp   `json:"first_seen,omitempty"`
	RespawnHours *float64 `json:"respawn_hours,omitempty"`
}

var knownFields = map[string]struct{}{
	"name": {}, "location": {}, "enabled": {}, "kill_count": {},
	"last_killed": {}, "note": {}, "first_seen": {}, "respawn_hours": {},
}

// Respawn returns the target's respawn interval.
func (t Target) Respawn() time.Duration {
	if t.RespawnHours == nil || *t.RespawnHours <= 0 {
		return DefaultRespawn
	}
	return time.Duration(*t.RespawnHours * float64(time.Hour))
}

// Clone returns a deep copy safe to hand to readers.
func (t Target) Clone() Target {
	c := t
	if t.LastKilled != nil {
		lk := *t.LastKilled
		c.LastKilled = &lk
	}
	if t.RespawnHours != nil {
		h := *t.RespawnHours
		c.RespawnHours = &h
	}
	if t.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(t.extra))
		for k, v := range t.extra {
			c.extra[k] = v
		}
	}
	return c
}

func (t Target) MarshalJSON() ([]byte, error) {
	w := targetWire{
		Name:         t.Name,
		Zone:         t.Zone,
		Enabled:      t.Enabled,
		KillCount:    t.KillCount,
		Note:         t.Note,
		RespawnHours: t.RespawnHours,
	}
	if t.LastKilled != nil {
		w.LastKilled = &stamp{*t.LastKilled}
	}
	if !t.FirstSeen.IsZero() {
		w.FirstSeen = &stamp{t.FirstSeen}
	}
	if len(t.extra) == 0 {
		return json.Marshal(w)
	}
	known, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage, len(t.extra)+len(knownFields))
	for k, v := range t.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (t *Target) UnmarshalJSON(b []byte) error {
	var w targetWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	name := strings.TrimSpace(w.Name)
	if name == "" {
		return fmt.Errorf("target without name")
	}
	*t = Target{
		Name:         name,
		Zone:         strings.TrimSpace(w.Zone),
		Enabled:      w.Enabled,
		KillCount:    w.KillCount,
		Note:         strings.TrimSpace(w.Note),
		RespawnHours: w.RespawnHours,
	}
	if w.LastKilled != nil && !w.LastKilled.IsZero() {
		lk := w.LastKilled.Time
		t.LastKilled = &lk
	}
	if w.FirstSeen != nil {
		t.FirstSeen = w.FirstSeen.Time
	}
	for k, v := range all {
		if _, ok := knownFields[k]; ok {
			continue
		}
		if t.extra == nil {
			t.extra = map[string]json.RawMessage{}
		}
		t.extra[k] = v
	}
	return nil
}

// stamp is a time that reads RFC 3339 as well as the naive ISO form older
// files carry ("2026-01-02T18:34:21.123456", local wall clock). Null and ""
// decode to the zero time.
type stamp struct{ time.Time }

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (s stamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.UTC().Format(time.RFC3339))
}

func (s *stamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = stamp{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*s = stamp{}
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		*s = stamp{t}
		return nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			*s = stamp{t}
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", raw)
}
