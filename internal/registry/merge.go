package registry

import "encoding/json"

// Merge combines the user's catalog with the bundled defaults.
//
// The result is the union of names in user order, followed by default-only
// targets in default order. For names in both, the user's enabled, kill_count,
// last_killed and note win; zone, respawn hours, first_seen and unknown fields
// missing from the user copy are backfilled from the default. Merge is pure and
// idempotent: Merge(Merge(u, d), d) equals Merge(u, d).
func Merge(user, defaults []Target) []Target {
	defByName := make(map[string]Target, len(defaults))
	for _, d := range defaults {
		if _, dup := defByName[d.Name]; !dup {
			defByName[d.Name] = d
		}
	}

	out := make([]Target, 0, len(user)+len(defaults))
	seen := make(map[string]struct{}, len(user)+len(defaults))
	for _, u := range user {
		if _, dup := seen[u.Name]; dup {
			continue
		}
		seen[u.Name] = struct{}{}
		t := u.Clone()
		if d, ok := defByName[u.Name]; ok {
			backfill(&t, d)
		}
		out = append(out, t)
	}
	for _, d := range defaults {
		if _, dup := seen[d.Name]; dup {
			continue
		}
		seen[d.Name] = struct{}{}
		out = append(out, d.Clone())
	}
	return out
}

func backfill(t *Target, d Target) {
	if t.Zone == "" {
		t.Zone = d.Zone
	}
	if t.RespawnHours == nil && d.RespawnHours != nil {
		h := *d.RespawnHours
		t.RespawnHours = &h
	}
	if t.FirstSeen.IsZero() {
		t.FirstSeen = d.FirstSeen
	}
	for k, v := range d.extra {
		if _, ok := t.extra[k]; ok {
			continue
		}
		if t.extra == nil {
			t.extra = map[string]json.RawMessage{}
		}
		t.extra[k] = v
	}
}
