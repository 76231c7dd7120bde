// Package registry is the persisted catalog of known kill targets.
//
// The catalog lives in one JSON file that is read whole on open and replaced
// atomically on every mutation. Mutations are serialised; readers always get
// copies, so a reader never observes a half-applied change.
package registry

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "bosstracker/pkg/logx"
)

//go:embed defaults.json
var bundledDefaults []byte

var ErrUnknownTarget = errors.New("unknown target")

type Config struct {
	Path        string
	Defaults    string // optional override of the bundled catalog
	BackupDir   string // default: "<dir of Path>/backups"
	BackupsKeep int    // default 20; negative disables backups
}

// ZoneGroup is the presentation grouping of targets by zone.
type ZoneGroup struct {
	Zone    string
	Targets []Target
}

type Registry struct {
	cfg Config
	log logx.Logger

	mu      sync.RWMutex
	targets map[string]*Target
	order   []string
	extra   map[string]json.RawMessage
	corrupt *CorruptError

	now func() time.Time
}

// Open loads the user file merged with the default catalog. A corrupt user
// file does not fail Open: the registry starts from defaults and Corruption
// reports what happened.
func Open(cfg Config, log logx.Logger) (*Registry, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("registry path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(cfg.Path), "backups")
	}
	switch {
	case cfg.BackupsKeep == 0:
		cfg.BackupsKeep = 20
	case cfg.BackupsKeep < 0:
		cfg.BackupsKeep = 0
	}
	r := &Registry{cfg: cfg, log: log, now: time.Now}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadDefaults() ([]Target, error) {
	raw := bundledDefaults
	if p := strings.TrimSpace(r.cfg.Defaults); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read defaults: %w", err)
		}
		raw = b
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	return doc.Targets, nil
}

func (r *Registry) load() error {
	defaults, err := r.loadDefaults()
	if err != nil {
		return err
	}

	var user document
	fresh := false
	b, err := os.ReadFile(r.cfg.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fresh = true
	case err != nil:
		return fmt.Errorf("read registry: %w", err)
	default:
		user, err = decodeDocument(b)
		if err != nil {
			r.corrupt = r.preserveCorrupt(err)
			user = document{}
		}
	}

	merged := Merge(user.Targets, defaults)
	r.mu.Lock()
	r.setLocked(merged)
	r.extra = user.extra
	r.mu.Unlock()

	r.log.Info("registry loaded",
		logx.String("path", r.cfg.Path),
		logx.Int("user", len(user.Targets)),
		logx.Int("defaults", len(defaults)),
		logx.Int("total", len(merged)),
		logx.Bool("corrupt", r.corrupt != nil),
	)

	// A corrupt file is left alone until the next real mutation.
	if fresh {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.saveLocked()
	}
	return nil
}

func (r *Registry) preserveCorrupt(cause error) *CorruptError {
	ce := &CorruptError{Path: r.cfg.Path, Err: cause}
	dst := r.cfg.Path + ".corrupt-" + r.now().Format("20060102-150405")
	if err := copyFile(r.cfg.Path, dst); err != nil {
		r.log.Error("registry corrupt; could not preserve copy", logx.String("path", r.cfg.Path), logx.Any("err", err))
	} else {
		ce.Preserved = dst
	}
	r.log.Error("registry corrupt; using defaults only",
		logx.String("path", r.cfg.Path),
		logx.String("preserved", ce.Preserved),
		logx.Any("err", cause),
	)
	return ce
}

func (r *Registry) setLocked(ts []Target) {
	r.targets = make(map[string]*Target, len(ts))
	r.order = r.order[:0]
	for _, t := range ts {
		t := t
		r.targets[t.Name] = &t
		r.order = append(r.order, t.Name)
	}
}

func (r *Registry) snapshotLocked() []Target {
	out := make([]Target, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.targets[n].Clone())
	}
	return out
}

func (r *Registry) saveLocked() error {
	data, err := encodeDocument(document{Targets: r.snapshotLocked(), extra: r.extra})
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	backup(r.cfg.Path, r.cfg.BackupDir, r.cfg.BackupsKeep, r.now(), r.log)
	if err := writeAtomic(r.cfg.Path, data); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// Corruption returns the load-time corruption, if any.
func (r *Registry) Corruption() *CorruptError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.corrupt
}

// Save writes the current state.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) Get(name string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[name]
	if !ok {
		return Target{}, false
	}
	return t.Clone(), true
}

// All returns every target in file order.
func (r *Registry) All() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Names returns every target name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Zones groups targets by zone, zones and names sorted.
func (r *Registry) Zones() []ZoneGroup {
	all := r.All()
	byZone := map[string][]Target{}
	for _, t := range all {
		byZone[t.Zone] = append(byZone[t.Zone], t)
	}
	out := make([]ZoneGroup, 0, len(byZone))
	for z, ts := range byZone {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Name < ts[j].Name })
		out = append(out, ZoneGroup{Zone: z, Targets: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

// Upsert replaces or adds a target. Unknown fields of an existing entry are
// kept when t carries none.
func (r *Registry) Upsert(t Target) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("target name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	nt := t.Clone()
	if cur, ok := r.targets[t.Name]; ok {
		if nt.extra == nil {
			nt.extra = cur.Clone().extra
		}
	} else {
		if nt.FirstSeen.IsZero() {
			nt.FirstSeen = r.now()
		}
		r.order = append(r.order, t.Name)
	}
	r.targets[t.Name] = &nt
	return r.saveLocked()
}

// Discover adds name if it is unknown. It returns the stored target and
// whether it was created by this call.
func (r *Registry) Discover(name, zone string, enabled bool, at time.Time) (Target, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.targets[name]; ok {
		return t.Clone(), false, nil
	}
	if at.IsZero() {
		at = r.now()
	}
	t := &Target{Name: name, Zone: zone, Enabled: enabled, FirstSeen: at}
	r.targets[name] = t
	r.order = append(r.order, name)
	r.log.Info("target discovered", logx.String("target", name), logx.String("zone", zone), logx.Bool("enabled", enabled))
	return t.Clone(), true, r.saveLocked()
}

// RecordKill counts a delivered kill and moves last_killed forward to at.
func (r *Registry) RecordKill(name string, at time.Time) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	t.KillCount++
	if t.LastKilled == nil || at.After(*t.LastKilled) {
		lk := at
		t.LastKilled = &lk
	}
	return t.Clone(), r.saveLocked()
}

// AdvanceLastKilled sets last_killed to at only when at is strictly newer.
// Unknown names are ignored.
func (r *Registry) AdvanceLastKilled(name string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok || at.IsZero() {
		return false, nil
	}
	if t.LastKilled != nil && !at.After(*t.LastKilled) {
		return false, nil
	}
	lk := at
	t.LastKilled = &lk
	return true, r.saveLocked()
}

func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	if t.Enabled == enabled {
		return nil
	}
	t.Enabled = enabled
	return r.saveLocked()
}

// TimeUntilRespawn returns how long until name respawns, floored at zero.
// ok is false when the target is unknown or has never been killed.
func (r *Registry) TimeUntilRespawn(name string, now time.Time) (time.Duration, bool) {
	t, found := r.Get(name)
	if !found || t.LastKilled == nil {
		return 0, false
	}
	left := t.LastKilled.Add(t.Respawn()).Sub(now)
	if left < 0 {
		left = 0
	}
	return left, true
}
