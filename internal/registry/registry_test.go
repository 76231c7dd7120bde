package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	logx "bosstracker/pkg/logx"
)

func hours(h float64) *float64 { return &h }

func openTemp(t *testing.T, body string) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bosses.json")
	if body != "" {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	r, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r, path
}

func TestMergeUserWinsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	killed := time.Date(2026, 1, 2, 23, 34, 21, 0, time.UTC)
	user := []Target{
		{Name: "Lady Vox", Enabled: false, KillCount: 3, LastKilled: &killed, Note: "pull to wall"},
		{Name: "Custom Mob", Zone: "Somewhere", Enabled: true},
	}
	defaults := []Target{
		{Name: "Lady Vox", Zone: "Permafrost Caverns", Enabled: true, RespawnHours: hours(162), Note: "default note"},
		{Name: "Trakanon", Zone: "Old Sebilis", Enabled: true},
	}

	once := Merge(user, defaults)
	twice := Merge(once, defaults)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("merge not idempotent:\n%+v\n%+v", once, twice)
	}
	if len(once) != 3 {
		t.Fatalf("len = %d, want 3", len(once))
	}
	vox := once[0]
	if vox.Enabled || vox.KillCount != 3 || vox.Note != "pull to wall" || !vox.LastKilled.Equal(killed) {
		t.Fatalf("user fields lost: %+v", vox)
	}
	if vox.Zone != "Permafrost Caverns" || vox.RespawnHours == nil || *vox.RespawnHours != 162 {
		t.Fatalf("defaults not backfilled: %+v", vox)
	}
	if once[2].Name != "Trakanon" {
		t.Fatalf("default-only target missing: %+v", once[2])
	}
}

func TestOpenFreshWritesDefaults(t *testing.T) {
	t.Parallel()
	r, path := openTemp(t, "")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("registry file not written: %v", err)
	}
	if _, ok := r.Get("Lady Vox"); !ok {
		t.Fatal("bundled default missing")
	}
	if r.Corruption() != nil {
		t.Fatalf("unexpected corruption %v", r.Corruption())
	}
}

func TestLoadMergedTwiceIsIdentical(t *testing.T) {
	t.Parallel()
	first, path := openTemp(t, `{"bosses":[{"name":"Lady Vox","enabled":false,"kill_count":2}]}`)
	second, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !reflect.DeepEqual(first.All(), second.All()) {
		t.Fatal("second load differs from first")
	}
}

func TestUnknownFieldsSurviveSave(t *testing.T) {
	t.Parallel()
	body := `{"version":2,"bosses":[{"name":"Lady Vox","enabled":false,"color":"#ff0000","last_killed":"2026-01-02T18:34:21.123456"}]}`
	r, path := openTemp(t, body)
	if err := r.SetEnabled("Lady Vox", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("saved file is not JSON: %v", err)
	}
	if string(doc["version"]) != "2" {
		t.Fatalf("top-level field lost: %s", b)
	}
	if !strings.Contains(string(b), `"color": "#ff0000"`) {
		t.Fatalf("target field lost: %s", b)
	}
	vox, _ := r.Get("Lady Vox")
	if !vox.Enabled || vox.LastKilled == nil {
		t.Fatalf("unexpected target %+v", vox)
	}
}

func TestCorruptFileFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	r, path := openTemp(t, `{"bosses":[{"name":`)
	ce := r.Corruption()
	if ce == nil {
		t.Fatal("expected corruption")
	}
	var target *CorruptError
	if !errors.As(error(ce), &target) {
		t.Fatal("not a *CorruptError")
	}
	if _, err := os.Stat(ce.Preserved); err != nil {
		t.Fatalf("corrupt copy missing: %v", err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != `{"bosses":[{"name":` {
		t.Fatal("corrupt file overwritten at load")
	}
	if _, ok := r.Get("Trakanon"); !ok {
		t.Fatal("defaults not loaded")
	}
}

func TestAdvanceLastKilledOnlyMovesForward(t *testing.T) {
	t.Parallel()
	r, _ := openTemp(t, "")
	base := time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)

	steps := []struct {
		at      time.Time
		changed bool
	}{
		{base, true},
		{base.Add(-time.Hour), false},
		{base, false},
		{base.Add(time.Minute), true},
	}
	for i, s := range steps {
		changed, err := r.AdvanceLastKilled("Trakanon", s.at)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if changed != s.changed {
			t.Fatalf("step %d: changed = %v, want %v", i, changed, s.changed)
		}
	}
	tr, _ := r.Get("Trakanon")
	if !tr.LastKilled.Equal(base.Add(time.Minute)) {
		t.Fatalf("last killed = %v", tr.LastKilled)
	}
	if changed, _ := r.AdvanceLastKilled("Nobody", base); changed {
		t.Fatal("unknown target advanced")
	}
}

func TestRecordKillAndRespawn(t *testing.T) {
	t.Parallel()
	r, _ := openTemp(t, "")
	at := time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)
	got, err := r.RecordKill("Emperor Ssraeshza", at)
	if err != nil {
		t.Fatalf("RecordKill: %v", err)
	}
	if got.KillCount != 1 || !got.LastKilled.Equal(at) {
		t.Fatalf("unexpected %+v", got)
	}
	left, ok := r.TimeUntilRespawn("Emperor Ssraeshza", at.Add(6*time.Hour))
	if !ok || left != 60*time.Hour {
		t.Fatalf("respawn = %v,%v want 60h", left, ok)
	}
	if _, err := r.RecordKill("Nobody", at); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("err = %v", err)
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()
	r, _ := openTemp(t, "")
	at := time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)
	tg, created, err := r.Discover("a brand new mob", "Vex Thal", false, at)
	if err != nil || !created {
		t.Fatalf("Discover = %v,%v", created, err)
	}
	if tg.Enabled || !tg.FirstSeen.Equal(at) {
		t.Fatalf("unexpected %+v", tg)
	}
	if _, created, _ := r.Discover("a brand new mob", "Elsewhere", true, at); created {
		t.Fatal("second discover created again")
	}
	found := false
	for _, z := range r.Zones() {
		if z.Zone != "Vex Thal" {
			continue
		}
		for _, tg := range z.Targets {
			found = found || tg.Name == "a brand new mob"
		}
	}
	if !found {
		t.Fatal("discovered target missing from zone group")
	}
}

func TestBackupsRotate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bosses.json")
	r, err := Open(Config{Path: path, BackupsKeep: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	clock := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	for i := 0; i < 5; i++ {
		if err := r.SetEnabled("Lady Vox", i%2 == 0); err != nil {
			t.Fatalf("SetEnabled: %v", err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("read backups: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("backups = %d, want 2", len(entries))
	}
}
