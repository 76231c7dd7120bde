package tail

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "bosstracker/pkg/logx"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func texts(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text)
	}
	return out
}

func mustPoll(t *testing.T, tr *Tracker) []string {
	t.Helper()
	lines, err := tr.Poll()
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	return texts(lines)
}

func TestLabel(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"eqlog_Xanax_pq.proj.txt", "Xanax"},
		{"/logs/eqlog_Soandso_P1999Green.txt", "Soandso"},
		{"other_Xanax_pq.txt", ""},
	}
	for _, tt := range tests {
		if got := Label(tt.in, "eqlog"); got != tt.want {
			t.Fatalf("Label(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()
	tr := New(Config{Dir: t.TempDir()}, logx.Nop())
	if !tr.Matches("eqlog_Xanax_pq.proj.txt") {
		t.Fatal("expected match")
	}
	for _, name := range []string{"eqlog_Xanax.txt", "eqlog_Xanax_pq.log", "dbg.txt"} {
		if tr.Matches(name) {
			t.Fatalf("unexpected match for %s", name)
		}
	}
}

func TestPollNoSource(t *testing.T) {
	t.Parallel()
	tr := New(Config{Dir: t.TempDir()}, logx.Nop())
	if _, err := tr.Poll(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("err = %v, want ErrNoSource", err)
	}
}

func TestStartsAtEndAndEmitsOnlyCompleteLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "eqlog_Xanax_pq.proj.txt")
	appendFile(t, path, "history line\n")

	tr := New(Config{Dir: dir}, logx.Nop())
	if got := mustPoll(t, tr); len(got) != 0 {
		t.Fatalf("startup replayed history: %v", got)
	}
	if p, label := tr.Active(); p != path || label != "Xanax" {
		t.Fatalf("Active = %q,%q", p, label)
	}

	appendFile(t, path, "first\r\nsec")
	if got := mustPoll(t, tr); len(got) != 1 || got[0] != "first" {
		t.Fatalf("got %v, want [first]", got)
	}
	appendFile(t, path, "ond\n\nthird\n")
	got := mustPoll(t, tr)
	if len(got) != 2 || got[0] != "second" || got[1] != "third" {
		t.Fatalf("got %v, want [second third]", got)
	}
}

func TestTruncationResetsOffset(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "eqlog_Xanax_pq.proj.txt")
	appendFile(t, path, "a fairly long line of history\n")

	tr := New(Config{Dir: dir}, logx.Nop())
	mustPoll(t, tr)

	if err := os.WriteFile(path, []byte("fresh\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if got := mustPoll(t, tr); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("got %v, want [fresh]", got)
	}
}

func TestSourceSwitchDoesNotReplay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "eqlog_Xanax_pq.proj.txt")
	newPath := filepath.Join(dir, "eqlog_Alt_pq.proj.txt")
	appendFile(t, oldPath, "old history\n")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	now := time.Now()
	tr := New(Config{Dir: dir, Rescan: 10 * time.Second}, logx.Nop())
	tr.now = func() time.Time { return now }
	var switches []Switch
	tr.OnSwitch(func(s Switch) { switches = append(switches, s) })

	mustPoll(t, tr)
	appendFile(t, oldPath, "half a li")
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	// The alternate character logs in; its file already has history.
	appendFile(t, newPath, "[Fri Jan 02 18:00:00 2026] alt history\n")
	now = now.Add(11 * time.Second)

	if got := mustPoll(t, tr); len(got) != 0 {
		t.Fatalf("switch replayed lines: %v", got)
	}
	if p, label := tr.Active(); p != newPath || label != "Alt" {
		t.Fatalf("Active = %q,%q", p, label)
	}
	if len(switches) != 2 || switches[1].From != oldPath || switches[1].To != newPath {
		t.Fatalf("switches = %+v", switches)
	}

	appendFile(t, newPath, "live line\n")
	got := mustPoll(t, tr)
	if len(got) != 1 || got[0] != "live line" {
		t.Fatalf("got %v, want [live line]", got)
	}
}
