// Package tail follows the most recently written game log in a directory.
package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "bosstracker/pkg/logx"
)

type Config struct {
	Dir        string
	Prefix     string        // default "eqlog"
	Ext        string        // default ".txt"
	Poll       time.Duration // default 1s
	Rescan     time.Duration // default 10s
	MaxBackoff time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "eqlog"
	}
	if strings.TrimSpace(c.Ext) == "" {
		c.Ext = ".txt"
	}
	if !strings.HasPrefix(c.Ext, ".") {
		c.Ext = "." + c.Ext
	}
	if c.Poll <= 0 {
		c.Poll = time.Second
	}
	if c.Rescan <= 0 {
		c.Rescan = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Line is one complete, newline-terminated line.
type Line struct {
	Text   string
	Source string
	Label  string
}

// Switch describes a change of active source.
type Switch struct {
	From, To string
	Label    string
}

// ErrNoSource is returned by Poll when no matching file exists yet.
var ErrNoSource = errors.New("no matching log file")

type source struct {
	path    string
	label   string
	offset  int64
	partial []byte
}

// Tracker owns the active-source state. It is not a singleton: tests and the
// scan command build their own.
type Tracker struct {
	cfg Config
	log logx.Logger

	mu         sync.Mutex
	active     *source
	lastRescan time.Time
	forceScan  bool
	onSwitch   func(Switch)

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{cfg: cfg.withDefaults(), log: log, now: time.Now}
}

// OnSwitch installs a callback invoked (under no lock) after the active source changes.
func (t *Tracker) OnSwitch(fn func(Switch)) {
	t.mu.Lock()
	t.onSwitch = fn
	t.mu.Unlock()
}

// Active returns the current source path and label ("" when none).
func (t *Tracker) Active() (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return "", ""
	}
	return t.active.path, t.active.label
}

// Label extracts the display label from a log file name:
// "eqlog_Xanax_pq.proj.txt" yields "Xanax".
func Label(name, prefix string) string {
	base := filepath.Base(name)
	p := prefix + "_"
	if !strings.HasPrefix(base, p) {
		return ""
	}
	rest := base[len(p):]
	if i := strings.Index(rest, "_"); i >= 0 {
		return rest[:i]
	}
	return strings.TrimSuffix(rest, filepath.Ext(rest))
}

// Matches reports whether name follows prefix_<label>_<suffix>.ext.
func (t *Tracker) Matches(name string) bool {
	ok, err := filepath.Match(t.cfg.Prefix+"_*_*"+t.cfg.Ext, filepath.Base(name))
	return err == nil && ok
}

// pickActive returns the matching file with the newest modification time.
func (t *Tracker) pickActive() (string, error) {
	entries, err := os.ReadDir(t.cfg.Dir)
	if err != nil {
		return "", err
	}
	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !t.Matches(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(t.cfg.Dir, e.Name())
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", ErrNoSource
	}
	return best, nil
}

// Poll performs one tailing step: re-selects the active file when due and
// returns the complete lines appended since the previous call.
func (t *Tracker) Poll() ([]Line, error) {
	var sw *Switch
	lines, err := func() ([]Line, error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		now := t.now()
		if t.active == nil || t.forceScan || now.Sub(t.lastRescan) >= t.cfg.Rescan {
			t.lastRescan = now
			t.forceScan = false
			path, err := t.pickActive()
			if err != nil {
				if t.active == nil {
					return nil, err
				}
				// Keep reading the current file; the directory may be briefly unreadable.
				t.log.Debug("rescan failed", logx.String("dir", t.cfg.Dir), logx.Any("err", err))
			} else if t.active == nil || t.active.path != path {
				sw = t.switchLocked(path)
			}
		}
		if t.active == nil {
			return nil, ErrNoSource
		}
		return t.readLocked()
	}()

	if sw != nil {
		t.mu.Lock()
		cb := t.onSwitch
		t.mu.Unlock()
		if cb != nil {
			cb(*sw)
		}
	}
	return lines, err
}

// switchLocked makes path the active source, positioned at its current end.
func (t *Tracker) switchLocked(path string) *Switch {
	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}
	from := ""
	if t.active != nil {
		from = t.active.path
		if len(t.active.partial) > 0 {
			t.log.Debug("abandoning partial line from previous source",
				logx.String("path", from), logx.Int("bytes", len(t.active.partial)))
		}
	}
	label := Label(path, t.cfg.Prefix)
	t.active = &source{path: path, label: label, offset: offset}
	t.log.Info("active log source", logx.String("path", path), logx.String("label", label), logx.Int64("offset", offset))
	return &Switch{From: from, To: path, Label: label}
}

const readChunk = 64 << 10

func (t *Tracker) readLocked() ([]Line, error) {
	src := t.active
	f, err := os.Open(src.path)
	if err != nil {
		t.forceScan = true
		return nil, fmt.Errorf("open %s: %w", src.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", src.path, err)
	}
	size := info.Size()
	if size < src.offset {
		t.log.Info("log truncated; reading from start", logx.String("path", src.path),
			logx.Int64("offset", src.offset), logx.Int64("size", size))
		src.offset = 0
		src.partial = nil
	}
	if size == src.offset {
		return nil, nil
	}
	if _, err := f.Seek(src.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", src.path, err)
	}

	var out []Line
	buf := make([]byte, readChunk)
	remaining := size - src.offset
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		got, err := io.ReadFull(f, buf[:n])
		if got > 0 {
			src.offset += int64(got)
			remaining -= int64(got)
			out = t.splitLocked(out, buf[:got])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return out, fmt.Errorf("read %s: %w", src.path, err)
		}
	}
	return out, nil
}

// splitLocked appends the complete lines in chunk and keeps the tail as partial.
func (t *Tracker) splitLocked(out []Line, chunk []byte) []Line {
	src := t.active
	data := chunk
	if len(src.partial) > 0 {
		data = append(src.partial, chunk...)
		src.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		raw := bytes.TrimRight(data[:i], "\r")
		data = data[i+1:]
		text := strings.ToValidUTF8(string(raw), "")
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, Line{Text: text, Source: src.path, Label: src.label})
	}
	if len(data) > 0 {
		src.partial = append([]byte(nil), data...)
	}
	return out
}

// Run tails until ctx is done, calling emit for every line in order. Directory
// events wake the loop early; the poll interval is the fallback. Source errors
// back off and never end the loop.
func (t *Tracker) Run(ctx context.Context, emit func(Line)) error {
	wake := make(chan struct{}, 1)
	stopWatch := t.watch(ctx, wake)
	defer stopWatch()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := t.cfg.Poll
	ticker := time.NewTicker(t.cfg.Poll)
	defer ticker.Stop()

	for {
		lines, err := t.Poll()
		for _, l := range lines {
			emit(l)
		}

		wait := time.Duration(0)
		if err != nil {
			wait = backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
			if errors.Is(err, ErrNoSource) {
				t.log.Debug("waiting for log source", logx.String("dir", t.cfg.Dir), logx.Duration("backoff", wait))
			} else {
				t.log.Warn("log source unavailable", logx.Any("err", err), logx.Duration("backoff", wait))
			}
			backoff *= 2
			if backoff > t.cfg.MaxBackoff {
				backoff = t.cfg.MaxBackoff
			}
		} else {
			backoff = t.cfg.Poll
		}

		var tick <-chan time.Time = ticker.C
		if wait > 0 {
			tick = time.After(wait)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-wake:
		}
	}
}

// watch subscribes to directory events. Failure is not fatal: polling still works.
func (t *Tracker) watch(ctx context.Context, wake chan<- struct{}) func() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.log.Debug("fsnotify unavailable; polling only", logx.Any("err", err))
		return func() {}
	}
	if err := w.Add(t.cfg.Dir); err != nil {
		_ = w.Close()
		t.log.Debug("fsnotify add failed; polling only", logx.String("dir", t.cfg.Dir), logx.Any("err", err))
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !t.Matches(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					t.mu.Lock()
					t.forceScan = true
					t.mu.Unlock()
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if err != nil {
					t.log.Debug("fsnotify error", logx.Any("err", err))
				}
			}
		}
	}()
	return func() {
		_ = w.Close()
		<-done
	}
}
