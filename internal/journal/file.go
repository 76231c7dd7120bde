package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "bosstracker/pkg/logx"
)

// fileJournal appends one JSON document per line. Queries scan the file; the
// journal grows by a handful of lines per kill, so a scan stays small.
type fileJournal struct {
	path string
	log  logx.Logger

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Journal, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileJournal{path: path, log: log, f: f}, nil
}

func (j *fileJournal) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	e = prepare(e)
	b, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	b = append(b, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return Entry{}, ErrClosed
	}
	if _, err := j.f.Write(b); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (j *fileJournal) Day(ctx context.Context, day time.Time, loc *time.Location) ([]Entry, error) {
	start, end := dayBounds(day, loc)
	return j.scan(ctx, func(e Entry) bool { return !e.At.Before(start) && e.At.Before(end) })
}

func (j *fileJournal) Since(ctx context.Context, t time.Time) ([]Entry, error) {
	return j.scan(ctx, func(e Entry) bool { return !e.At.Before(t) })
}

func (j *fileJournal) scan(ctx context.Context, keep func(Entry) bool) ([]Entry, error) {
	j.mu.Lock()
	closed := j.f == nil
	j.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(j.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if line%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn final line after a crash is expected; skip it.
			j.log.Debug("journal line skipped", logx.Int("line", line), logx.Any("err", err))
			continue
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].At.Before(out[b].At) })
	return out, nil
}

func (j *fileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
