package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	logx "bosstracker/pkg/logx"
)

const backupPrefix = "bosses_backup_"

// CorruptError reports a user file that could not be decoded. The registry
// keeps running on defaults; the damaged file is preserved at Preserved.
type CorruptError struct {
	Path      string
	Preserved string
	Err       error
}

func (e *CorruptError) Error() string {
	if e.Preserved != "" {
		return fmt.Sprintf("registry %s is corrupt (kept as %s): %v", e.Path, e.Preserved, e.Err)
	}
	return fmt.Sprintf("registry %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// document is the on-disk shape: {"bosses": [...]} plus any other top-level keys.
type document struct {
	Targets []Target
	extra   map[string]json.RawMessage
}

func decodeDocument(b []byte) (document, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return document{}, errors.New("empty file")
	}
	// Hand-edited files sometimes hold the bare array.
	if b[0] == '[' {
		var ts []Target
		if err := json.Unmarshal(b, &ts); err != nil {
			return document{}, err
		}
		return document{Targets: ts}, nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return document{}, err
	}
	var doc document
	if raw, ok := top["bosses"]; ok {
		if err := json.Unmarshal(raw, &doc.Targets); err != nil {
			return document{}, fmt.Errorf("bosses: %w", err)
		}
		delete(top, "bosses")
	}
	if len(top) > 0 {
		doc.extra = top
	}
	return doc, nil
}

func encodeDocument(doc document) ([]byte, error) {
	top := make(map[string]any, len(doc.extra)+1)
	for k, v := range doc.extra {
		top[k] = v
	}
	targets := doc.Targets
	if targets == nil {
		targets = []Target{}
	}
	top["bosses"] = targets
	b, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// writeAtomic replaces path with data via a synced temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// backup copies the current file into dir and prunes all but the newest keep copies.
func backup(path, dir string, keep int, now time.Time, log logx.Logger) {
	if keep <= 0 {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("registry backup dir", logx.String("dir", dir), logx.Any("err", err))
		return
	}
	name := backupPrefix + now.Format("20060102_150405.000") + ".json"
	if err := copyFile(path, filepath.Join(dir, name)); err != nil {
		log.Warn("registry backup failed", logx.String("dir", dir), logx.Any("err", err))
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return
	}
	// Stamps sort lexically.
	sort.Strings(names)
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			log.Debug("registry backup prune", logx.String("file", n), logx.Any("err", err))
		}
	}
}
