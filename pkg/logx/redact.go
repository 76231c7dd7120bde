package logx

import (
	"bytes"
	"sort"
	"strings"
	"sync"
)

// Mask shortens a credential to a recognisable but useless form.
//
// URLs keep scheme and host and lose everything after the last path segment that
// looks like an identifier: "https://discord.com/api/webhooks/123/abc" becomes
// "https://discord.com/api/webhooks/123/***".
func Mask(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		if i := strings.LastIndex(s, "/"); i > 0 && i < len(s)-1 {
			return s[:i+1] + "***"
		}
		return "***"
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***"
}

type secretSet struct {
	mu   sync.RWMutex
	vals []string
}

func (s *secretSet) add(vals ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if len(v) < 6 {
			continue
		}
		dup := false
		for _, have := range s.vals {
			if have == v {
				dup = true
				break
			}
		}
		if !dup {
			s.vals = append(s.vals, v)
		}
	}
	// Longest first so a URL containing a token is masked as a whole.
	sort.Slice(s.vals, func(i, j int) bool { return len(s.vals[i]) > len(s.vals[j]) })
}

func (s *secretSet) scrub(p []byte) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.vals) == 0 {
		return p
	}
	out := p
	for _, v := range s.vals {
		if bytes.Contains(out, []byte(v)) {
			out = bytes.ReplaceAll(out, []byte(v), []byte(Mask(v)))
		}
	}
	return out
}

// redactWriter scrubs registered secrets before handing bytes to the next sink.
type redactWriter struct {
	next    interface{ Write([]byte) (int, error) }
	secrets *secretSet
}

func (w *redactWriter) Write(p []byte) (int, error) {
	if w.secrets == nil {
		return w.next.Write(p)
	}
	if _, err := w.next.Write(w.secrets.scrub(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
