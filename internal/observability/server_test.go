package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "bosstracker/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:9464":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.ObserveLine()
	s := NewServer(ServerConfig{}, m.Registry(), func() any { return map[string]int{"pending": 2} }, logx.Nop())
	h := s.handler(ServerConfig{Token: "sekret", Pprof: true})

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"healthz open", "/healthz", "", http.StatusOK},
		{"metrics no token", "/metrics", "", http.StatusUnauthorized},
		{"metrics bearer", "/metrics", "Bearer sekret", http.StatusOK},
		{"metrics query", "/metrics?token=sekret", "", http.StatusOK},
		{"metrics wrong query", "/metrics?token=nope", "Bearer sekret", http.StatusUnauthorized},
		{"status bearer", "/status", "Bearer sekret", http.StatusOK},
		{"pprof index", "/debug/pprof/", "Bearer sekret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("%s -> %d, want %d", tc.path, rec.Code, tc.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	h.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "bosstracker_lines_read_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestPprofDisabled(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{}, nil, nil, logx.Nop())
	h := s.handler(ServerConfig{})
	for _, path := range []string{"/debug/pprof/", "/status"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s -> %d", path, rec.Code)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewServer(ServerConfig{}, NewMetrics().Registry(), nil, logx.Nop())
	s.Reconfigure(ctx, ServerConfig{Enabled: true, Addr: "127.0.0.1:0"})

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("server never bound")
		}
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	s.Reconfigure(ctx, ServerConfig{Enabled: false})
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server still running after disable")
	}
}

func TestHandleRoutesRequireToken(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{}, nil, nil, logx.Nop())
	s.Handle("/targets", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "[]")
	}))
	h := s.handler(ServerConfig{Token: "sekret"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token -> %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets?token=sekret", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "[]" {
		t.Fatalf("with token -> %d %q", rec.Code, rec.Body.String())
	}
}
