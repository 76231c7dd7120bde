package observability

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "bosstracker/internal/runtime/supervisor"
	logx "bosstracker/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9464"

// ServerConfig controls the optional debug HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type ServerConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StatusFunc returns a JSON-encodable snapshot served at /status.
type StatusFunc func() any

type Server struct {
	log      logx.Logger
	gatherer prometheus.Gatherer
	status   StatusFunc

	mu     sync.Mutex
	cfg    ServerConfig
	routes map[string]http.Handler
	cur    *serving
}

// serving is one listen cycle between Start and Stop.
type serving struct {
	cfg  ServerConfig
	sup  *rtsup.Supervisor
	addr string
}

func NewServer(cfg ServerConfig, gatherer prometheus.Gatherer, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	return &Server{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "debug")),
		gatherer: gatherer,
		status:   status,
		routes:   map[string]http.Handler{},
	}
}

// Handle adds an authenticated route. It is picked up on the next Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	s.routes[pattern] = h
	s.mu.Unlock()
}

func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Addr is the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.addr
}

// Reconfigure stores cfg and starts, stops or restarts the server to match.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	cur := s.cur
	s.mu.Unlock()

	if cur != nil && (!cfg.Enabled || cur.cfg != cfg) {
		s.Stop(ctx)
		cur = nil
	}
	if cur == nil && cfg.Enabled {
		s.Start(ctx)
	}
}

// Start serves the stored config under a supervisor derived from ctx. A
// failing listener is retried with backoff and never cancels ctx.
func (s *Server) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	run := &serving{
		cfg: s.cfg,
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.cur = run
	s.mu.Unlock()

	run.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, run) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the listener down and waits for it until ctx is done.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	run := s.cur
	s.cur = nil
	s.mu.Unlock()
	if run == nil {
		return
	}
	if err := run.sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("debug server did not stop in time", logx.Err(err))
		return
	}
	s.log.Info("debug server stopped")
}

func (s *Server) serve(ctx context.Context, run *serving) error {
	cfg := run.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return fmt.Errorf("refusing to serve on non-loopback %s without a token", addr)
		}
		s.log.Warn("serving without a token on a non-loopback address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.mu.Lock()
	run.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		run.addr = ""
		s.mu.Unlock()
	}()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if srv.Shutdown(sctx) != nil {
			_ = srv.Close()
		}
	}()

	s.log.Info("debug server listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token", cfg.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server closed unexpectedly")
	}
	return err
}

func (s *Server) handler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()
	guard := func(pattern string, h http.Handler) { mux.Handle(pattern, withAuth(cfg.Token, h)) }

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	guard("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.status != nil {
		guard("/status", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			_ = enc.Encode(s.status())
		}))
	}

	s.mu.Lock()
	for pattern, h := range s.routes {
		guard(pattern, h)
	}
	s.mu.Unlock()

	if cfg.Pprof {
		guard("/debug/pprof/", http.HandlerFunc(hpprof.Index))
		guard("/debug/pprof/cmdline", http.HandlerFunc(hpprof.Cmdline))
		guard("/debug/pprof/profile", http.HandlerFunc(hpprof.Profile))
		guard("/debug/pprof/symbol", http.HandlerFunc(hpprof.Symbol))
		guard("/debug/pprof/trace", http.HandlerFunc(hpprof.Trace))
	}
	return mux
}

// withAuth requires token as ?token= or an Authorization bearer. A query
// token, when present, is the only credential considered.
func withAuth(token string, h http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := r.URL.Query()["token"]
		var presented string
		if ok && len(got) > 0 && got[0] != "" {
			presented = got[0]
		} else if bearer, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
			presented = strings.TrimSpace(bearer)
		}
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	switch {
	case err != nil, host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
