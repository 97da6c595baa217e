// Package pprof serves the optional debug HTTP endpoint: a liveness
// snapshot of the scheduler plus Go's profiling handlers.
package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "shopkeeper/internal/runtime/supervisor"
	"shopkeeper/pkg/logx"
)

// Config controls the debug HTTP server. The default bind is loopback
// only; anything wider needs a Token, or AllowInsecure for a closed
// network.
type Config struct {
	Enabled       bool
	Addr          string // default 127.0.0.1:6060
	Token         string
	AllowInsecure bool
}

// StatusFunc supplies the scheduler state reported by /healthz.
type StatusFunc func() any

type Service struct {
	cfg    Config
	log    logx.Logger
	status StatusFunc

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Service {
	return &Service{cfg: cfg, log: log, status: status}
}

// Start brings the server up under a restart loop. Disabled config is a
// no-op. A non-loopback bind without a token is refused up front so a
// config mistake cannot expose profiles.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	addr := s.bindAddr()
	if tok := strings.TrimSpace(s.cfg.Token); tok == "" && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			return errors.New("debug server: non-loopback addr requires token or allow_insecure")
		}
		s.log.Warn("debug server without token on non-loopback addr", logx.String("addr", addr))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce)
	return nil
}

// Addr returns the bound listen address, or "" while the server is down.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bindAddr())
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, func() {
		// Bounded; Stop(ctx) does the real graceful shutdown.
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stopWatch()

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", strings.TrimSpace(s.cfg.Token) != ""))

	switch err := srv.Serve(ln); {
	case ctx.Err() != nil:
		return context.Canceled
	case err == nil, errors.Is(err, http.ErrServerClosed):
		return errors.New("debug server exited unexpectedly")
	default:
		return err
	}
}

func (s *Service) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.auth(s.handleHealthz))
	mux.HandleFunc("/debug/pprof/", s.auth(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", s.auth(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", s.auth(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", s.auth(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", s.auth(hpprof.Trace))
	return mux
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.status != nil {
		payload["scheduler"] = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func (s *Service) auth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(r, tok) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// tokenMatches accepts ?token=<t> or Authorization: Bearer <t>. A query
// token, even a wrong one, wins over the header.
func tokenMatches(r *http.Request, tok string) bool {
	if q := r.URL.Query().Get("token"); q != "" {
		return q == tok
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(bearer) == tok
	}
	return false
}

func (s *Service) bindAddr() string {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	return addr
}

// isLoopbackAddr reports whether addr binds a loopback interface. An
// empty or unparseable host counts as non-loopback, which keeps the
// token requirement on the safe side.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
