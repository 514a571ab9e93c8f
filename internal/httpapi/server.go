package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "crosspost/internal/runtime/supervisor"
	logx "crosspost/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Config controls the HTTP listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Secret, or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Secret        string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrInsecureBind = errors.New("httpapi: non-loopback addr requires a secret or allow_insecure")

type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func NewServer(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "httpapi"))}
}

// Supervisor returns the serve loop's supervisor, nil when stopped.
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listener address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the listener as needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Secret != b.Secret ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// CheckBind reports whether cfg may serve on its address.
func CheckBind(cfg Config) error {
	if cfg.AllowInsecure || strings.TrimSpace(cfg.Secret) != "" {
		return nil
	}
	if !isLoopbackAddr(addrOf(cfg)) {
		return ErrInsecureBind
	}
	return nil
}

func addrOf(cfg Config) string {
	if a := strings.TrimSpace(cfg.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Start is idempotent.
func (s *Server) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	deps := s.deps
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := addrOf(cur)
	if err := CheckBind(cur); err != nil {
		s.log.Error("http refused to start", logx.String("addr", addr), logx.Err(err))
		return err
	}
	if cur.AllowInsecure && strings.TrimSpace(cur.Secret) == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http running without secret on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      NewRouter(deps, Options{Secret: cur.Secret, Pprof: cur.Pprof}, s.log),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("secret_set", cur.Secret != ""), logx.Bool("pprof", cur.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
