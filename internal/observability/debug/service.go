package debug

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	logx "deferq/pkg/logx"

	rtsup "deferq/internal/runtime/supervisor"
)

// Config controls the optional debug HTTP server. A non-loopback Addr needs
// a Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const DefaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("debug server: non-loopback addr requires token or allow_insecure")

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Service runs at most one server at a time; Reconfigure swaps it.
type Service struct {
	log  logx.Logger
	deps Deps

	mu  sync.Mutex
	cfg Config
	cur *server
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("component", "debug"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur == nil {
		return ""
	}
	return cur.boundAddr()
}

// Start binds the listener synchronously, so a bad address or an insecure
// bind is returned here. Serving continues until Stop, restarting on
// unexpected listener failures.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return nil
	}
	srv, err := s.launch(ctx, s.cfg)
	if err != nil {
		s.log.Error("debug server not started", logx.String("addr", s.cfg.addr()), logx.Err(err))
		return err
	}
	s.cur = srv
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()
	if cur == nil {
		return
	}
	cur.shutdown(ctx)
	s.log.Info("debug server stopped")
}

// Reconfigure applies cfg, restarting the server only when it changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	same := s.cfg == cfg
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case running && same:
		return nil
	case running:
		s.Stop(ctx)
	}
	return s.Start(ctx)
}

type server struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger
	sup     *rtsup.Supervisor
	closing atomic.Bool

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func (s *Service) launch(ctx context.Context, cfg Config) (*server, error) {
	addr := cfg.addr()
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return nil, ErrInsecureBind
		}
		s.log.Warn("debug server running without token on non-loopback addr", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "debug listen %s", addr)
	}

	srv := &server{cfg: cfg, handler: NewRouter(cfg, s.deps), log: s.log, ln: ln}
	// Never cancels the caller: the debug server is optional.
	srv.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	srv.sup.GoRestart("http.serve", srv.serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	return srv, nil
}

func (s *server) boundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *server) serve(ctx context.Context) error {
	s.mu.Lock()
	if s.ln == nil {
		ln, err := net.Listen("tcp", s.cfg.addr())
		if err != nil {
			s.mu.Unlock()
			return errors.Wrap(err, "debug relisten")
		}
		s.ln = ln
	}
	ln := s.ln
	hs := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.srv = hs
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = hs.Close() })
	defer stop()

	err := hs.Serve(ln)

	s.mu.Lock()
	s.ln, s.srv = nil, nil
	s.mu.Unlock()

	if s.closing.Load() || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("debug server exited unexpectedly")
	}
	return err
}

func (s *server) shutdown(ctx context.Context) {
	s.closing.Store(true)
	s.mu.Lock()
	hs := s.srv
	s.mu.Unlock()
	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			_ = hs.Close()
		}
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
}

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
