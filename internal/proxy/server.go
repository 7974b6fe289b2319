package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"codex-relay/internal/account"
	"codex-relay/internal/config"
	"codex-relay/internal/events"
	"codex-relay/internal/pool"
	"codex-relay/internal/store"
	"codex-relay/internal/usage"
)

// ErrAlreadyRunning is returned by Start when the proxy is up.
var ErrAlreadyRunning = errors.New("proxy already running")

// Server is the reverse proxy plus its local admin surface. It is a
// process-wide singleton: Start while running errors, Stop while stopped
// is a no-op.
type Server struct {
	cfg      *config.Config
	proxyCfg *config.ProxyConfigStore
	accounts *account.FileStore
	pool     *pool.Pool
	sink     *store.SQLiteSink
	usage    *usage.Reader
	logs     *events.LogHandler
	client   *http.Client
	limiter  *rate.Limiter

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	port       int
}

// Options bundles the collaborators the server needs.
type Options struct {
	Config   *config.Config
	ProxyCfg *config.ProxyConfigStore
	Accounts *account.FileStore
	Pool     *pool.Pool
	Sink     *store.SQLiteSink
	Usage    *usage.Reader
	Logs     *events.LogHandler
	Client   *http.Client
}

func NewServer(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		proxyCfg: opts.ProxyCfg,
		accounts: opts.Accounts,
		pool:     opts.Pool,
		sink:     opts.Sink,
		usage:    opts.Usage,
		logs:     opts.Logs,
		client:   opts.Client,
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	if opts.Config.InboundRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.Config.InboundRPS), opts.Config.InboundRPS)
	}
	return s
}

// Handler builds the root handler: the reserved /_relay/ admin prefix,
// everything else forwarded upstream.
func (s *Server) Handler() http.Handler {
	admin := s.adminMux()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/_relay/") {
			s.serveAdmin(admin, w, r)
			return
		}
		s.handleProxy(w, r)
	})
}

// Start binds the listener and begins serving. port 0 means the
// configured default.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return ErrAlreadyRunning
	}
	if port <= 0 {
		port = s.cfg.Port
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, port))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", s.cfg.Host, port, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		// No WriteTimeout: responses stream for up to the request deadline.
	}
	s.httpServer = srv
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	go func() {
		slog.Info("proxy listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("proxy server exited", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests up to the configured deadline, then
// aborts the stragglers. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.port = 0
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("drain deadline exceeded, aborting connections")
		return srv.Close()
	}
	return nil
}

// Reload forwards to the pool; in-flight requests are untouched.
func (s *Server) Reload() error {
	return s.pool.Reload()
}

// Status reports the lifecycle and pool counters.
type Status struct {
	Running bool `json:"running"`
	Port    int  `json:"port,omitempty"`
	pool.Status
}

func (s *Server) Status() Status {
	s.mu.Lock()
	running := s.httpServer != nil
	port := s.port
	s.mu.Unlock()

	return Status{
		Running: running,
		Port:    port,
		Status:  s.pool.Status(),
	}
}

// Port returns the bound port, 0 when stopped.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
