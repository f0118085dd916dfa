// Package timestamp is a small standalone service that reports the server's
// local time. The ledger never depends on it.
package timestamp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Layout is the wire format of a timestamp.
const Layout = "2006-01-02 15:04:05"

var (
	ErrAlreadyRunning = errors.New("timestamp server already running")
	ErrNotRunning     = errors.New("timestamp server not running")
)

type Response struct {
	Timestamp string `json:"timestamp"`
}

// Server owns its own lifecycle; Start and Stop may be called repeatedly.
type Server struct {
	addr   string
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, now: time.Now, logger: logger}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/timestamp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(Response{Timestamp: s.now().Format(Layout)}); err != nil {
			s.logger.Error("Failed to encode timestamp", slog.String("error", err.Error()))
		}
	})
	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return ErrAlreadyRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.Info("Starting timestamp server", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Timestamp server failed", slog.String("error", err.Error()))
		}
	}()

	s.server = srv
	s.listener = ln
	s.done = done
	return nil
}

// Stop shuts the server down and waits for the serve loop to exit.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return ErrNotRunning
	}

	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("Timestamp server stopped")
	return nil
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// Addr returns the bound address while running, or the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
