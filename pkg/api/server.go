package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3d91ll/shuttle/pkg/config"
	"github.com/r3d91ll/shuttle/pkg/history"
	"github.com/r3d91ll/shuttle/pkg/record"
)

// Server is the Shuttle daemon's HTTP/websocket front. It owns the
// session registry; the history store is shared with the producer and
// injected.
type Server struct {
	httpServer *http.Server
	router     *Router
	cfg        *config.Config
	store      *history.Store
	started    time.Time

	// mu protects server run state and the session registry.
	mu       sync.RWMutex
	running  bool
	sessions map[uuid.UUID]*Session
}

// NewServer creates a server over the given store. The store's append
// feed is subscribed immediately so live sessions see every record
// appended after construction.
func NewServer(cfg *config.Config, store *history.Store) *Server {
	s := &Server{
		router:   NewRouter(),
		cfg:      cfg,
		store:    store,
		sessions: make(map[uuid.UUID]*Session),
	}
	s.registerRoutes()
	store.Subscribe(s.onAppend)
	return s
}

// Address returns the listen address in host:port format.
func (s *Server) Address() string {
	return s.cfg.Server.Addr()
}

// Router returns the underlying router for registering extra handlers.
func (s *Server) Router() *Router {
	return s.router
}

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Handler returns the full middleware-wrapped handler chain. Exposed so
// tests can mount the server on an httptest listener.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	if len(s.cfg.Server.CORSOrigins) > 0 {
		handler = CORSMiddleware(s.cfg.Server.CORSOrigins)(handler)
		SetUpgraderCheckOrigin(makeOriginChecker(s.cfg.Server.CORSOrigins))
	}
	handler = LoggingMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start starts the HTTP server in a goroutine. It returns after the
// listener is up or an immediate binding failure is detected.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}

	s.httpServer = &http.Server{
		Addr:        s.Address(),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.running = true
	s.started = time.Now()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", s.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
			errCh <- err
		}
		close(errCh)
	}()

	// Catch immediate binding errors (e.g. port in use).
	select {
	case err := <-errCh:
		s.running = false
		return fmt.Errorf("server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown closes every session and gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	log.Printf("[api] shutting down")
	s.running = false
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// IsRunning returns true if the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// onAppend fans a freshly appended record out to live sessions. It is
// called on the producer's append path, so every per-session offer is
// non-blocking.
func (s *Server) onAppend(rec *record.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		sess.feedLive(rec)
	}
}

// handleWebSocket upgrades a connection and runs its session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	sess := newSession(conn, s.store, s.cfg, func(closed *Session) {
		s.mu.Lock()
		delete(s.sessions, closed.id)
		remaining := len(s.sessions)
		s.mu.Unlock()
		log.Printf("[ws] session %s removed (total: %d)", closed.id, remaining)
	})

	s.mu.Lock()
	s.sessions[sess.id] = sess
	total := len(s.sessions)
	s.mu.Unlock()
	log.Printf("[ws] session %s connected (total: %d)", sess.id, total)

	go sess.run()
}

// makeOriginChecker validates websocket origins against the configured
// CORS origins list.
func makeOriginChecker(allowedOrigins []string) func(*http.Request) bool {
	allowed := make(map[string]bool)
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return func(r *http.Request) bool {
				return true
			}
		}
		allowed[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Same-origin request.
			return true
		}
		return allowed[origin]
	}
}
