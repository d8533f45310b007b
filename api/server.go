// Package api provides the HTTP control surface for a running snapbuf
// service: status, pause/resume, and triggered snapshot writes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"snapbuf/config"
	"snapbuf/logging"
	"snapbuf/snapshot"
)

// Server is the control API server.
type Server struct {
	manager *snapshot.Manager
	config  *config.APIConfig
	server  *http.Server
	running bool
	mu      sync.RWMutex
}

// NewServer creates a new control API server.
func NewServer(manager *snapshot.Manager, cfg *config.APIConfig) *Server {
	return &Server{
		manager: manager,
		config:  cfg,
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: NewRouter(s.manager, s.config),
	}

	// Capture the server locally; Stop nils s.server under the lock.
	srv := s.server
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logAPI("server stopped: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	logAPI("listening on %s", addr)
	s.running = true
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the server base URL.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

func logAPI(format string, args ...interface{}) {
	logging.DebugLog("api", format, args...)
}
