package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	metrics  http.Handler
}

// NewServer creates a server for mount. metrics may be nil to leave /metrics
// unrouted.
func NewServer(addr string, mount Mount, broadcaster *StatusBroadcaster, ui UIConfig, metrics http.Handler) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	return &Server{
		addr:     addr,
		handlers: NewHandlers(mount, broadcaster, ui, subFS),
		metrics:  metrics,
	}
}

// Handlers returns the server's handlers, which also observe the controller.
func (s *Server) Handlers() *Handlers { return s.handlers }

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	h := s.handlers

	mux.HandleFunc("GET /position", h.HandlePosition)
	mux.HandleFunc("GET /limits", h.HandleLimits)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)
	mux.HandleFunc("GET /status/ws", h.HandleStatusWS)
	mux.HandleFunc("GET /config", h.HandleConfig)

	mux.HandleFunc("POST /init", h.HandleInit)
	mux.HandleFunc("POST /goto", h.HandleGoto)
	mux.HandleFunc("DELETE /goto", h.HandleCancelGoto)
	mux.HandleFunc("POST /cardinal", h.HandleCardinal)
	mux.HandleFunc("DELETE /cardinal", h.HandleEndCardinal)
	mux.HandleFunc("POST /tracking", h.HandleTracking)
	mux.HandleFunc("POST /estop", h.HandleAllStop)
	mux.HandleFunc("POST /adjust", h.HandleAdjust)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	mux.HandleFunc("GET /{$}", h.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
