package web

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"time"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, deps Deps) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}
	return &Server{
		addr:     addr,
		handlers: NewHandlers(deps, subFS),
	}
}

// Handlers returns the server handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/cameras", h.HandleCameras)
	mux.HandleFunc("POST /api/cameras/{side}/start", h.HandleStart)
	mux.HandleFunc("POST /api/cameras/{side}/stop", h.HandleStop)
	mux.HandleFunc("POST /api/cameras/{side}/capture", h.HandleCapture)
	mux.HandleFunc("GET /api/cameras/{side}/last", h.HandleLast)
	mux.HandleFunc("PUT /api/cameras/{side}/resolution", h.HandleResolution)
	mux.HandleFunc("PUT /api/sync", h.HandleSync)
	mux.HandleFunc("GET /api/socket", h.HandleSocket)
	mux.HandleFunc("POST /api/socket/send", h.HandleSocketSend)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	mux.HandleFunc("GET /{$}", h.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		// SSE streams end with ctx instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
