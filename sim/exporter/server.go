package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 5 * time.Second

// Server serves /metrics, /status and /health.
type Server struct {
	addr    string
	router  *mux.Router
	metrics *Metrics
	started time.Time
}

// NewServer creates a Server for m listening on addr.
func NewServer(addr string, m *Metrics) *Server {
	s := &Server{addr: addr, router: mux.NewRouter(), metrics: m, started: time.Now()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.HandleFunc("/status", s.statusHandler).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime_s":  int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	st := s.metrics.LastStatus()
	if st == nil {
		s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	s.writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("exporter: writing %s response: %v", r.URL.Path, err)
	}
	s.metrics.httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(code)).Inc()
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logrus.Infof("Exporter is ready to handle requests at %s", ln.Addr())

	select {
	case err := <-errc:
		return fmt.Errorf("exporter stopped: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("exporter shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logrus.Info("Exporter stopped")
	return nil
}
