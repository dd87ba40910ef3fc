package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carverd/conveyor/dlq"
	"github.com/carverd/conveyor/worker"
)

// shutdownGrace bounds how long Run waits for in-flight requests after
// its context is cancelled.
const shutdownGrace = 5 * time.Second

// WorkerStatus is the view of the worker the probes read. Satisfied by
// *worker.Worker for any job type.
type WorkerStatus interface {
	CurrentState() worker.State
	LastTickAge() time.Duration
	BrokerOK() bool
}

// Server is the operational HTTP endpoint for one worker process.
type Server struct {
	status     WorkerStatus
	dlqs       map[string]*dlq.Service
	metrics    http.Handler
	logger     *slog.Logger
	liveWithin time.Duration
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler mounts the exposition handler at /metrics on the
// same mux. Leave unset when metrics serve on a separate listener.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLivenessWindow sets how stale the worker's fetch tick may be
// before /live fails. Defaults to 30s.
func WithLivenessWindow(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.liveWithin = d
		}
	}
}

// New creates a Server for one worker and its dead letter services,
// keyed by queue name.
func New(status WorkerStatus, dlqs map[string]*dlq.Service, opts ...Option) *Server {
	s := &Server{
		status:     status,
		dlqs:       dlqs,
		logger:     slog.Default(),
		liveWithin: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	r := chi.NewRouter()
	r.Get("/live", s.handleLive)
	r.Get("/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Route("/admin/dlq", func(r chi.Router) {
		r.Get("/", s.handleDLQList)
		r.Delete("/", s.handleDLQPurge)
		r.Get("/{id}", s.handleDLQPeek)
		r.Post("/{id}/replay", s.handleDLQReplay)
	})
	s.router = r
	return s
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("health server listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	age := s.status.LastTickAge()
	state := s.status.CurrentState()

	body := map[string]any{
		"status":           "ok",
		"last_tick_age_ms": age.Milliseconds(),
	}
	code := http.StatusOK
	if state == worker.Stopped || (age > s.liveWithin && state == worker.Running) {
		body["status"] = "wedged"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.status.CurrentState()
	brokerOK := s.status.BrokerOK()

	body := map[string]any{
		"status":    "ready",
		"broker_ok": brokerOK,
		"state":     state.String(),
	}
	code := http.StatusOK
	if state != worker.Running || !brokerOK {
		body["status"] = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

// service resolves the DLQ service for the request's queue parameter.
// With exactly one registered queue the parameter is optional.
func (s *Server) service(r *http.Request) (*dlq.Service, bool) {
	queue := r.URL.Query().Get("queue")
	if queue == "" && len(s.dlqs) == 1 {
		for _, svc := range s.dlqs {
			return svc, true
		}
	}
	svc, ok := s.dlqs[queue]
	return svc, ok
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
