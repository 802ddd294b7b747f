// Package server exposes the orchestrator over HTTP.
//
// Endpoints:
//   - POST /query                      - answer one query
//   - GET  /ws                         - websocket; stream step events per query
//   - GET  /workers                    - worker directory, with health when monitored
//   - GET  /conversations/{id}/turns   - recent history of a conversation
//   - GET  /health                     - liveness
//   - GET  /metrics                    - Prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/opentalon/conductor/internal/health"
	"github.com/opentalon/conductor/internal/history"
	"github.com/opentalon/conductor/internal/metrics"
	"github.com/opentalon/conductor/internal/orchestrator"
	"github.com/opentalon/conductor/internal/plan"
	"github.com/opentalon/conductor/internal/version"
	"github.com/opentalon/conductor/internal/worker"
)

const (
	maxRequestBytes = 8 << 20
	drainTimeout    = 5 * time.Second
)

// Error types in JSON error bodies.
const (
	ErrInvalidRequest = "invalid_request"
	ErrPlanValidation = "plan_validation"
	ErrInternal       = "internal"
)

type Server struct {
	orch    *orchestrator.Orchestrator
	monitor *health.Monitor
	metrics *metrics.Metrics
	history history.Store
	mux     *http.ServeMux
}

type Option func(*Server)

func WithMonitor(m *health.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithHistory(h history.Store) Option {
	return func(s *Server) { s.history = h }
}

func New(orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{orch: orch, mux: http.NewServeMux()}
	for _, o := range opts {
		o(s)
	}
	s.mux.HandleFunc("POST /query", s.handleQuery)
	s.mux.HandleFunc("GET /ws", s.handleWebsocket)
	s.mux.HandleFunc("GET /workers", s.handleWorkers)
	s.mux.HandleFunc("GET /conversations/{id}/turns", s.handleTurns)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis, readTimeout, writeTimeout)
}

// Serve serves on lis until ctx ends, then lets in-flight HTTP requests
// finish for up to drainTimeout. Request contexts are detached from ctx and
// only cancelled once draining is over, so a plan that is already running is
// not cut short by the shutdown signal itself. Websocket sessions are not
// drained; they are cancelled when draining ends.
func (s *Server) Serve(ctx context.Context, lis net.Listener, readTimeout, writeTimeout time.Duration) error {
	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		BaseContext:  func(net.Listener) context.Context { return base },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	log.Printf("server: listening on %s", lis.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	cancelBase()
	if shutdownErr != nil {
		return fmt.Errorf("server: shutdown: %w", shutdownErr)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorBody struct {
	Error struct {
		Type     string   `json:"type"`
		Message  string   `json:"message"`
		Problems []string `json:"problems,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, typ, msg string, problems ...string) {
	var body errorBody
	body.Error.Type = typ
	body.Error.Message = msg
	body.Error.Problems = problems
	writeJSON(w, status, body)
}

// classify maps an orchestrator error to an HTTP status and error type.
func classify(err error) (int, string, []string) {
	var ve *plan.ValidationError
	switch {
	case errors.Is(err, orchestrator.ErrEmptyQuery):
		return http.StatusBadRequest, ErrInvalidRequest, nil
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrPlanValidation, ve.Problems
	}
	return http.StatusInternalServerError, ErrInternal, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q orchestrator.Query
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}
	reply, err := s.orch.Handle(r.Context(), q)
	if err != nil {
		status, typ, problems := classify(err)
		if status >= 500 {
			log.Printf("server: query failed: %v", err)
		}
		writeError(w, status, typ, err.Error(), problems...)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type workerView struct {
	worker.Metadata
	Health *health.WorkerHealth `json:"health,omitempty"`
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	dir := s.orch.Workers()
	var snapshot map[string]health.WorkerHealth
	if s.monitor != nil {
		snapshot = make(map[string]health.WorkerHealth)
		for _, h := range s.monitor.Snapshot() {
			snapshot[h.Name] = h
		}
	}
	out := make([]workerView, 0, dir.Len())
	for _, m := range dir.List() {
		v := workerView{Metadata: m}
		if h, ok := snapshot[m.Name]; ok {
			v.Health = &h
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, ErrInvalidRequest, "history is not enabled")
		return
	}
	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, ErrInvalidRequest, "n must be a non-negative integer")
			return
		}
		n = v
	}
	turns, err := s.history.Recent(r.Context(), r.PathValue("id"), n)
	if err != nil {
		log.Printf("server: history: %v", err)
		writeError(w, http.StatusInternalServerError, ErrInternal, "history unavailable")
		return
	}
	if turns == nil {
		turns = []history.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

type healthBody struct {
	Status  string                `json:"status"`
	Message string                `json:"message"`
	Version string                `json:"version"`
	Workers []health.WorkerHealth `json:"workers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthBody{
		Status:  "ok",
		Message: "Conductor is running",
		Version: version.Get().Version,
	}
	if s.monitor != nil {
		body.Workers = s.monitor.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}
