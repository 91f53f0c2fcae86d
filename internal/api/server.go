package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jordanhubbard/hubcore/internal/depgraph"
	"github.com/jordanhubbard/hubcore/internal/dispatch"
	"github.com/jordanhubbard/hubcore/internal/metrics"
	"github.com/jordanhubbard/hubcore/internal/plan"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server
type Server struct {
	dispatcher *dispatch.Dispatcher
	plans      *plan.Store
	graph      *depgraph.Graph
	metrics    *metrics.Metrics
	checks     map[string]HealthCheck
}

// NewServer creates a new API server
func NewServer(d *dispatch.Dispatcher, plans *plan.Store, graph *depgraph.Graph) *Server {
	return &Server{
		dispatcher: d,
		plans:      plans,
		graph:      graph,
		metrics:    metrics.NewMetrics(),
		checks:     make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a named check reported by /api/v1/health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health check
	s.handle(mux, "/api/v1/health", s.handleHealth)

	// Policy and dispatch
	s.handle(mux, "/api/v1/policy/evaluate", s.handleEvaluate)
	s.handle(mux, "/api/v1/dispatch", s.handleDispatch)

	// Session registry
	s.handle(mux, "/api/v1/workspaces/", s.handleWorkspace)
	s.handle(mux, "/api/v1/sessions/", s.handleSession)

	// Plans, steps and dependencies
	s.handle(mux, "/api/v1/plans", s.handlePlans)
	s.handle(mux, "/api/v1/plans/", s.handlePlan)
	s.handle(mux, "/api/v1/steps/", s.handleStep)

	// Prometheus
	mux.Handle("/metrics", promhttp.Handler())

	return s.loggingMiddleware(mux)
}

// handle registers h under pattern and records request metrics labelled
// with the pattern rather than the raw path.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := http.StatusOK
	body := map[string]interface{}{"status": "ok"}
	if len(s.checks) > 0 {
		results := make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(r.Context()); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				continue
			}
			results[name] = "ok"
		}
		body["checks"] = results
	}
	s.respondJSON(w, status, body)
}

// loggingMiddleware logs failed requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			log.Printf("[API] %s %s -> %d", r.Method, r.URL.Path, rec.status)
		}
	})
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] Warning: failed to encode response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps err to a status code and writes it.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	s.respondError(w, statusFor(err), err.Error())
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// splitPath returns the path segments after prefix.
func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
