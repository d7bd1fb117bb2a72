package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/plateful/opsrelay/go/internal/outbox"
	"github.com/plateful/opsrelay/go/internal/ratelimit"
)

// DLQLister is the read contract the server needs from the store.
type DLQLister interface {
	ListDLQ(ctx context.Context, filter outbox.DLQFilter) ([]outbox.DLQEntry, error)
}

// Server is the operator-facing read surface: DLQ triage, health and
// metrics. Never exposed to tenants.
type Server struct {
	store    DLQLister
	health   outbox.HealthChecker
	exporter *outbox.PrometheusExporter
	limiter  *ratelimit.Limiter
}

func NewServer(store DLQLister, health outbox.HealthChecker, limiter *ratelimit.Limiter, metrics outbox.MetricsSnapshotter) *Server {
	return &Server{
		store:    store,
		health:   health,
		exporter: outbox.NewPrometheusExporter(health, metrics),
		limiter:  limiter,
	}
}

// Handler wires routes with CORS and per-client rate limiting.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /dlq", s.handleListDLQ)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(s.rateLimited(mux))
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ok, err := s.limiter.Allow(r.Context(), "ops:"+host)
			if err != nil {
				log.Error().Err(err).Msg("rate limit check failed")
				// Fail open: the limiter is protection, not a gate.
			} else if !ok {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	filter := outbox.DLQFilter{
		EventType: r.URL.Query().Get("event_type"),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid from timestamp: %v", err), http.StatusBadRequest)
			return
		}
		filter.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid to timestamp: %v", err), http.StatusBadRequest)
			return
		}
		filter.To = t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	entries, err := s.store.ListDLQ(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list DLQ entries")
		http.Error(w, "failed to list DLQ entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []outbox.DLQEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h, ok := s.health.(http.Handler); ok {
		h.ServeHTTP(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	status := s.health.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, s.exporter.Export(ctx))
}
