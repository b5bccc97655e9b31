// Package api serves the read-only HTTP surface: health, status and the
// partner roster.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"distreg/internal/domain"
	"distreg/internal/obs"
	"distreg/internal/status"

	"github.com/google/uuid"
)

type StatusSource interface {
	Status() status.Snapshot
}

type PartnerSource interface {
	Export() []domain.Partner
}

type PackageSource interface {
	List(ctx context.Context) ([]domain.Package, error)
}

type Server struct {
	status   StatusSource
	partners PartnerSource
	packages PackageSource
	log      *slog.Logger
	metrics  *obs.Metrics
	mux      *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func NewServer(st StatusSource, partners PartnerSource, packages PackageSource, log *slog.Logger, metrics *obs.Metrics) *Server {
	if log == nil {
		log = obs.Discard()
	}
	s := &Server{status: st, partners: partners, packages: packages, log: log, metrics: metrics, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.status.Status())
	})
	s.mux.HandleFunc("GET /v1/partners", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"partners": s.partners.Export()})
	})
	s.mux.HandleFunc("GET /v1/packages", s.handlePackages)
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	list, err := s.packages.List(r.Context())
	if err != nil {
		s.log.Error("list packages", "op", "http", "req_id", RequestID(r.Context()), "err", err)
		writeErr(w, http.StatusInternalServerError, "list packages failed")
		return
	}
	if list == nil {
		list = []domain.Package{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": list})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		req := r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID))
		next.ServeHTTP(rec, req)

		// The mux records the matched pattern on the request it was given.
		pattern := req.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.ObserveHTTP(pattern, rec.code)
		s.log.Debug("http request", "op", "http", "req_id", reqID, "method", r.Method, "path", r.URL.Path, "code", rec.code, obs.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
