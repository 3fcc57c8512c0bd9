// Package httpapi serves the installer status for monitoring tools.
//
//	GET /metrics          Prometheus metrics
//	GET /v1/progress      job queue snapshot
//	GET /v1/requirements  requirements checker state and entries
//	GET /healthz          liveness
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/calamares-go/installer/internal/jobqueue"
	"github.com/calamares-go/installer/internal/requirements"
)

// ProgressSource is implemented by *jobqueue.Queue.
type ProgressSource interface {
	Snapshot() jobqueue.Snapshot
}

// RequirementsSource is implemented by *requirements.Checker.
type RequirementsSource interface {
	Snapshot() (requirements.State, requirements.List)
	Outstanding() []string
}

// Sources are the objects the API reports on. Any of them may be nil,
// the matching endpoint then answers 404.
type Sources struct {
	Metrics      http.Handler
	Progress     func() ProgressSource
	Requirements func() RequirementsSource
}

type requirementsResponse struct {
	State       string            `json:"state"`
	Satisfied   bool              `json:"satisfied"`
	Outstanding []string          `json:"outstanding"`
	Entries     requirements.List `json:"entries"`
}

// NewRouter builds the chi router. Progress and Requirements are called
// for every request, so the sources may be swapped while serving.
func NewRouter(src Sources) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if src.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", src.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/progress", func(w http.ResponseWriter, _ *http.Request) {
			p := lookup(src.Progress)
			if p == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no job queue"})
				return
			}
			writeJSON(w, http.StatusOK, p.Snapshot())
		})
		r.Get("/requirements", func(w http.ResponseWriter, _ *http.Request) {
			c := lookup(src.Requirements)
			if c == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no requirements checker"})
				return
			}
			state, entries := c.Snapshot()
			if entries == nil {
				entries = requirements.List{}
			}
			outstanding := c.Outstanding()
			if outstanding == nil {
				outstanding = []string{}
			}
			writeJSON(w, http.StatusOK, requirementsResponse{
				State:       state.String(),
				Satisfied:   state == requirements.Finished && entries.Satisfied(),
				Outstanding: outstanding,
				Entries:     entries,
			})
		})
	})
	return r
}

func lookup[T any](f func() T) T {
	var zero T
	if f == nil {
		return zero
	}
	return f()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
