package app

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cam3ron2/classroom-snapshot/internal/snapshot"
	"github.com/cam3ron2/classroom-snapshot/internal/telemetry"
)

const tracerName = "classroom-snapshot/internal/app"

// StatusReader exposes the live state of the current run.
type StatusReader interface {
	Snapshot() []snapshot.RepoView
	LastSummary() (snapshot.Summary, bool)
}

// StatusPayload is the /status response body.
type StatusPayload struct {
	Done    int                 `json:"done"`
	Total   int                 `json:"total"`
	Repos   []snapshot.RepoView `json:"repos"`
	Summary *snapshot.Summary   `json:"summary,omitempty"`
}

// NewHTTPHandler serves the live run status next to metrics and health.
// A nil handler answers 404.
func NewHTTPHandler(status StatusReader, metricsHandler http.Handler, healthHandler http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer, traceRequests)

	router.Method(http.MethodGet, "/status", orNotFound(newStatusHandler(status)))
	router.Method(http.MethodGet, "/metrics", orNotFound(metricsHandler))
	for _, path := range []string{"/livez", "/readyz", "/healthz"} {
		router.Method(http.MethodGet, path, orNotFound(healthHandler))
	}
	return router
}

func newStatusHandler(status StatusReader) http.Handler {
	if status == nil {
		return nil
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		views := status.Snapshot()
		payload := StatusPayload{Total: len(views), Repos: views}
		for _, view := range views {
			if view.Terminal {
				payload.Done++
			}
		}
		if summary, ok := status.LastSummary(); ok {
			payload.Summary = &summary
		}

		body, err := json.Marshal(payload)
		if err != nil {
			http.Error(w, `{"error":"marshal status"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		//nolint:gosec // Status payload is server-generated JSON.
		_, _ = w.Write(body)
	})
}

func orNotFound(handler http.Handler) http.Handler {
	if handler == nil {
		return http.NotFoundHandler()
	}
	return handler
}

// traceRequests wraps every request in a span named after its route.
func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if telemetry.CurrentMode() == telemetry.ModeOff {
			next.ServeHTTP(w, r)
			return
		}

		ctx, end := telemetry.StartSpan(r.Context(), tracerName, "http.server"+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		telemetry.AddEvent(ctx, "response", attribute.Int("http.status_code", status))
		var err error
		if status >= http.StatusInternalServerError {
			err = fmt.Errorf("%s returned %d", r.URL.Path, status)
		}
		end(err)
	})
}
