// Package health reports whether a snapshot process is alive, ready and
// how well its current run is going.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
)

// Phase identifies where the process is in a snapshot run.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseFinished Phase = "finished"
	// PhaseFailed means the run aborted with a run-level fault.
	PhaseFailed Phase = "failed"
)

// Mode summarizes Status for humans and alerting.
type Mode string

const (
	ModeHealthy Mode = "healthy"
	// ModeDegraded means the run is usable but some repos failed or history
	// fell back to memory.
	ModeDegraded  Mode = "degraded"
	ModeUnhealthy Mode = "unhealthy"
)

// Input is the run state a Status is derived from.
type Input struct {
	Phase          Phase
	ProviderUsable bool
	HistoryHealthy bool
	Repos          int
	FailedRepos    int
}

// Components flags each dependency of a run.
type Components struct {
	Provider bool `json:"provider"`
	History  bool `json:"history"`
	Repos    bool `json:"repos"`
}

// Status is the /healthz body.
type Status struct {
	Phase       Phase      `json:"phase"`
	Mode        Mode       `json:"mode"`
	Ready       bool       `json:"ready"`
	Repos       int        `json:"repos"`
	FailedRepos int        `json:"failed_repos"`
	Components  Components `json:"components"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// Evaluate derives readiness and mode. A process is ready until the
// provider becomes unusable or the run fails.
func Evaluate(input Input) Status {
	status := Status{
		Phase:       input.Phase,
		Ready:       input.ProviderUsable && input.Phase != PhaseFailed,
		Repos:       input.Repos,
		FailedRepos: input.FailedRepos,
		Components: Components{
			Provider: input.ProviderUsable,
			History:  input.HistoryHealthy,
			Repos:    input.FailedRepos == 0,
		},
	}
	switch {
	case !status.Ready:
		status.Mode = ModeUnhealthy
	case !status.Components.History || !status.Components.Repos:
		status.Mode = ModeDegraded
	default:
		status.Mode = ModeHealthy
	}
	return status
}

// NewHandler answers /livez, /readyz and /healthz by the last path element,
// so it can be mounted under any prefix.
func NewHandler(provider Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch path.Base(r.URL.Path) {
		case "livez":
			writeText(w, http.StatusOK, "ok")
		case "readyz":
			if provider.CurrentStatus(r.Context()).Ready {
				writeText(w, http.StatusOK, "ready")
				return
			}
			writeText(w, http.StatusServiceUnavailable, "not ready")
		case "healthz":
			body, err := json.Marshal(provider.CurrentStatus(r.Context()))
			if err != nil {
				http.Error(w, `{"mode":"unhealthy"}`, http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			//nolint:gosec // Server-generated JSON.
			_, _ = w.Write(body)
		default:
			http.NotFound(w, r)
		}
	})
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
