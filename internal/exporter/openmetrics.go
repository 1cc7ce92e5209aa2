// Package exporter publishes snapshot progress and run outcomes as
// Prometheus metrics.
package exporter

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cam3ron2/classroom-snapshot/internal/snapshot"
)

// RepoReader reads the live per-repo views of a run.
type RepoReader interface {
	Snapshot() []snapshot.RepoView
}

var (
	repoStatusDesc = prometheus.NewDesc(
		"classroom_snapshot_repo_status",
		"Current status of each student repository (1 for the active status).",
		[]string{"repo", "username", "status"}, nil,
	)
	reposByStatusDesc = prometheus.NewDesc(
		"classroom_snapshot_repos",
		"Number of repositories per status in the current run.",
		[]string{"status"}, nil,
	)
	summaryDesc = prometheus.NewDesc(
		"classroom_snapshot_last_run_repos",
		"Outcome counters of the last finished run.",
		[]string{"outcome"}, nil,
	)
	lastRunDurationDesc = prometheus.NewDesc(
		"classroom_snapshot_last_run_duration_seconds",
		"Wall time of the last finished run.",
		nil, nil,
	)
	lastRunTimestampDesc = prometheus.NewDesc(
		"classroom_snapshot_last_run_timestamp_seconds",
		"Unix time the last run finished.",
		nil, nil,
	)
	lastRunSuccessDesc = prometheus.NewDesc(
		"classroom_snapshot_last_run_success",
		"1 when the last run finished without a run-level fault.",
		nil, nil,
	)
	runsDesc = prometheus.NewDesc(
		"classroom_snapshot_runs_total",
		"Runs finished by this process.",
		nil, nil,
	)
)

// Recorder remembers the outcome of finished runs.
type Recorder struct {
	mu       sync.RWMutex
	summary  snapshot.Summary
	finished time.Time
	success  bool
	runs     int
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Observe records a finished run. result may be nil when the run failed
// before it started.
func (r *Recorder) Observe(result *snapshot.Result, err error, finished time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	r.finished = finished
	r.success = err == nil
	if result != nil {
		r.summary = result.Summary
	}
}

// NewRegistry registers the run collector on a fresh registry.
func NewRegistry(reader RepoReader, recorder *Recorder) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&runCollector{reader: reader, recorder: recorder})
	return registry
}

// NewOpenMetricsHandler renders the run collector through the Prometheus
// OpenMetrics encoder.
func NewOpenMetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// WriteTextfile writes the registry in the node exporter textfile format.
func WriteTextfile(path string, registry *prometheus.Registry) error {
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

type runCollector struct {
	reader   RepoReader
	recorder *Recorder
}

func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- repoStatusDesc
	ch <- reposByStatusDesc
	ch <- summaryDesc
	ch <- lastRunDurationDesc
	ch <- lastRunTimestampDesc
	ch <- lastRunSuccessDesc
	ch <- runsDesc
}

func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil {
		return
	}
	if c.reader != nil {
		counts := make(map[string]int)
		for _, status := range snapshot.Statuses() {
			counts[status.String()] = 0
		}
		for _, view := range c.reader.Snapshot() {
			counts[view.Status]++
			ch <- prometheus.MustNewConstMetric(repoStatusDesc, prometheus.GaugeValue, 1, view.Name, view.Username, view.Status)
		}
		for status, count := range counts {
			ch <- prometheus.MustNewConstMetric(reposByStatusDesc, prometheus.GaugeValue, float64(count), status)
		}
	}

	if c.recorder == nil {
		return
	}
	c.recorder.mu.RLock()
	defer c.recorder.mu.RUnlock()
	ch <- prometheus.MustNewConstMetric(runsDesc, prometheus.CounterValue, float64(c.recorder.runs))
	if c.recorder.runs == 0 {
		return
	}

	summary := c.recorder.summary
	outcomes := map[string]int{
		"students":         summary.Students,
		"retrieved":        summary.Retrieved,
		"not_accepted":     summary.NotAccepted,
		"retrieve_errors":  summary.RetrieveErrors,
		"no_commits":       summary.NoCommits,
		"commit_not_found": summary.CommitNotFound,
		"activity_errors":  summary.ActivityErrors,
		"clone_attempted":  summary.CloneAttempted,
		"cloned":           summary.Cloned,
		"clone_errors":     summary.CloneErrors,
		"reset":            summary.Reset,
		"reset_errors":     summary.ResetErrors,
		"aborted":          summary.Aborted,
	}
	for outcome, value := range outcomes {
		ch <- prometheus.MustNewConstMetric(summaryDesc, prometheus.GaugeValue, float64(value), outcome)
	}
	ch <- prometheus.MustNewConstMetric(lastRunDurationDesc, prometheus.GaugeValue, summary.Elapsed.Seconds())
	ch <- prometheus.MustNewConstMetric(lastRunTimestampDesc, prometheus.GaugeValue, float64(c.recorder.finished.Unix()))
	success := 0.0
	if c.recorder.success {
		success = 1
	}
	ch <- prometheus.MustNewConstMetric(lastRunSuccessDesc, prometheus.GaugeValue, success)
}
