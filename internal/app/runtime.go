package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cam3ron2/classroom-snapshot/internal/config"
	"github.com/cam3ron2/classroom-snapshot/internal/exporter"
	"github.com/cam3ron2/classroom-snapshot/internal/gitcmd"
	"github.com/cam3ron2/classroom-snapshot/internal/health"
	"github.com/cam3ron2/classroom-snapshot/internal/history"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
	"github.com/cam3ron2/classroom-snapshot/internal/snapshot"
	"github.com/cam3ron2/classroom-snapshot/internal/source"
	"github.com/cam3ron2/classroom-snapshot/internal/workspace"
)

// ProviderFactory builds the provider for one hosting platform.
type ProviderFactory func(sourceName string) (source.Provider, error)

// Dependencies overrides what NewRuntime would otherwise build from config.
type Dependencies struct {
	NewProvider ProviderFactory
	Runner      gitcmd.Runner
	History     history.Store
	Retry       snapshot.RetryPolicy
	// Out receives the run's progress lines.
	Out io.Writer
	// OutputReady is called with the run's output directory once it exists.
	OutputReady func(dir string) error
}

// RunOutcome is everything a finished run produced.
type RunOutcome struct {
	Result    *snapshot.Result
	OutputDir string
	// Workspace is the VS Code workspace file, when one was written.
	Workspace  string
	DataFolder bool
	Report     history.CloneReport
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg         *config.Config
	logger      *zap.Logger
	loc         *time.Location
	newProvider ProviderFactory
	runner      gitcmd.Runner
	history     history.Store
	retry       snapshot.RetryPolicy
	out         io.Writer
	outputReady func(dir string) error
	recorder    *exporter.Recorder
	registry    *prometheus.Registry

	mu             sync.RWMutex
	engine         *snapshot.Engine
	phase          health.Phase
	providerUsable bool
	historyHealthy bool
	summary        snapshot.Summary
	hasSummary     bool

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime creates a runtime instance.
func NewRuntime(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	historyHealthy := true
	if deps.History == nil {
		deps.History, historyHealthy = newHistoryStore(cfg, logger)
	}
	if deps.Runner == nil {
		deps.Runner = newRunner(cfg)
	}
	if deps.NewProvider == nil {
		deps.NewProvider = func(sourceName string) (source.Provider, error) {
			return newProvider(cfg, sourceName)
		}
	}
	if deps.Retry == nil {
		deps.Retry = snapshot.RetryTimes(cfg.Clone.Retries)
	}

	runtime := &Runtime{
		cfg:            cfg,
		logger:         logger,
		loc:            loc,
		newProvider:    deps.NewProvider,
		runner:         deps.Runner,
		history:        deps.History,
		retry:          deps.Retry,
		out:            deps.Out,
		outputReady:    deps.OutputReady,
		recorder:       exporter.NewRecorder(),
		phase:          health.PhaseIdle,
		providerUsable: true,
		historyHealthy: historyHealthy,
		Now:            time.Now,
	}
	runtime.registry = exporter.NewRegistry(runtime, runtime.recorder)
	return runtime, nil
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	metricsHandler := exporter.NewOpenMetricsHandler(r.registry)
	healthHandler := health.NewHandler(r)
	return NewHTTPHandler(r, metricsHandler, healthHandler)
}

// History exposes the clone report store.
func (r *Runtime) History() history.Store {
	return r.history
}

// Location is the timezone deadlines are entered in.
func (r *Runtime) Location() *time.Location {
	return r.loc
}

// Snapshot returns the per-repo views of the current or last run.
func (r *Runtime) Snapshot() []snapshot.RepoView {
	r.mu.RLock()
	engine := r.engine
	r.mu.RUnlock()
	if engine == nil {
		return nil
	}
	return engine.Snapshot()
}

// LastSummary returns the summary of the last finished run.
func (r *Runtime) LastSummary() (snapshot.Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summary, r.hasSummary
}

// CurrentStatus returns current health state.
func (r *Runtime) CurrentStatus(_ context.Context) health.Status {
	views := r.Snapshot()
	failed := 0
	for _, view := range views {
		if view.Failed {
			failed++
		}
	}

	r.mu.RLock()
	input := health.Input{
		Phase:          r.phase,
		ProviderUsable: r.providerUsable,
		HistoryHealthy: r.historyHealthy,
		Repos:          len(views),
		FailedRepos:    failed,
	}
	r.mu.RUnlock()
	return health.Evaluate(input)
}

// CheckPrefix counts the remote repositories carrying prefix on sourceName.
func (r *Runtime) CheckPrefix(ctx context.Context, sourceName, prefix string) (int, error) {
	provider, err := r.newProvider(sourceName)
	if err != nil {
		return 0, err
	}
	defer r.closeProvider(provider)

	engine, err := r.newEngine(provider, nil, nil)
	if err != nil {
		return 0, err
	}
	return engine.CheckPrefix(ctx, prefix)
}

// Run picks the output directory, snapshots every student on the roster
// and records the outcome. The returned outcome is non-nil whenever
// the engine started, including when err reports a run-level fault.
func (r *Runtime) Run(ctx context.Context, params snapshot.RunParameters) (*RunOutcome, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	students, err := r.loadRoster(params.StudentsCSVPath)
	if err != nil {
		return nil, err
	}

	suffix := params.FolderSuffix
	if params.AppendTimestamp {
		stamp, err := workspace.TimestampSuffix(params.DueDate, params.DueTime)
		if err != nil {
			return nil, err
		}
		suffix += stamp
	}
	base := params.OutputDir
	if base == "" {
		base = r.cfg.Clone.OutputDir
	}
	plan, err := workspace.Choose(base, params.RepoPrefix, suffix, params.ReplaceDuplicates)
	if err != nil {
		return nil, err
	}
	params.OutputDir = plan.Dir

	provider, err := r.newProvider(params.Source)
	if err != nil {
		r.setProviderUsable(false)
		return nil, err
	}
	defer r.closeProvider(provider)
	r.setProviderUsable(true)

	logBook := snapshot.NewLogBook(r.out, r.logger)
	engine, err := r.newEngine(provider, logBook, func() error {
		return r.applyPlan(&plan, params.DryRun, logBook)
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.engine = engine
	r.phase = health.PhaseRunning
	r.mu.Unlock()

	result, runErr := engine.Run(ctx, params, students)
	finished := r.Now()
	outcome := &RunOutcome{Result: result, OutputDir: plan.Dir}

	if result != nil && !params.DryRun {
		r.finishWorkspace(outcome, engine.LogBook())
	}
	if runErr != nil && !params.DryRun && !plan.Existing {
		// Only removes the directory when nothing was cloned into it.
		_ = os.Remove(plan.Dir)
	}

	r.recorder.Observe(result, runErr, finished)
	r.mu.Lock()
	if result != nil {
		r.summary = result.Summary
		r.hasSummary = true
	}
	r.phase = health.PhaseFinished
	if runErr != nil {
		r.phase = health.PhaseFailed
	}
	r.mu.Unlock()

	if result != nil {
		outcome.Report = history.BuildReport(history.ReportInput{
			Source:          params.Source,
			RepoPrefix:      params.RepoPrefix,
			DueDate:         params.DueDate,
			DueTime:         params.DueTime,
			DryRun:          params.DryRun,
			StudentsCSVPath: params.StudentsCSVPath,
			OutputDir:       plan.Dir,
			LogLines:        engine.LogBook().Lines(),
			Err:             runErr,
		}, finished, r.loc)
		r.appendHistory(ctx, outcome.Report)
	}
	r.writeTextfile()

	if result == nil {
		return nil, runErr
	}
	return outcome, runErr
}

// Close releases the history store.
func (r *Runtime) Close() error {
	if r.history == nil {
		return nil
	}
	return r.history.Close()
}

func (r *Runtime) newEngine(provider source.Provider, logBook *snapshot.LogBook, prepare func() error) (*snapshot.Engine, error) {
	return snapshot.NewEngine(snapshot.Options{
		Provider:      provider,
		Runner:        r.runner,
		Retry:         r.retry,
		Log:           logBook,
		Logger:        r.logger,
		Location:      r.loc,
		Workers:       r.cfg.Clone.Workers,
		Debug:         r.cfg.Debug,
		Now:           r.Now,
		PrepareOutput: prepare,
	})
}

// applyPlan clears or creates the output directory. The engine calls it
// only after the prefix is confirmed, so a failed run leaves a previous
// snapshot in place.
func (r *Runtime) applyPlan(plan *workspace.Plan, dryRun bool, logBook *snapshot.LogBook) error {
	if err := plan.Apply(dryRun); err != nil {
		return err
	}
	if plan.Existing {
		if dryRun {
			logBook.Printf("Would have deleted %d files/folders in %s.", plan.Cleared, plan.Dir)
		} else {
			logBook.Printf("Deleted %d files/folders in %s.", plan.Cleared, plan.Dir)
		}
	}
	if r.outputReady == nil || (dryRun && !plan.Existing) {
		return nil
	}
	if err := r.outputReady(plan.Dir); err != nil {
		r.logger.Warn("output directory hook failed", zap.String("dir", plan.Dir), zap.Error(err))
	}
	return nil
}

func (r *Runtime) loadRoster(path string) ([]roster.Student, error) {
	if path == "" {
		path = r.cfg.Roster.Path
	}
	students, err := roster.Load(path)
	if err != nil {
		return nil, err
	}
	if len(r.cfg.Roster.Adjustments) == 0 {
		return students, nil
	}
	adjustments := make(map[string]roster.Adjustment, len(r.cfg.Roster.Adjustments))
	for _, adjustment := range r.cfg.Roster.Adjustments {
		adjustments[adjustment.Username] = roster.Adjustment{
			ClassActivityHours: adjustment.ClassActivityHours,
			AssignmentHours:    adjustment.AssignmentHours,
			ExamHours:          adjustment.ExamHours,
		}
	}
	return roster.WithAdjustments(students, adjustments), nil
}

// finishWorkspace writes the files that sit next to the clones.
func (r *Runtime) finishWorkspace(outcome *RunOutcome, logBook *snapshot.LogBook) {
	var folders, paths []string
	for _, repo := range outcome.Result.Repos {
		switch repo.Status() {
		case snapshot.StatusReset, snapshot.StatusClonedDone:
			folders = append(folders, repo.FolderName())
			paths = append(paths, repo.LocalPath)
		}
	}
	if len(folders) == 0 {
		return
	}

	copied, err := workspace.ExtractDataFolder(outcome.OutputDir, paths, r.cfg.Clone.DataFolder)
	if err != nil {
		r.logger.Warn("failed to extract data folder", zap.Error(err))
	}
	outcome.DataFolder = copied
	if copied {
		logBook.Printf("Extracted %s folder into %s.", r.cfg.Clone.DataFolder, outcome.OutputDir)
	}

	if !r.cfg.Clone.WorkspaceFile {
		return
	}
	path, err := workspace.WriteVSCodeWorkspace(outcome.OutputDir, outcome.Result.Params.RepoPrefix, folders)
	if err != nil {
		r.logger.Warn("failed to write workspace file", zap.Error(err))
		return
	}
	outcome.Workspace = path
	logBook.Printf("Wrote workspace %s.", path)
}

func (r *Runtime) appendHistory(ctx context.Context, report history.CloneReport) {
	// The report is still written when the run itself was cancelled.
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	healthy := true
	if err := r.history.Append(ctx, report); err != nil {
		healthy = false
		r.logger.Warn("failed to append clone report", zap.String("run_id", report.RunID), zap.Error(err))
	}
	r.mu.Lock()
	r.historyHealthy = healthy
	r.mu.Unlock()
}

func (r *Runtime) writeTextfile() {
	path := r.cfg.Status.MetricsTextfile
	if path == "" {
		return
	}
	if err := exporter.WriteTextfile(path, r.registry); err != nil {
		r.logger.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
	}
}

func (r *Runtime) setProviderUsable(usable bool) {
	r.mu.Lock()
	r.providerUsable = usable
	r.mu.Unlock()
}

func (r *Runtime) closeProvider(provider source.Provider) {
	if err := provider.Close(); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("failed to close provider", zap.Error(err))
	}
}
