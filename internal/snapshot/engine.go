// Package snapshot resolves, clones and resets every student repository of
// an assignment as it stood at the deadline.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cam3ron2/classroom-snapshot/internal/deadline"
	"github.com/cam3ron2/classroom-snapshot/internal/gitcmd"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
	"github.com/cam3ron2/classroom-snapshot/internal/source"
	"github.com/cam3ron2/classroom-snapshot/internal/telemetry"
)

const tracerName = "classroom-snapshot/internal/snapshot"

var (
	// ErrConnectivity marks a run where no repository lookup reached the
	// platform.
	ErrConnectivity = errors.New("hosting platform unreachable")
	// ErrNoneAccepted marks a run where no student repository exists yet.
	ErrNoneAccepted = errors.New("no students have accepted this assignment yet")
	// ErrPrefixNotFound marks a prefix that matches no remote repository.
	ErrPrefixNotFound = errors.New("repository prefix matches no repositories")
)

// Options configures an Engine.
type Options struct {
	Provider source.Provider
	Runner   gitcmd.Runner
	Retry    RetryPolicy
	Log      *LogBook
	Logger   *zap.Logger
	Location *time.Location
	// Workers bounds concurrent repos. Zero selects DefaultWorkers.
	Workers int
	Debug   bool
	Now     func() time.Time
	// PrepareOutput runs once the prefix is confirmed and at least one
	// student has a commit to clone, before the first clone.
	PrepareOutput func() error
}

// Engine runs snapshots against one provider.
type Engine struct {
	provider source.Provider
	runner   gitcmd.Runner
	retry    RetryPolicy
	log      *LogBook
	logger   *zap.Logger
	loc      *time.Location
	workers  int
	now      func() time.Time
	prepare  func() error

	mu    sync.RWMutex
	repos []*Repo
}

// Result is the outcome of one run.
type Result struct {
	Params   RunParameters
	Deadline time.Time
	Started  time.Time
	Repos    []*Repo
	Summary  Summary
}

// DefaultWorkers returns one and a half workers per CPU, or one in debug
// mode so output stays ordered.
func DefaultWorkers(debug bool) int {
	if debug {
		return 1
	}
	return max(1, (runtime.NumCPU()*3+1)/2)
}

// NewEngine validates options and creates an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("source provider is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("git runner is required")
	}
	engine := &Engine{
		provider: opts.Provider,
		runner:   opts.Runner,
		retry:    opts.Retry,
		log:      opts.Log,
		logger:   opts.Logger,
		loc:      opts.Location,
		workers:  opts.Workers,
		now:      opts.Now,
		prepare:  opts.PrepareOutput,
	}
	if engine.retry == nil {
		engine.retry = RetryTimes(1)
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}
	if engine.log == nil {
		engine.log = NewLogBook(nil, engine.logger)
	}
	if engine.loc == nil {
		engine.loc = time.Local
	}
	if opts.Debug || engine.workers <= 0 {
		engine.workers = DefaultWorkers(opts.Debug)
	}
	if engine.now == nil {
		engine.now = time.Now
	}
	return engine, nil
}

// Workers returns the size of the worker pool.
func (e *Engine) Workers() int {
	return e.workers
}

// LogBook returns the log book receiving the run's lines.
func (e *Engine) LogBook() *LogBook {
	return e.log
}

// Snapshot returns a view of every repo of the current or last run.
func (e *Engine) Snapshot() []RepoView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	views := make([]RepoView, 0, len(e.repos))
	for _, repo := range e.repos {
		views = append(views, repo.View())
	}
	return views
}

// CheckPrefix returns how many remote repositories carry prefix.
func (e *Engine) CheckPrefix(ctx context.Context, prefix string) (int, error) {
	count, err := e.provider.RepoPrefixCount(ctx, prefix)
	if err != nil {
		return 0, classifyRunError(ctx, fmt.Errorf("check prefix: %w", err))
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: %q", ErrPrefixNotFound, prefix)
	}
	return count, nil
}

// Run snapshots one repo per student. The returned Result is non-nil once
// parameters validate, including when err reports a run-level fault; in
// that case every repo that had not finished is marked StatusError.
func (e *Engine) Run(ctx context.Context, params RunParameters, students []roster.Student) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(students) == 0 {
		return nil, roster.ErrEmpty
	}

	started := e.now()
	base, err := deadline.Resolve(params.DueDate, params.DueTime, 0, e.loc, started)
	if err != nil {
		return nil, err
	}

	repos := make([]*Repo, 0, len(students))
	for _, student := range students {
		repo := NewRepo(params.RepoPrefix, student)
		repo.HoursAdjust = student.HoursFor(params.Category)
		repos = append(repos, repo)
	}
	e.mu.Lock()
	e.repos = repos
	e.mu.Unlock()

	result := &Result{Params: params, Deadline: base, Started: started, Repos: repos}

	ctx, end := telemetry.StartSpan(ctx, tracerName, "snapshot.run",
		attribute.String("source", e.provider.Name()),
		attribute.String("repo_prefix", params.RepoPrefix),
		attribute.Int("students", len(students)),
		attribute.Bool("dry_run", params.DryRun),
	)

	e.log.AddSecrets(e.provider.Secrets()...)
	for _, line := range params.HeaderLines(base, e.loc) {
		e.log.Println(line)
	}
	e.logger.Info(
		"snapshot run started",
		zap.String("source", e.provider.Name()),
		zap.String("repo_prefix", params.RepoPrefix),
		zap.Time("deadline", base),
		zap.Int("students", len(students)),
		zap.Int("workers", e.workers),
	)

	runErr := e.run(ctx, params, repos, started)
	if runErr != nil {
		for _, repo := range repos {
			repo.Abort(runErr)
		}
	}

	result.Summary = Summarize(repos)
	result.Summary.Elapsed = e.now().Sub(started)
	e.report(result)
	end(runErr)

	if runErr != nil {
		e.logger.Warn("snapshot run aborted", zap.Error(runErr))
	} else {
		e.logger.Info(
			"snapshot run finished",
			zap.Int("cloned", result.Summary.Cloned),
			zap.Duration("elapsed", result.Summary.Elapsed),
		)
	}
	return result, runErr
}

func (e *Engine) run(ctx context.Context, params RunParameters, repos []*Repo, started time.Time) error {
	if _, err := e.CheckPrefix(ctx, params.RepoPrefix); err != nil {
		return err
	}
	if err := e.resolvePhase(ctx, params, repos, started); err != nil {
		return err
	}

	retrieved, missing := 0, 0
	for _, repo := range repos {
		if repo.Retrieved() {
			retrieved++
		}
		if repo.Status() == StatusNotFound {
			missing++
		}
	}
	if retrieved == 0 && missing > 0 {
		return fmt.Errorf("%w: prefix %q", ErrNoneAccepted, params.RepoPrefix)
	}
	if e.prepare != nil {
		if err := e.prepare(); err != nil {
			return fmt.Errorf("prepare output directory: %w", err)
		}
	}

	return e.clonePhase(ctx, CloneSettings{
		Provider:    e.provider,
		Runner:      e.runner,
		Retry:       e.retry,
		Log:         e.log,
		OutputDir:   params.OutputDir,
		DryRun:      params.DryRun,
		CurrentPull: params.CurrentPull,
	}, repos)
}

// resolvePhase looks up every repo and finds its commit.
func (e *Engine) resolvePhase(ctx context.Context, params RunParameters, repos []*Repo, started time.Time) error {
	ctx, end := telemetry.StartSpan(ctx, tracerName, "snapshot.resolve")
	var failures atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.workers)
	for _, repo := range repos {
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return nil
			}
			err := e.resolveRepo(groupCtx, params, repo, started)
			if err == nil {
				return nil
			}
			if isRunLevel(groupCtx, err) {
				return err
			}
			if repo.Status() == StatusRetrieveError {
				failures.Add(1)
			}
			e.logger.Warn("repo lookup failed", zap.String("repo", repo.Name()), zap.Error(err))
			return nil
		})
	}
	err := group.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && int(failures.Load()) == len(repos) {
		err = fmt.Errorf("%w: %d of %d lookups failed", ErrConnectivity, len(repos), len(repos))
	}
	err = classifyRunError(ctx, err)
	end(err)
	return err
}

func (e *Engine) resolveRepo(ctx context.Context, params RunParameters, repo *Repo, started time.Time) error {
	if err := repo.RetrieveInfo(ctx, e.provider); err != nil {
		return err
	}
	if repo.Status() != StatusRetrieved {
		e.logger.Debug("repo not retrieved", zap.String("repo", repo.Name()), zap.Stringer("status", repo.Status()))
		return nil
	}
	if params.CurrentPull {
		return repo.CountPushes(ctx, e.provider)
	}

	due, err := deadline.Resolve(params.DueDate, params.DueTime, repo.HoursAdjust, e.loc, started)
	if err != nil {
		return err
	}
	if err := repo.ResolveCommit(ctx, e.provider, due); err != nil {
		return err
	}
	e.logger.Debug(
		"commit resolved",
		zap.String("repo", repo.Name()),
		zap.Stringer("status", repo.Status()),
		zap.Time("deadline", due),
		zap.String("commit", repo.ResolvedCommit),
		zap.Int("pushes", repo.Pushes),
	)
	return nil
}

// clonePhase clones and resets every repo with a commit.
func (e *Engine) clonePhase(ctx context.Context, settings CloneSettings, repos []*Repo) error {
	ctx, end := telemetry.StartSpan(ctx, tracerName, "snapshot.clone",
		attribute.Bool("current_pull", settings.CurrentPull),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.workers)
	for _, repo := range repos {
		if repo.Status() != StatusCommitFound {
			continue
		}
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return nil
			}
			err := e.materialize(groupCtx, settings, repo)
			if err == nil || !isRunLevel(groupCtx, err) {
				return nil
			}
			return err
		})
	}
	err := group.Wait()
	if err == nil {
		err = ctx.Err()
	}
	err = classifyRunError(ctx, err)
	end(err)
	return err
}

func (e *Engine) materialize(ctx context.Context, settings CloneSettings, repo *Repo) error {
	if err := repo.Clone(ctx, settings); err != nil {
		return err
	}
	if repo.Status() != StatusCloned {
		if repo.Status() == StatusCloneError {
			e.logger.Warn("clone failed", zap.String("repo", repo.FolderName()), zap.String("error", e.log.Redact(errorText(repo.Err))))
		}
		return nil
	}
	if err := repo.Reset(ctx, settings); err != nil {
		return err
	}
	if repo.Status() == StatusResetError {
		e.logger.Warn("reset failed", zap.String("repo", repo.FolderName()), zap.String("error", e.log.Redact(errorText(repo.Err))))
	}
	return nil
}

// report writes one line per repo followed by the summary.
func (e *Engine) report(result *Result) {
	nameWidth, userWidth := 0, 0
	for _, repo := range result.Repos {
		nameWidth = max(nameWidth, len(repo.FolderName()))
		userWidth = max(userWidth, len(repo.Student.Username))
	}
	for _, repo := range result.Repos {
		e.log.Printf("  > %-*s : %-*s : %s", nameWidth, repo.FolderName(), userWidth, repo.Student.Username, repo.Status().Label())
	}
	for _, line := range result.Summary.Lines(result.Params.CurrentPull) {
		e.log.Println(line)
	}
}

// isRunLevel reports whether err must stop the whole run. A request that
// timed out on its own only fails its repo.
func isRunLevel(ctx context.Context, err error) bool {
	return errors.Is(err, ErrUnauthorized) || ctx.Err() != nil
}

// classifyRunError prefers the caller's cancellation over errors it caused
// and marks other lookup failures as connectivity loss.
func classifyRunError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("snapshot run: %w", ctxErr)
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrConnectivity) || errors.Is(err, ErrPrefixNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
