package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cam3ron2/classroom-snapshot/internal/gitcmd"
	"github.com/cam3ron2/classroom-snapshot/internal/hostapi"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
	"github.com/cam3ron2/classroom-snapshot/internal/source"
)

// ErrUnauthorized marks a run aborted because the platform rejected the
// configured credentials.
var ErrUnauthorized = source.ErrUnauthorized

// Repo is one student's repository and its progress through a run. A Repo
// is only mutated by the task currently working on it; Status may be read
// concurrently.
type Repo struct {
	Student     roster.Student
	Prefix      string
	Info        source.RepoInfo
	HoursAdjust time.Duration
	Deadline    time.Time

	// ResolvedCommit is the commit the working tree is pinned to. It is
	// cleared when the clone or reset fails; AttemptedCommit keeps it.
	ResolvedCommit  string
	AttemptedCommit string
	PushedAt        time.Time
	Pushes          int

	LocalPath  string
	LastOutput gitcmd.Output
	Err        error

	status    atomic.Int32
	retrieved bool
	cloned    bool
}

// NewRepo creates a repo in StatusInit for student.
func NewRepo(prefix string, student roster.Student) *Repo {
	return &Repo{Student: student, Prefix: prefix}
}

// Name is the remote repository name.
func (r *Repo) Name() string {
	if r.Info.Name != "" {
		return r.Info.Name
	}
	return r.Prefix + "-" + r.Student.Username
}

// FolderName is the local directory the repository is cloned into.
func (r *Repo) FolderName() string {
	return r.Prefix + "-" + r.Student.DisplayName
}

// Status returns the current status.
func (r *Repo) Status() Status {
	return Status(r.status.Load())
}

// Retrieved reports whether the repo ever reached StatusRetrieved.
func (r *Repo) Retrieved() bool {
	return r.retrieved
}

// Cloned reports whether a clone completed.
func (r *Repo) Cloned() bool {
	return r.cloned
}

func (r *Repo) transition(next Status) error {
	current := r.Status()
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	switch next {
	case StatusRetrieved:
		r.retrieved = true
	case StatusCloned, StatusClonedDone:
		r.cloned = true
	case StatusCloneError, StatusResetError, StatusError:
		if r.ResolvedCommit != "" {
			r.AttemptedCommit = r.ResolvedCommit
			r.ResolvedCommit = ""
		}
	}
	// Fields are settled before the store so readers of a terminal status
	// see them.
	r.status.Store(int32(next))
	return nil
}

func (r *Repo) require(status Status) error {
	if current := r.Status(); current != status {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidTransition, current, status)
	}
	return nil
}

// RetrieveInfo looks the repository up. Transport failures and rejected
// credentials are returned; every other outcome is a terminal status.
func (r *Repo) RetrieveInfo(ctx context.Context, provider source.Provider) error {
	if err := r.transition(StatusRetrieving); err != nil {
		return err
	}
	result, err := provider.GetRepo(ctx, r.Prefix, r.Student)
	if err != nil {
		r.Err = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = r.transition(StatusRetrieveError)
		return fmt.Errorf("retrieve %s: %w", r.Name(), err)
	}

	switch result.Status {
	case hostapi.EndpointStatusOK:
		r.Info = result.Info
		return r.transition(StatusRetrieved)
	case hostapi.EndpointStatusNotFound:
		return r.transition(StatusNotFound)
	case hostapi.EndpointStatusUnauthorized:
		r.Err = fmt.Errorf("retrieve %s: %w", r.Name(), ErrUnauthorized)
		_ = r.transition(StatusRetrieveError)
		return r.Err
	default:
		r.Err = fmt.Errorf("retrieve %s: %s", r.Name(), result.Status)
		return r.transition(StatusRetrieveError)
	}
}

// ResolveCommit finds the last push strictly before deadline.
func (r *Repo) ResolveCommit(ctx context.Context, provider source.Provider, deadline time.Time) error {
	if err := r.require(StatusRetrieved); err != nil {
		return err
	}
	r.Deadline = deadline
	if err := r.transition(StatusCheckingCommits); err != nil {
		return err
	}
	result, err := provider.CommitBefore(ctx, r.Info, deadline)
	return r.applyPushes(ctx, result, err)
}

// CountPushes checks that the repository has any push at all and pins the
// most recent one. It replaces ResolveCommit for current pulls.
func (r *Repo) CountPushes(ctx context.Context, provider source.Provider) error {
	if err := r.require(StatusRetrieved); err != nil {
		return err
	}
	if err := r.transition(StatusCheckingCommits); err != nil {
		return err
	}
	result, err := provider.CountPushes(ctx, r.Info)
	return r.applyPushes(ctx, result, err)
}

func (r *Repo) applyPushes(ctx context.Context, result source.PushResult, err error) error {
	if err != nil {
		r.Err = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = r.transition(StatusActivityError)
		return fmt.Errorf("activity %s: %w", r.Name(), err)
	}

	r.Pushes = result.Pushes
	switch {
	case result.Status == hostapi.EndpointStatusUnauthorized:
		r.Err = fmt.Errorf("activity %s: %w", r.Name(), ErrUnauthorized)
		_ = r.transition(StatusActivityError)
		return r.Err
	case result.Status != hostapi.EndpointStatusOK:
		r.Err = fmt.Errorf("activity %s: %s", r.Name(), result.Status)
		return r.transition(StatusActivityError)
	case result.Commit != "":
		r.ResolvedCommit = result.Commit
		r.PushedAt = result.PushedAt
		return r.transition(StatusCommitFound)
	case result.Pushes == 0:
		return r.transition(StatusNoCommits)
	default:
		return r.transition(StatusCommitNotFound)
	}
}

// CloneSettings are the run-wide inputs of Clone and Reset.
type CloneSettings struct {
	Provider    source.Provider
	Runner      gitcmd.Runner
	Retry       RetryPolicy
	Log         *LogBook
	OutputDir   string
	DryRun      bool
	CurrentPull bool
}

func (s CloneSettings) retryPolicy() RetryPolicy {
	if s.Retry == nil {
		return RetryTimes(1)
	}
	return s.Retry
}

// Clone materializes the repository under the output directory. A current
// pull ends here with a shallow clone; otherwise Reset follows.
func (r *Repo) Clone(ctx context.Context, settings CloneSettings) error {
	if err := r.require(StatusCommitFound); err != nil {
		return err
	}
	if err := r.transition(StatusCloning); err != nil {
		return err
	}
	r.LocalPath = filepath.Join(settings.OutputDir, r.FolderName())
	done := StatusCloned
	if settings.CurrentPull {
		done = StatusClonedDone
	}
	if settings.DryRun {
		return r.transition(done)
	}

	cloneURL, err := settings.Provider.CloneURL(ctx, r.Info)
	if err != nil {
		r.Err = err
		return r.transition(StatusCloneError)
	}
	if settings.Log != nil {
		settings.Log.AddSecrets(passwordFromURL(cloneURL))
	}
	if err := os.MkdirAll(settings.OutputDir, 0o755); err != nil {
		r.Err = fmt.Errorf("create output directory: %w", err)
		return r.transition(StatusCloneError)
	}

	opts := gitcmd.CloneOptions{URL: cloneURL, Dir: settings.OutputDir, Name: r.FolderName()}
	if settings.CurrentPull {
		opts.SingleBranch = true
		opts.Depth = 1
	}

	err = r.attempt(ctx, settings, "clone", func() (gitcmd.Output, error) {
		return settings.Runner.Clone(ctx, opts)
	}, func() {
		_ = os.RemoveAll(r.LocalPath)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.Err = err
		return r.transition(StatusCloneError)
	}
	return r.transition(done)
}

// Reset moves the clone's working tree to the resolved commit.
func (r *Repo) Reset(ctx context.Context, settings CloneSettings) error {
	if err := r.require(StatusCloned); err != nil {
		return err
	}
	if err := r.transition(StatusResetting); err != nil {
		return err
	}
	if settings.DryRun {
		return r.transition(StatusReset)
	}

	commit := r.ResolvedCommit
	err := r.attempt(ctx, settings, "reset", func() (gitcmd.Output, error) {
		return settings.Runner.Reset(ctx, r.LocalPath, commit)
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.Err = err
		return r.transition(StatusResetError)
	}
	return r.transition(StatusReset)
}

// attempt runs op until it succeeds or the retry policy gives up.
func (r *Repo) attempt(
	ctx context.Context,
	settings CloneSettings,
	name string,
	op func() (gitcmd.Output, error),
	beforeRetry func(),
) error {
	policy := settings.retryPolicy()
	for number := 1; ; number++ {
		output, err := op()
		r.LastOutput = output
		if err == nil {
			return nil
		}
		if settings.Log != nil {
			settings.Log.Quiet(fmt.Sprintf("%s %s attempt %d: %s", name, r.FolderName(), number, describeFailure(output, err)))
		}
		if ctx.Err() != nil || errors.Is(err, gitcmd.ErrInvalidCommit) {
			return err
		}
		if !policy.ShouldRetry(ctx, Attempt{Op: name, Repo: r.FolderName(), Number: number, Err: err, Output: output}) {
			return err
		}
		if beforeRetry != nil {
			beforeRetry()
		}
	}
}

// describeFailure joins captured stdout and stderr, falling back to err
// when git printed nothing.
func describeFailure(output gitcmd.Output, err error) string {
	var parts []string
	for _, stream := range []string{output.Stdout, output.Stderr} {
		if trimmed := strings.TrimSpace(stream); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "\n")
}

func passwordFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return ""
	}
	password, _ := parsed.User.Password()
	return password
}

// Abort marks a repo that has not reached a terminal status as failed.
func (r *Repo) Abort(cause error) bool {
	if r.Status().Terminal() {
		return false
	}
	if r.Err == nil {
		r.Err = cause
	}
	return r.transition(StatusError) == nil
}

// RepoView is a read-only copy of a repo for displays.
type RepoView struct {
	Name           string `json:"name"`
	Username       string `json:"username"`
	DisplayName    string `json:"display_name"`
	Status         string `json:"status"`
	Label          string `json:"label"`
	Terminal       bool   `json:"terminal"`
	Failed         bool   `json:"failed"`
	ResolvedCommit string `json:"resolved_commit,omitempty"`
	LocalPath      string `json:"local_path,omitempty"`

	status Status
}

// View returns a display copy of the repo. Only Status is safe to observe
// while a task owns the repo, so the other fields are read once it is
// terminal.
func (r *Repo) View() RepoView {
	status := r.Status()
	view := RepoView{
		Name:        r.FolderName(),
		Username:    r.Student.Username,
		DisplayName: r.Student.DisplayName,
		Status:      status.String(),
		Label:       status.Label(),
		Terminal:    status.Terminal(),
		Failed:      status.Failed(),
		status:      status,
	}
	if status.Terminal() {
		view.ResolvedCommit = r.ResolvedCommit
		view.LocalPath = r.LocalPath
	}
	return view
}
