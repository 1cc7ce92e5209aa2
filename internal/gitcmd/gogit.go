package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GoGitRunner clones and resets in process with go-git, for hosts without
// a git executable.
type GoGitRunner struct{}

// NewGoGitRunner returns a pure-Go runner.
func NewGoGitRunner() *GoGitRunner {
	return &GoGitRunner{}
}

// Clone implements Runner. Credentials embedded in an HTTPS URL are moved
// into basic auth so they are not persisted in the clone's remote config.
func (r *GoGitRunner) Clone(ctx context.Context, opts CloneOptions) (Output, error) {
	if opts.URL == "" || opts.Name == "" {
		return Output{ExitCode: -1}, fmt.Errorf("clone url and destination name are required")
	}

	cloneURL, auth := splitCredentials(opts.URL)
	var progress bytes.Buffer
	_, err := git.PlainCloneContext(ctx, filepath.Join(opts.Dir, opts.Name), false, &git.CloneOptions{
		URL:          cloneURL,
		Auth:         auth,
		SingleBranch: opts.SingleBranch,
		Depth:        opts.Depth,
		Progress:     &progress,
	})
	output := Output{Stderr: progress.String()}
	if err != nil {
		output.ExitCode = 128
		output.Stderr += err.Error()
		return output, &Error{Op: "clone", Output: output, Err: err}
	}
	return output, nil
}

// Reset implements Runner with a hard worktree reset.
func (r *GoGitRunner) Reset(_ context.Context, repoDir, commit string) (Output, error) {
	if !validCommit(commit) {
		return Output{ExitCode: -1}, fmt.Errorf("%w: %q", ErrInvalidCommit, commit)
	}

	err := resetHard(repoDir, plumbing.NewHash(commit))
	if err != nil {
		output := Output{Stderr: err.Error(), ExitCode: 128}
		return output, &Error{Op: "reset", Output: output, Err: err}
	}
	return Output{}, nil
}

func resetHard(repoDir string, hash plumbing.Hash) error {
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	if _, err := repo.CommitObject(hash); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return fmt.Errorf("commit %s not in clone: %w", hash, err)
		}
		return fmt.Errorf("read commit %s: %w", hash, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	return worktree.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset})
}

func splitCredentials(raw string) (string, transport.AuthMethod) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return raw, nil
	}
	password, ok := parsed.User.Password()
	if !ok {
		return raw, nil
	}
	auth := &githttp.BasicAuth{Username: parsed.User.Username(), Password: password}
	parsed.User = nil
	return parsed.String(), auth
}
