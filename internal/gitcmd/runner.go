// Package gitcmd clones student repositories and resets them to a commit.
package gitcmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCommit is returned for a reset target that is not a full hash.
var ErrInvalidCommit = errors.New("invalid commit hash")

// CloneOptions describes one clone. The repository lands in Dir/Name.
type CloneOptions struct {
	URL          string
	Dir          string
	Name         string
	SingleBranch bool
	Depth        int
}

// Args renders the options as git command-line arguments.
func (o CloneOptions) Args() []string {
	args := []string{"clone"}
	if o.SingleBranch {
		args = append(args, "--single-branch")
	}
	if o.Depth > 0 {
		args = append(args, "--depth", fmt.Sprint(o.Depth))
	}
	return append(args, o.URL, o.Name)
}

// Output is what a git invocation printed and how it exited.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner performs git operations. Implementations are safe for concurrent
// use on distinct directories.
type Runner interface {
	Clone(ctx context.Context, opts CloneOptions) (Output, error)
	Reset(ctx context.Context, repoDir, commit string) (Output, error)
}

// Error is a failed git operation with its captured output.
type Error struct {
	Op     string
	Output Output
	Err    error
}

func (e *Error) Error() string {
	detail := strings.TrimSpace(e.Output.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Output.Stdout)
	}
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	return fmt.Sprintf("git %s failed (exit %d): %s", e.Op, e.Output.ExitCode, detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validCommit(commit string) bool {
	if len(commit) != 40 && len(commit) != 64 {
		return false
	}
	for _, r := range commit {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
