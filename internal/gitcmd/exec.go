package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cam3ron2/classroom-snapshot/internal/telemetry"
)

// ExecRunner shells out to the git executable.
type ExecRunner struct {
	GitPath string
	// Env is appended to the process environment.
	Env []string
}

// NewExecRunner returns a runner for gitPath, defaulting to "git" on PATH.
func NewExecRunner(gitPath string) *ExecRunner {
	if gitPath == "" {
		gitPath = "git"
	}
	return &ExecRunner{
		GitPath: gitPath,
		Env:     []string{"GIT_TERMINAL_PROMPT=0"},
	}
}

// Clone runs `git clone` with Dir as the working directory.
func (r *ExecRunner) Clone(ctx context.Context, opts CloneOptions) (Output, error) {
	if opts.URL == "" || opts.Name == "" {
		return Output{ExitCode: -1}, fmt.Errorf("clone url and destination name are required")
	}
	return r.run(ctx, "clone", opts.Dir, opts.Args()...)
}

// Reset runs `git reset --hard -q <commit>` inside repoDir.
func (r *ExecRunner) Reset(ctx context.Context, repoDir, commit string) (Output, error) {
	if !validCommit(commit) {
		return Output{ExitCode: -1}, fmt.Errorf("%w: %q", ErrInvalidCommit, commit)
	}
	return r.run(ctx, "reset", repoDir, "reset", "--hard", "-q", commit)
}

// run never puts args on the span; clone URLs carry credentials.
func (r *ExecRunner) run(ctx context.Context, op, dir string, args ...string) (output Output, err error) {
	ctx, end := telemetry.StartDetailSpan(ctx, "classroom-snapshot/internal/gitcmd", "git."+op,
		attribute.String("git.dir", filepath.Base(dir)),
	)
	defer func() {
		telemetry.AddEvent(ctx, "exit", attribute.Int("git.exit_code", output.ExitCode))
		end(err)
	}()

	cmd := exec.CommandContext(ctx, r.GitPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	output = Output{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr == nil {
		return output, nil
	}

	output.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		output.ExitCode = exitErr.ExitCode()
	}
	return output, &Error{Op: op, Output: output, Err: runErr}
}
