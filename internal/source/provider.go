// Package source resolves student repositories and their push history on a
// hosting platform.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/classroom-snapshot/internal/hostapi"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
)

var (
	// ErrEmptyPrefix is returned when a repository prefix is blank.
	ErrEmptyPrefix = errors.New("repository prefix is empty")
	// ErrUnauthorized is returned when the platform rejects the credentials.
	ErrUnauthorized = errors.New("platform rejected credentials")
	// ErrSearchFailed is returned when a prefix search is refused or the
	// platform stays unavailable.
	ErrSearchFailed = errors.New("repository search failed")
)

// maxPages bounds a single push timeline walk.
const maxPages = 200

// RepoInfo is the platform metadata kept for one student repository.
type RepoInfo struct {
	ID            int64
	Name          string
	FullName      string
	APIURL        string
	HTTPURL       string
	SSHURL        string
	DefaultBranch string
}

// RepoResult is the outcome of resolving one student's repository.
type RepoResult struct {
	Status hostapi.EndpointStatus
	Info   RepoInfo
}

// PushResult is the outcome of inspecting a repository's push timeline.
// Commit is empty when no push before the deadline was found. For
// CountPushes it is the most recent push.
type PushResult struct {
	Status   hostapi.EndpointStatus
	Pushes   int
	Commit   string
	PushedAt time.Time
}

// Provider is a hosting platform that can locate classroom repositories.
// Implementations are safe for concurrent use.
type Provider interface {
	Name() string
	RepoPrefixCount(ctx context.Context, prefix string) (int, error)
	GetRepo(ctx context.Context, prefix string, student roster.Student) (RepoResult, error)
	CountPushes(ctx context.Context, info RepoInfo) (PushResult, error)
	CommitBefore(ctx context.Context, info RepoInfo, deadline time.Time) (PushResult, error)
	CloneURL(ctx context.Context, info RepoInfo) (string, error)
	Secrets() []string
	Close() error
}

// prefixSearchError maps a non-OK prefix search status. Not found and
// unprocessable mean nothing matched the query.
func prefixSearchError(op string, status hostapi.EndpointStatus) error {
	switch status {
	case hostapi.EndpointStatusNotFound, hostapi.EndpointStatusUnprocessable:
		return nil
	case hostapi.EndpointStatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	default:
		return fmt.Errorf("%s: %w: %s", op, ErrSearchFailed, status)
	}
}
