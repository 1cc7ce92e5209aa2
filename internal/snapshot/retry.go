package snapshot

import (
	"context"

	"github.com/cam3ron2/classroom-snapshot/internal/gitcmd"
)

// Attempt describes one failed git operation handed to a RetryPolicy.
type Attempt struct {
	Op     string
	Repo   string
	Number int
	Err    error
	Output gitcmd.Output
}

// RetryPolicy decides whether a failed clone or reset is tried again.
type RetryPolicy interface {
	ShouldRetry(ctx context.Context, attempt Attempt) bool
}

// RetryFunc adapts a function to RetryPolicy.
type RetryFunc func(ctx context.Context, attempt Attempt) bool

// ShouldRetry calls f.
func (f RetryFunc) ShouldRetry(ctx context.Context, attempt Attempt) bool {
	return f(ctx, attempt)
}

// RetryTimes retries a failed operation up to n additional times.
func RetryTimes(n int) RetryPolicy {
	return RetryFunc(func(ctx context.Context, attempt Attempt) bool {
		return ctx.Err() == nil && attempt.Number <= n
	})
}

// NoRetry surfaces the first failure.
func NoRetry() RetryPolicy {
	return RetryTimes(0)
}
