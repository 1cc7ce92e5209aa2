package hostapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cam3ron2/classroom-snapshot/internal/telemetry"
)

const tracerName = "classroom-snapshot/internal/hostapi"

// ErrRateLimitWait is returned when the platform asks for a pause longer
// than RateLimitPolicy.MaxWait.
var ErrRateLimitWait = errors.New("rate limit pause exceeds max wait")

// RetryConfig configures hosting API client retry behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallMetadata reports execution metadata for a client call.
type CallMetadata struct {
	Attempts        int
	Waited          time.Duration
	LastRateHeaders RateLimitHeaders
	LastDecision    Decision
}

// Client is the per-provider session. Every worker of a run shares it, so
// a low budget reported on one response holds back the next request of
// every worker.
type Client struct {
	doer       HTTPDoer
	retry      RetryConfig
	ratePolicy RateLimitPolicy
	// Wait pauses between attempts and returns early with ctx's error.
	Wait func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	resumeAt time.Time
}

// NewClient creates a hosting API client wrapper.
func NewClient(doer HTTPDoer, retry RetryConfig, ratePolicy RateLimitPolicy) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		doer:       doer,
		retry:      retry,
		ratePolicy: ratePolicy,
		Wait:       waitContext,
	}
}

// Do sends req, retrying transport errors and 5xx with exponential backoff.
// A 403 or 429 the rate-limit policy reads as a limit is retried after the
// pause it asks for. A successful response reporting a low budget is
// returned as is and delays the session's next request instead. The last
// response is returned as is once attempts run out.
func (c *Client) Do(req *http.Request) (*http.Response, CallMetadata, error) {
	if req == nil {
		return nil, CallMetadata{}, fmt.Errorf("request is nil")
	}

	ctx, end := telemetry.StartDetailSpan(req.Context(), tracerName, "hostapi.request",
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.URL.EscapedPath()),
	)
	resp, metadata, err := c.do(ctx, req)
	end(err)
	return resp, metadata, err
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, CallMetadata, error) {
	var metadata CallMetadata
	for attempt := 1; ; attempt++ {
		metadata.Attempts = attempt
		last := attempt >= c.retry.MaxAttempts

		held, err := c.holdForBudget(ctx)
		metadata.Waited += held
		if err != nil {
			return nil, metadata, err
		}

		resp, err := c.doer.Do(req.Clone(ctx))
		var pause time.Duration
		var reason string
		if err != nil {
			if last || ctx.Err() != nil {
				return nil, metadata, err
			}
			pause, reason = backoffForAttempt(c.retry, attempt), "transport_error"
		} else {
			metadata.LastRateHeaders = ParseRateLimitHeaders(resp.Header, resp.StatusCode)
			metadata.LastDecision = c.ratePolicy.Evaluate(metadata.LastRateHeaders)
			switch {
			case !metadata.LastDecision.Allow && isLimitDenial(resp.StatusCode):
				pause, reason = metadata.LastDecision.WaitFor, metadata.LastDecision.Reason
				if c.ratePolicy.MaxWait > 0 && pause > c.ratePolicy.MaxWait {
					discardBody(resp)
					return nil, metadata, fmt.Errorf("%w: %s for %s", ErrRateLimitWait, reason, pause.Round(time.Second))
				}
			case isTransientStatus(resp.StatusCode):
				pause, reason = backoffForAttempt(c.retry, attempt), "transient_status"
			default:
				if !metadata.LastDecision.Allow {
					c.deferNext(metadata.LastDecision.WaitFor)
				}
				return resp, metadata, nil
			}
			if last {
				return resp, metadata, nil
			}
			discardBody(resp)
		}

		telemetry.AddEvent(ctx, "retry",
			attribute.Int("hostapi.attempt", attempt),
			attribute.String("hostapi.reason", reason),
			attribute.Int64("hostapi.pause_ms", pause.Milliseconds()),
		)
		if err := c.Wait(ctx, pause); err != nil {
			return nil, metadata, err
		}
		metadata.Waited += pause
	}
}

// deferNext holds back the session's next request for d.
func (c *Client) deferNext(d time.Duration) {
	at := c.ratePolicy.now().Add(d)
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.resumeAt) {
		c.resumeAt = at
	}
}

// holdForBudget waits out a pause set by deferNext, capped at MaxWait. The
// hold is cleared once served; the next response re-arms it if the budget
// is still low.
func (c *Client) holdForBudget(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	resumeAt := c.resumeAt
	pause := resumeAt.Sub(c.ratePolicy.now())
	c.mu.Unlock()
	if pause <= 0 {
		return 0, nil
	}
	if c.ratePolicy.MaxWait > 0 {
		pause = min(pause, c.ratePolicy.MaxWait)
	}

	telemetry.AddEvent(ctx, "rate_limit_hold",
		attribute.Int64("hostapi.pause_ms", pause.Milliseconds()),
	)
	if err := c.Wait(ctx, pause); err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.resumeAt.Equal(resumeAt) {
		c.resumeAt = time.Time{}
	}
	c.mu.Unlock()
	return pause, nil
}

// RoundTripper exposes the retrying client as an http.RoundTripper so SDK
// clients built on *http.Client share the same session and policies.
func (c *Client) RoundTripper() http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		resp, _, err := c.Do(req)
		return resp, err
	})
}

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func waitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isLimitDenial(statusCode int) bool {
	return statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests
}

func isTransientStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}

func backoffForAttempt(retry RetryConfig, attempt int) time.Duration {
	backoff := retry.InitialBackoff << (attempt - 1)
	if backoff <= 0 || (retry.MaxBackoff > 0 && backoff > retry.MaxBackoff) {
		return retry.MaxBackoff
	}
	return backoff
}
