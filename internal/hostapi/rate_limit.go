package hostapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Reasons reported in Decision.Reason.
const (
	ReasonNoHeaders      = "no_rate_headers"
	ReasonWithinBudget   = "within_budget"
	ReasonResetElapsed   = "reset_elapsed"
	ReasonLowRemaining   = "remaining_below_threshold"
	ReasonSecondaryLimit = "secondary_limit"
)

// RateLimitHeaders is the rate-limit state a platform reported on one
// response. GitHub sends X-RateLimit-*; GitLab sends RateLimit-* and an
// HTTP-date RateLimit-ResetTime.
type RateLimitHeaders struct {
	Present          bool
	Remaining        int
	Used             int
	ResetAt          time.Time
	RetryAfter       time.Duration
	SecondaryLimited bool
}

// Decision says whether the next request may go out now.
type Decision struct {
	Allow   bool
	WaitFor time.Duration
	Reason  string
}

func (d Decision) String() string {
	if d.Allow {
		return d.Reason
	}
	return d.Reason + " wait " + d.WaitFor.String()
}

// RateLimitPolicy turns reported headers into a Decision.
type RateLimitPolicy struct {
	// MinRemainingThreshold pauses once the remaining budget drops below it.
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
	// MaxWait bounds a single rate-limit pause; zero means unbounded.
	MaxWait time.Duration
	Now     func() time.Time
}

// ParseRateLimitHeaders reads whichever header family the response carries.
// Unparseable values are treated as absent.
func ParseRateLimitHeaders(header http.Header, statusCode int) RateLimitHeaders {
	remaining := firstHeader(header, "X-RateLimit-Remaining", "RateLimit-Remaining")
	parsed := RateLimitHeaders{
		Present:   remaining != "",
		Remaining: atoiOrZero(remaining),
		Used:      atoiOrZero(firstHeader(header, "X-RateLimit-Used", "RateLimit-Observed")),
	}

	if epoch, err := strconv.ParseInt(firstHeader(header, "X-RateLimit-Reset", "RateLimit-Reset"), 10, 64); err == nil && epoch > 0 {
		parsed.ResetAt = time.Unix(epoch, 0)
	} else if at, err := http.ParseTime(header.Get("RateLimit-ResetTime")); err == nil {
		parsed.ResetAt = at
	}

	if seconds := atoiOrZero(header.Get("Retry-After")); seconds > 0 {
		parsed.RetryAfter = time.Duration(seconds) * time.Second
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		parsed.SecondaryLimited = true
	case statusCode == http.StatusForbidden && parsed.RetryAfter > 0:
		parsed.SecondaryLimited = true
	}
	return parsed
}

// Evaluate decides whether calls may continue or should pause.
func (p RateLimitPolicy) Evaluate(headers RateLimitHeaders) Decision {
	if headers.SecondaryLimited {
		return Decision{
			WaitFor: max(p.SecondaryLimitBackoff, headers.RetryAfter),
			Reason:  ReasonSecondaryLimit,
		}
	}
	if !headers.Present {
		return Decision{Allow: true, Reason: ReasonNoHeaders}
	}
	if headers.Remaining >= p.MinRemainingThreshold {
		return Decision{Allow: true, Reason: ReasonWithinBudget}
	}

	now := p.now()
	if !headers.ResetAt.After(now) {
		return Decision{Allow: true, Reason: ReasonResetElapsed}
	}
	return Decision{
		WaitFor: headers.ResetAt.Sub(now) + p.MinResetBuffer,
		Reason:  ReasonLowRemaining,
	}
}

func (p RateLimitPolicy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func firstHeader(header http.Header, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(header.Get(key)); value != "" {
			return value
		}
	}
	return ""
}

func atoiOrZero(raw string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return parsed
}
