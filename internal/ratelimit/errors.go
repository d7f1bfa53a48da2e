package ratelimit

import (
	"errors"
	"fmt"
	"strings"
)

// RateLimitedError marks an upstream throttling failure. The limiter retries
// these with backoff; the job queue resets such jobs to pending without
// burning their retry budget.
type RateLimitedError struct {
	StatusCode int
	Message    string
}

func (e *RateLimitedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("rate limited (status %d): %s", e.StatusCode, e.Message)
}

// statusCoder is satisfied by provider errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"rate-limit",
	"too many requests",
	"quota exceeded",
	"credentials exhausted",
}

// IsRateLimited classifies an error as rate-limit-shaped: a typed
// RateLimitedError, any error exposing an HTTP 429 status, or a message
// carrying a recognized throttling marker.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == 429 {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
