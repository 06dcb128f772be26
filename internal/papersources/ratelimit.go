// Package papersources holds the HTTP plumbing shared by the metadata,
// preprint, and PDF services the DOI cache talks to.
package papersources

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket guarding one remote service. It is safe for
// concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows ratePerSecond sustained requests with bursts of up
// to burst requests. Typical settings: Crossref 10/s, the bioRxiv API 2/s.
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Wait blocks until a request is allowed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow consumes a token if one is available without waiting.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}
