package downloader

import (
	"context"
	"errors"
	"time"
)

// Class is the failure classification made by a RetryPolicy.
type Class int

const (
	// ClassTransient failures are retried with exponential backoff, a
	// bounded number of times.
	ClassTransient Class = iota
	// ClassRateLimited failures wait out the remote's cooldown and are
	// retried without limit.
	ClassRateLimited
	// ClassFatal failures fail the whole job.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate-limited"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Decision tells a worker what to do with a failed chunk.
type Decision struct {
	Class      Class
	RetryAfter time.Duration
}

// RetryPolicy classifies chunk failures and computes delays.
type RetryPolicy struct {
	// BaseDelay is the first transient backoff. Default: 500ms.
	BaseDelay time.Duration
	// MaxDelay caps the transient backoff. Default: 30s.
	MaxDelay time.Duration
	// MaxAttempts bounds counted attempts per chunk. Default: 5.
	MaxAttempts int
	// RateLimitWait is used when the remote signals a cooldown without a
	// duration. Default: 5s.
	RateLimitWait time.Duration
}

// DefaultRetryPolicy returns the policy used when Config.Retry is zero.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		MaxAttempts:   5,
		RateLimitWait: 5 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RateLimitWait <= 0 {
		p.RateLimitWait = d.RateLimitWait
	}
	return p
}

// Decide classifies err. attempts is the number of counted attempts made on
// the chunk, including the one that produced err.
func (p RetryPolicy) Decide(err error, attempts int) Decision {
	p = p.withDefaults()

	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		wait := rl.Wait
		if wait <= 0 {
			wait = p.RateLimitWait
		}
		return Decision{Class: ClassRateLimited, RetryAfter: wait}
	case errors.Is(err, ErrFatalRemote),
		errors.Is(err, ErrSizeMismatch),
		errors.Is(err, ErrAllocation),
		errors.Is(err, context.Canceled):
		return Decision{Class: ClassFatal}
	}

	if attempts >= p.MaxAttempts {
		return Decision{Class: ClassFatal}
	}
	return Decision{Class: ClassTransient, RetryAfter: p.backoff(attempts)}
}

// backoff returns BaseDelay * 2^(attempts-1), capped at MaxDelay.
func (p RetryPolicy) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}
