package domain

import (
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RetryDecision tells the worker whether and when to re-enqueue a job.
type RetryDecision struct {
	ShouldRetry      bool
	DelayBeforeRetry time.Duration
}

// RetryPolicy is exponential backoff with per-job jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	// Jitter is the maximum fraction shaved off a delay, in [0,1).
	Jitter float64
}

// DefaultRetryPolicy returns base 2s, factor 2, max 60s, 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		Factor:      2,
		MaxDelay:    60 * time.Second,
		Jitter:      0.2,
	}
}

// Decide returns the retry decision for a job that just failed with class.
// job.Attempts counts the attempt that failed.
//
// The jitter fraction is derived from the job ID, so delays for one job never
// decrease across attempts while different jobs spread out.
func (p RetryPolicy) Decide(job Job, class ErrorClass) RetryDecision {
	if class != ClassTransient || job.Attempts >= p.MaxAttempts {
		return RetryDecision{}
	}
	return RetryDecision{ShouldRetry: true, DelayBeforeRetry: p.delay(job)}
}

func (p RetryPolicy) delay(job Job) time.Duration {
	n := job.Attempts
	if n < 1 {
		n = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.BaseDelay) * math.Pow(factor, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 - p.Jitter*jitterFraction(job.ID)
	}
	return time.Duration(d)
}

// jitterFraction maps an ID to [0,1).
func jitterFraction(id string) float64 {
	return float64(xxhash.Sum64String(id)>>11) / float64(uint64(1)<<53)
}
