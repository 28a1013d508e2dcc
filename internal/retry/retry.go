// Package retry provides the backoff policy shared by the store and the
// backend selector. Policies return an explicit Result instead of leaving
// callers to infer what happened from the error alone.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Outcome is the terminal state of a retried operation.
type Outcome int

const (
	// Succeeded means fn returned nil on some attempt.
	Succeeded Outcome = iota
	// Failed means fn returned an error the classifier marked permanent.
	Failed
	// Exhausted means every attempt hit a retryable error, or the context
	// ended while waiting for the next attempt.
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Policy controls how failed operations are retried with exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter spreads each delay by up to +/- Jitter*delay. Zero disables it.
	Jitter float64
	// Retryable classifies errors. Nil treats every error as retryable.
	Retryable Classifier
}

// DefaultPolicy returns a Policy sized for a single local write: 5 attempts,
// 4ms initial delay, 2x multiplier, 40ms max delay, 20% jitter.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 4 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     40 * time.Millisecond,
		Jitter:       0.2,
	}
}

// Result describes how a retried operation ended.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
	Waited   time.Duration
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Outcome == Succeeded
}

// ShouldRetry returns true if the error is retryable and attempt has not
// reached MaxAttempts.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return p.isRetryable(err)
}

func (p *Policy) isRetryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// NextDelay returns the backoff delay after the given attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay. Jitter is not
// applied here.
func (p *Policy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// MaxWait is the longest total time Do can spend sleeping between attempts.
func (p *Policy) MaxWait() time.Duration {
	var total time.Duration
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		total += time.Duration(float64(p.NextDelay(attempt)) * (1 + p.Jitter))
	}
	return total
}

func (p *Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * p.Jitter
	return time.Duration(float64(d) * (1 + spread))
}

// Do runs fn until it succeeds, fails permanently, runs out of attempts, or
// ctx ends during a backoff wait.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) Result {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err := fn(ctx)
		if err == nil {
			res.Outcome = Succeeded
			res.Err = nil
			return res
		}
		res.Err = err
		if !p.isRetryable(err) {
			res.Outcome = Failed
			return res
		}
		if attempt == maxAttempts {
			break
		}

		delay := p.jittered(p.NextDelay(attempt))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Outcome = Exhausted
			return res
		case <-timer.C:
			res.Waited += delay
		}
	}
	res.Outcome = Exhausted
	return res
}
