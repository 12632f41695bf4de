package retry

import (
	"context"
	"time"
)

// Class tells Do how to treat an error returned by the retried operation
type Class int

const (
	// Permanent errors are returned immediately
	Permanent Class = iota
	// Conflict errors are retried at once, up to Policy.ConflictRetries times,
	// and then fall back to the transient path
	Conflict
	// Transient errors are retried with exponential backoff
	Transient
)

// Policy bounds the retries performed by Do
type Policy struct {
	MaxAttempts     int
	ConflictRetries int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

// Backoff returns the wait before the given zero-based transient retry
func (p Policy) Backoff(retry int) time.Duration {
	base := p.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if retry > 30 {
		retry = 30
	}
	backoff := base * time.Duration(1<<uint(retry))
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Do runs fn until it succeeds, fails permanently or the policy is
// exhausted. It returns the number of times fn ran and the last error.
func Do(ctx context.Context, p Policy, classify func(error) Class, fn func() error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		err       error
		runs      int
		conflicts int
		transient int
	)
	for {
		runs++
		err = fn()
		if err == nil {
			return runs, nil
		}

		class := classify(err)
		if class == Conflict && conflicts < p.ConflictRetries {
			conflicts++
			continue
		}
		if class == Permanent {
			return runs, err
		}

		transient++
		if transient >= maxAttempts {
			return runs, err
		}

		select {
		case <-time.After(p.Backoff(transient - 1)):
		case <-ctx.Done():
			return runs, ctx.Err()
		}
	}
}
