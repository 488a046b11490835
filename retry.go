// retry.go: Retry controller for batch writes
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"context"
	"math/rand/v2"
	"time"
)

// Disposition is the terminal outcome of a batch.
type Disposition int

const (
	Persisted Disposition = iota
	Dropped
)

func (d Disposition) String() string {
	if d == Dropped {
		return "dropped"
	}
	return "persisted"
}

// retryPolicy is exponential backoff with full jitter: the n-th retry
// (n starting at 0) sleeps a uniform duration in [0, min(base*2^n, max)].
type retryPolicy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration

	// jitter returns a uniform value in [0, n]. Replaced in tests.
	jitter func(n int64) int64
}

func newRetryPolicy(cfg Config) retryPolicy {
	return retryPolicy{
		maxAttempts: cfg.MaxRetryAttempts,
		base:        cfg.BaseBackoff,
		max:         cfg.MaxBackoff,
		jitter:      func(n int64) int64 { return rand.Int64N(n + 1) },
	}
}

// ceiling is the un-jittered delay before retry n, capped at max.
func (p retryPolicy) ceiling(n int) time.Duration {
	d := p.base
	for i := 0; i < n; i++ {
		if d >= p.max/2 {
			return p.max
		}
		d *= 2
	}
	return min(d, p.max)
}

func (p retryPolicy) backoff(n int) time.Duration {
	c := p.ceiling(n)
	if c <= 0 {
		return 0
	}
	return time.Duration(p.jitter(int64(c)))
}

// retryState belongs to one batch and is discarded with it.
type retryState struct {
	attempts  int
	lastClass FailureClass
	lastErr   error
}

// run calls write until it succeeds, fails permanently, exhausts
// maxAttempts, or ctx is cancelled while backing off. It never cancels a
// write in progress; ctx only interrupts the waits between attempts.
func (p retryPolicy) run(ctx context.Context, write func() error, classifyErr func(error) FailureClass, onRetry func(retryState, time.Duration)) (Disposition, retryState) {
	var st retryState
	for {
		if err := ctx.Err(); err != nil {
			if st.lastErr == nil {
				st.lastErr = err
			}
			return Dropped, st
		}

		err := write()
		st.attempts++
		if err == nil {
			st.lastErr = nil
			return Persisted, st
		}
		st.lastErr = err
		st.lastClass = classifyErr(err)
		if st.lastClass == Permanent || st.attempts >= p.maxAttempts {
			return Dropped, st
		}

		delay := p.backoff(st.attempts - 1)
		if onRetry != nil {
			onRetry(st, delay)
		}
		if !sleepCtx(ctx, delay) {
			return Dropped, st
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
