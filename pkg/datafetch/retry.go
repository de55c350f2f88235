// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy is the single retry/backoff schedule used for every fetch.
type RetryPolicy struct {
	// Retries is the number of extra attempts after the first one.
	Retries int
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay between retries.
	Max time.Duration
	// Multiplier grows the delay after each retry.
	Multiplier float64
	// Jitter adds up to this much random delay.
	Jitter time.Duration

	// sleep is swapped out in tests.
	sleep func(context.Context, time.Duration) bool
}

// DefaultRetryPolicy mirrors the downloader defaults: 4 retries, 400ms
// growing by 1.6 up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:    4,
		Initial:    400 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 1.6,
		Jitter:     120 * time.Millisecond,
	}
}

// Delays returns the backoff schedule without jitter, one entry per retry.
func (p RetryPolicy) Delays() []time.Duration {
	out := make([]time.Duration, 0, p.Retries)
	b := p.newBackoff()
	b.jitter = 0
	for i := 0; i < p.Retries; i++ {
		out = append(out, b.Next())
	}
	return out
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts are
// exhausted or ctx is canceled. onRetry is called before each backoff sleep.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, err error)) (int, error) {
	b := p.newBackoff()
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var lastErr error
	for attempt := 1; attempt <= p.Retries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !IsRetryable(lastErr) || attempt > p.Retries {
			return attempt, lastErr
		}
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		if !sleep(ctx, b.Next()) {
			return attempt, lastErr
		}
	}
	return p.Retries + 1, lastErr
}

// IsRetryable reports whether err is a transport failure worth retrying.
// Digest mismatches are never retried.
func IsRetryable(err error) bool {
	var hm *HashMismatchError
	if errors.As(err, &hm) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}

// backoff implements exponential backoff with jitter.
type backoff struct {
	next   time.Duration
	max    time.Duration
	mult   float64
	jitter time.Duration
}

func (p RetryPolicy) newBackoff() *backoff {
	init, max, mult := p.Initial, p.Max, p.Multiplier
	if init <= 0 {
		init = 400 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if mult < 1 {
		mult = 1.6
	}
	return &backoff{next: init, max: max, mult: mult, jitter: p.Jitter}
}

// Next returns the next backoff duration.
func (b *backoff) Next() time.Duration {
	d := b.next
	if b.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.jitter)))
	}
	b.next = time.Duration(float64(b.next) * b.mult)
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// sleepCtx waits for d or returns false if ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
