// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// retry.go - Shared retry logic.

// Package retry provides the retry policies shared by the handshake and
// transit components: a single "try, invalidate, try once more" combinator
// and exponential backoff for outbox requeues.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the default number of outbox delivery attempts
	// before an item is dropped with a reported status.
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the default base delay between outbox attempts.
	DefaultBaseDelay = 5 * time.Second

	// DefaultMaxDelay is the default maximum delay between outbox attempts.
	DefaultMaxDelay = 30 * time.Minute

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

var jitterRand = rand.NewMath()

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Twice will not attempt it a second time.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent returns true if err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Twice runs fn.  If the first attempt fails with an error that is not
// Permanent, invalidate is called (typically to drop cached key material)
// and fn is run exactly once more.  The error of the last attempt is
// returned with any Permanent marker removed.
func Twice(ctx context.Context, fn func(ctx context.Context, attempt int) error, invalidate func()) error {
	err := fn(ctx, 0)
	if err == nil {
		return nil
	}
	if IsPermanent(err) || ctx.Err() != nil {
		return unwrapPermanent(err)
	}
	if invalidate != nil {
		invalidate()
	}
	return unwrapPermanent(fn(ctx, 1))
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 {
		delay *= 1 - jitter + jitterRand.Float64()*2*jitter
	}
	return time.Duration(delay)
}
