// Package retry classifies webhook handler failures and schedules the next
// attempt.
package retry

import (
	"errors"
	"math/rand/v2"
	"time"

	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/sentinel"
)

// Class is the stored error_code of a failed attempt.
type Class string

const (
	ClassSignatureInvalid Class = "signature_invalid"
	ClassUnknownEventType Class = "unknown_event_type"
	ClassValidation       Class = "validation_error"
	ClassDatabase         Class = "database_error"
	ClassHandlerNotFound  Class = "handler_not_found"
	ClassHandler          Class = "handler_error"
)

// Retryable reports whether another attempt can succeed. A catalogued event
// without a handler is retryable: the handler may ship in the next deploy.
func (c Class) Retryable() bool {
	switch c {
	case ClassDatabase, ClassHandlerNotFound, ClassHandler:
		return true
	}
	return false
}

// MaxRetryAttempts is the default number of handler invocations before a
// webhook is dead-lettered.
const MaxRetryAttempts = 5

// Schedule is the delay after the n-th failed attempt, indexed from zero.
var Schedule = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
}

// DefaultJitter spreads retries by up to ±10%.
const DefaultJitter = 0.1

// CalculateNextAttempt returns when to retry after attempt failed attempts,
// or nil once attempt reaches MaxRetryAttempts.
func CalculateNextAttempt(now time.Time, attempt int) *time.Time {
	return calculate(now, attempt, MaxRetryAttempts)
}

func calculate(now time.Time, attempt, maxAttempts int) *time.Time {
	if attempt < 1 || attempt >= maxAttempts {
		return nil
	}
	next := now.Add(delay(attempt))
	return &next
}

func delay(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(Schedule) {
		i = len(Schedule) - 1
	}
	return Schedule[i]
}

// Policy decides the fate of a failed attempt.
type Policy struct {
	MaxAttempts int
	// Jitter is the fraction, in [0, 1), a delay may move either way.
	Jitter float64
	// Rand returns values in [0, 1). Defaults to math/rand.
	Rand func() float64
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: MaxRetryAttempts}
}

// Next returns the next attempt time for a failure of class after attempt
// invocations, or nil when the webhook should be dead-lettered.
func (p Policy) Next(now time.Time, attempt int, class Class) *time.Time {
	if !class.Retryable() {
		return nil
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = MaxRetryAttempts
	}
	if attempt < 1 || attempt >= maxAttempts {
		return nil
	}
	d := delay(attempt)
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration((r()*2 - 1) * p.Jitter * float64(d))
	}
	next := now.Add(d)
	return &next
}

// Error attaches a class to a handler failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with class.
func NewError(class Class, err error) error {
	return &Error{Class: class, Err: err}
}

// Classify maps a handler error to its class. Unclassified errors are
// generic handler failures and are retried.
func Classify(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, sentinel.ErrUnavailable), dErrors.HasCode(err, dErrors.CodeDatabase), dErrors.HasCode(err, dErrors.CodeTimeout):
		return ClassDatabase
	case dErrors.HasCode(err, dErrors.CodeValidation), dErrors.HasCode(err, dErrors.CodeInvalidInput):
		return ClassValidation
	}
	return ClassHandler
}
