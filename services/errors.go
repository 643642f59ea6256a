package services

import (
	"errors"
	"time"
)

// Business rejections.
var (
	ErrAlreadyCheckedInToday       = errors.New("already checked in today")
	ErrCompanionsAlreadyAddedToday = errors.New("companions already added today")
)

// Lookups that found nothing.
var (
	ErrUnknownPassSerial   = errors.New("unknown pass serial")
	ErrMemberNotFound      = errors.New("member not found")
	ErrNothingFound        = errors.New("nothing found")
	ErrNoRegisteredDevices = errors.New("no registered devices")
	ErrPassNotFound        = errors.New("pass not found")
)

// Caller mistakes and auth.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidEmail        = errors.New("invalid email")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrInvalidRole         = errors.New("invalid role")
	ErrInvalidWatermark    = errors.New("invalid watermark")
	ErrInvalidDay          = errors.New("invalid day, want YYYY-MM-DD")
)

// ThrottleError is returned when a once-per-day allowance is already used.
// It unwraps to ErrAlreadyCheckedInToday or ErrCompanionsAlreadyAddedToday.
type ThrottleError struct {
	Day     string
	NextDay time.Time
	err     error
}

// NewThrottleError wraps base, one of the business rejections, with the day it applies to.
func NewThrottleError(base error, day string, nextDay time.Time) *ThrottleError {
	return &ThrottleError{Day: day, NextDay: nextDay, err: base}
}

func (e *ThrottleError) Error() string { return e.err.Error() }
func (e *ThrottleError) Unwrap() error { return e.err }

// RetryAfter returns how long until the throttle lifts, measured from now.
func (e *ThrottleError) RetryAfter(now time.Time) time.Duration {
	d := e.NextDay.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsBusinessRejection reports errors that are expected outcomes, not faults.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrAlreadyCheckedInToday) || errors.Is(err, ErrCompanionsAlreadyAddedToday)
}
