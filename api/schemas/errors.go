package schemas

import (
	"errors"
	"fmt"
	"strings"
)

// -- Error Taxonomy --

var (
	ErrValidation               = errors.New("validation error")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrResourceUnavailable      = errors.New("resource unavailable")
	ErrCancelled                = errors.New("cancellation requested")
	ErrTaskNotFound             = errors.New("task not found")
	ErrAlreadyRunning           = errors.New("task already running")
	ErrSessionClosed            = errors.New("session closed")

	ErrIdentityUnavailable = fmt.Errorf("identity unavailable: %w", ErrResourceUnavailable)
	ErrProxyUnavailable    = fmt.Errorf("proxy unavailable: %w", ErrResourceUnavailable)
	ErrSessionUnavailable  = fmt.Errorf("browser session unavailable: %w", ErrResourceUnavailable)
)

// ValidationError reports a malformed task option.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// AttemptError is the failure of a single method attempt.
type AttemptError struct {
	Method Method
	Err    error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// AllMethodsExhaustedError aggregates every failed attempt of a cascade.
type AllMethodsExhaustedError struct {
	Attempts []*AttemptError
}

func (e *AllMethodsExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return "all methods exhausted: " + strings.Join(parts, "; ")
}

func (e *AllMethodsExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}
