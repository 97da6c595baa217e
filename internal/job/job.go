// Package job defines the schedulable unit of work: the Runner interface
// collaborators implement, the static Definition binding an id to a schedule
// and a runner, and the startup-built Registry.
package job

import (
	"context"
	"errors"
)

// Result carries optional metadata a collaborator reports on success.
// Summary is a short human-readable line; Meta is persisted with the run
// record as JSON.
type Result struct {
	Summary string
	Meta    map[string]string
}

// Runner is the uniform interface between the scheduler and a collaborator.
//
// Run must honor ctx cancellation promptly: the scheduler cancels ctx on
// timeout and abandons the call after a grace period, so work left behind
// must be safe to orphan.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Func adapts a plain function to Runner.
type Func func(ctx context.Context) (Result, error)

func (f Func) Run(ctx context.Context) (Result, error) { return f(ctx) }

// NoRetry marks an error as permanent. Collaborators wrap failures that
// more attempts cannot fix (bad configuration, rejected input) so the
// retry controller exhausts them on the first try.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

// IsNoRetry reports whether err carries a NoRetry mark anywhere in its
// chain.
func IsNoRetry(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type permanentError struct{ cause error }

func (e *permanentError) Error() string { return "no-retry: " + e.cause.Error() }
func (e *permanentError) Unwrap() error { return e.cause }
