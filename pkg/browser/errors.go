package browser

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-webtap/webtap/pkg/accounts"
)

// ErrLoginRequired is returned when a page is requested for an identity whose
// login has not been verified. Callers route to the login flow.
var ErrLoginRequired = errors.New("browser: login required")

// ErrEngineNotReady is returned when the automation engine did not finish
// initializing within the acquire wait budget.
var ErrEngineNotReady = errors.New("browser: automation engine not ready")

// TransientError marks an automation failure that is expected to resolve by
// retrying in place (page mid-navigation, target momentarily unreachable).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return "transient automation error during " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a transient automation error.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SessionUnavailableError means the pool could not produce a live session for
// an identity after bounded retries. Retryable from the caller's side.
type SessionUnavailableError struct {
	Identity accounts.Identity
	Attempts int
	Err      error
}

func (e *SessionUnavailableError) Error() string {
	return "session unavailable for " + e.Identity.Key() + ": " + e.Err.Error()
}

func (e *SessionUnavailableError) Unwrap() error { return e.Err }

func IsSessionUnavailable(err error) bool {
	var se *SessionUnavailableError
	return errors.As(err, &se)
}

// transientMessages are CDP error fragments seen while a page is navigating or
// a target is momentarily detached. Anything else is treated as fatal for the
// resource it hit.
var transientMessages = []string{
	"execution context was destroyed",
	"cannot find context with specified id",
	"not attached to an active page",
	"loaderid is mismatched",
	"frame with the given id was not found",
}

// classifyAutomationError folds raw CDP/rod errors into the taxonomy. Context
// errors pass through so cancellation is never retried.
func classifyAutomationError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientMessages {
		if strings.Contains(msg, frag) {
			return Transient(op, err)
		}
	}
	return errors.Wrap(err, op)
}
