// File: api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// ErrorCode is a string type used for structured error reporting across the
// planner, locator, executor and verifier. Recovery decisions and exit codes are
// keyed on these values, never on error strings.
type ErrorCode string

const (
	// -- Planning --
	ErrCodePlanning ErrorCode = "PLANNING_ERROR"

	// -- Locator --
	ErrCodeLocatorNotFound  ErrorCode = "LOCATOR_NOT_FOUND"
	ErrCodeLocatorAmbiguous ErrorCode = "LOCATOR_AMBIGUOUS"

	// -- Execution --
	ErrCodeExecutionTimeout ErrorCode = "EXECUTION_TIMEOUT"
	// ErrCodeExecutionTargetStale is raised post-resolution, when the DOM changed
	// between locate and execute.
	ErrCodeExecutionTargetStale ErrorCode = "EXECUTION_TARGET_STALE"
	ErrCodeExecutionError       ErrorCode = "EXECUTION_ERROR"

	// -- Verification --
	ErrCodeVerificationFailed        ErrorCode = "VERIFICATION_FAILED"
	ErrCodeVerificationIndeterminate ErrorCode = "VERIFICATION_INDETERMINATE"

	// -- Session --
	ErrCodeRecoveryExhausted ErrorCode = "RECOVERY_EXHAUSTED"
	ErrCodeSessionAborted    ErrorCode = "SESSION_ABORTED"
	ErrCodeSessionTimedOut   ErrorCode = "SESSION_TIMED_OUT"

	// -- Environment --
	ErrCodeConfig   ErrorCode = "CONFIG_ERROR"
	ErrCodeProvider ErrorCode = "PROVIDER_ERROR"
)

// Sentinel errors returned by browser drivers. The executor maps them onto the
// error codes above.
var (
	ErrElementStale    = errors.New("element handle is stale")
	ErrElementNotFound = errors.New("element not found")
	ErrUnsupported     = errors.New("operation not supported by this driver")
	ErrBrowserClosed   = errors.New("browser is closed")
)

// Session cancellation causes. They are attached to the session context so the
// state machine can tell an external abort apart from the session ceiling.
var (
	ErrSessionAborted  = &AutomationError{Code: ErrCodeSessionAborted, Op: "session", Err: errors.New("cancelled by caller")}
	ErrSessionTimedOut = &AutomationError{Code: ErrCodeSessionTimedOut, Op: "session", Err: errors.New("session timeout ceiling reached")}
)

// AutomationError wraps an underlying error with its taxonomy code and the
// operation that produced it.
type AutomationError struct {
	Code ErrorCode
	Op   string
	Err  error
}

// NewError builds an AutomationError. A nil err is replaced by the code itself.
func NewError(code ErrorCode, op string, err error) *AutomationError {
	if err == nil {
		err = errors.New(string(code))
	}
	return &AutomationError{Code: code, Op: op, Err: err}
}

// Errorf builds an AutomationError from a format string.
func Errorf(code ErrorCode, op, format string, args ...interface{}) *AutomationError {
	return &AutomationError{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *AutomationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *AutomationError) Unwrap() error { return e.Err }

// Is matches any AutomationError carrying the same code.
func (e *AutomationError) Is(target error) bool {
	var t *AutomationError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// CodeOf extracts the taxonomy code of err. Errors outside the taxonomy are
// reported as EXECUTION_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ae *AutomationError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrCodeExecutionError
}
