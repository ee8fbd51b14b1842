// Package apperr defines the error taxonomy shared by the connection core.
//
// Every failure that crosses a component boundary is classified by Kind so the
// state machine can decide retryability without inspecting message text, and
// carries a user-safe message separate from the debug detail kept for logs.
package apperr

import (
	"errors"
	"os"
	"strings"
)

// Kind classifies an error by origin.
type Kind string

const (
	// KindValidation is a bad configuration rejected before any network action.
	KindValidation Kind = "validation"
	// KindSecurity is a preflight policy failure.
	KindSecurity Kind = "security"
	// KindProcess is an adapter process start, verify or exit failure.
	KindProcess Kind = "process"
	// KindNetwork is a connectivity failure.
	KindNetwork Kind = "network"
	// KindTimeout is a stage that exceeded its budget.
	KindTimeout Kind = "timeout"
	// KindStorage is a secret store encrypt, decrypt or I/O failure.
	KindStorage Kind = "storage"
	// KindInternal is a defect such as state machine misuse.
	KindInternal Kind = "internal"
)

// Retryable reports whether re-running the flow from preflight can succeed
// without code changes.
func (k Kind) Retryable() bool {
	return k != KindInternal && k != ""
}

// Error is a classified error.
type Error struct {
	Kind Kind
	// Op names the operation or stage that failed, e.g. "knock".
	Op string
	// UserSafe is shown to users. It must not contain secrets or paths.
	UserSafe string
	// Err is the underlying cause, kept for logs and errors.Is.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.UserSafe
	if strings.TrimSpace(msg) == "" {
		msg = "operation failed"
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op, userSafe string, err error) *Error {
	return &Error{Kind: kind, Op: op, UserSafe: userSafe, Err: err}
}

// Validation wraps err as a validation error.
func Validation(op string, err error) *Error {
	return New(KindValidation, op, errMessage(err), err)
}

// Security wraps err as a security policy error.
func Security(op string, err error) *Error {
	return New(KindSecurity, op, errMessage(err), err)
}

// Internal wraps err as an internal defect.
func Internal(op string, err error) *Error {
	return New(KindInternal, op, errMessage(err), err)
}

// Storage wraps err as a storage error.
func Storage(op string, err error) *Error {
	return New(KindStorage, op, errMessage(err), err)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// KindOf returns the Kind of the first classified error in err's chain.
// Unclassified errors are reported as KindProcess.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProcess
}

// Retryable reports whether err is a retryable failure.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage returns a message safe to show in CLI or UI contexts.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return RedactMessage(e.Error())
	}
	return RedactMessage(err.Error())
}

// DebugMessage returns the full error chain for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Error() + ": " + e.Err.Error()
	}
	return err.Error()
}

// RedactMessage replaces the user's home directory with "~".
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		msg = strings.ReplaceAll(msg, home, "~")
	}
	return msg
}
