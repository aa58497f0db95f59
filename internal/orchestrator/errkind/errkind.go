package errkind

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an operation failed, independent of the Go type
// that carries it. The Agent Loop and Coordinator branch on kind, not on
// concrete error types, so every constructor below returns a *KindError
// carrying one of these sentinels, inspected with Is (or errors.As).
type ErrorKind struct{ name string }

func (k ErrorKind) String() string { return k.name }

var (
	// ErrValidation covers bad user input or bad tool arguments. Never retried.
	ErrValidation = ErrorKind{"validation"}
	// ErrSandboxViolation covers path traversal or an absolute path outside
	// the sandbox base. Never retried; the sandbox returns it without
	// logging it.
	ErrSandboxViolation = ErrorKind{"sandbox_violation"}
	// ErrNotFound covers a missing file, session, or work.
	ErrNotFound = ErrorKind{"not_found"}
	// ErrResourceLimit covers size caps, result caps, the iteration cap, and
	// timeouts. bash timeouts are reported as a structured response instead
	// of this kind so the model can react to them directly.
	ErrResourceLimit = ErrorKind{"resource_limit"}
	// ErrTransient covers provider/network failures eligible for retry.
	ErrTransient = ErrorKind{"transient"}
	// ErrAuthentication covers provider credential failures. The provider
	// adapters do not produce this kind, and nothing marks a provider
	// unusable when it appears; the HTTP transport maps it to 401.
	ErrAuthentication = ErrorKind{"authentication"}
	// ErrInternal covers bugs and invariant violations. It is surfaced with
	// its message only; no opaque id is attached.
	ErrInternal = ErrorKind{"internal"}
)

// KindError is a typed error carrying one of the ErrorKind sentinels plus a
// human-readable reason. Is(err, SomeKind) matches any KindError in err's
// chain constructed with that kind.
type KindError struct {
	Kind    ErrorKind
	Op      string // component/operation that produced the error, e.g. "read_file"
	Message string
	Cause   error
}

func (e *KindError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KindError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, target) match when target is a *KindError with the
// same kind. ErrorKind values are plain structs and not errors, so a bare
// kind cannot be passed to errors.Is; use the package-level Is for that.
func (e *KindError) Is(target error) bool {
	if ke, ok := target.(*KindError); ok {
		return e.Kind == ke.Kind
	}
	return false
}

func newKindError(kind ErrorKind, op, message string, cause error) *KindError {
	return &KindError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind ErrorKind) bool {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

func NewValidationError(op, msg string) error        { return newKindError(ErrValidation, op, msg, nil) }
func NewSandboxViolation(op, msg string) error        { return newKindError(ErrSandboxViolation, op, msg, nil) }
func NewNotFoundError(op, msg string) error           { return newKindError(ErrNotFound, op, msg, nil) }
func NewResourceLimitError(op, msg string) error      { return newKindError(ErrResourceLimit, op, msg, nil) }
func NewTransientError(op, msg string, cause error) error {
	return newKindError(ErrTransient, op, msg, cause)
}
func NewAuthenticationError(op, msg string) error { return newKindError(ErrAuthentication, op, msg, nil) }
func NewInternalError(op, msg string, cause error) error {
	return newKindError(ErrInternal, op, msg, cause)
}
