// Package errors defines the typed error vocabulary shared by every
// component of the control plane. Loops classify failures into a Kind so
// that propagation policy (retry, log-and-continue, surface to the caller)
// can be decided by switching on it instead of string-matching messages.
package errors

import "fmt"

// Kind classifies an AppError for propagation and HTTP-status purposes.
type Kind string

const (
	KindConfig          Kind = "config"
	KindTransport       Kind = "transport"
	KindAuthDenied      Kind = "auth_denied"
	KindUnknownDatabase Kind = "unknown_database"
	KindProtocolState   Kind = "protocol_state"
	KindKubectlExit     Kind = "kubectl_exit"
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation"
	KindAlreadyExists   Kind = "already_exists"
	KindInternal        Kind = "internal"
)

// AppError is the error type returned across package boundaries in this
// module. Message is a human-readable summary; Details carries additional
// diagnostic context (e.g. stderr from a kubectl invocation); Cause wraps
// the underlying error for errors.Is/As.
type AppError struct {
	Kind       Kind
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches diagnostic context and returns the same error.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// New creates an AppError of the given kind with no underlying cause.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, StatusCode: statusFor(kind)}
}

// Wrap creates an AppError of the given kind wrapping err.
func Wrap(err error, kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Cause: err, StatusCode: statusFor(kind)}
}

// Wrapf is Wrap with fmt.Sprintf formatting on message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *AppError {
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// IsKind reports whether err is an *AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	ae, ok := err.(*AppError)
	if !ok {
		return false
	}
	return ae.Kind == kind
}

func statusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return 400
	case KindAuthDenied:
		return 401
	case KindNotFound:
		return 404
	case KindAlreadyExists:
		return 409
	case KindConfig, KindTransport, KindUnknownDatabase, KindProtocolState, KindKubectlExit, KindInternal:
		return 500
	default:
		return 500
	}
}

// NewValidationError builds a KindValidation error for bad API input.
func NewValidationError(message string) *AppError {
	return New(KindValidation, message)
}

// NewNotFoundError builds a KindNotFound error for a missing object.
func NewNotFoundError(resource string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

// NewAlreadyExistsError builds a KindAlreadyExists error for a duplicate robot name.
func NewAlreadyExistsError(resource string) *AppError {
	return New(KindAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

// NewTransportError wraps a transport-layer failure (SSH or MySQL network).
func NewTransportError(err error, op string) *AppError {
	return Wrapf(err, KindTransport, "transport operation failed: %s", op)
}

// NewKubectlExitError builds a KindKubectlExit error carrying the remote stderr.
func NewKubectlExitError(op, stderr string) *AppError {
	return New(KindKubectlExit, fmt.Sprintf("kubectl %s failed", op)).WithDetails(stderr)
}
