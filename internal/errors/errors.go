// Package errors defines the closed set of error kinds surfaced by hooktable.
//
// Every failure that crosses a component boundary is an [*Error] carrying a
// [Kind], a human readable message and an HTTP status code hint. Callers test
// for a kind with [KindOf] or [Is]; the HTTP layer reads StatusCode through the
// [ErrorWithStatus] interface.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind identifies an error class. Its string value is the errorName sent to
// clients.
type Kind string

const (
	// KindMissingField is returned when a required request field is absent.
	KindMissingField Kind = "MissingField"
	// KindInvalidTableID is returned when a table id does not match the allowed format.
	KindInvalidTableID Kind = "InvalidTableId"
	// KindCaptchaFailed is returned when the human verification challenge fails.
	KindCaptchaFailed Kind = "CaptchaFailed"
	// KindTableNotFound is returned when an append or ingest targets an unknown table.
	KindTableNotFound Kind = "TableNotFound"
	// KindTableAlreadyExists is returned when creating a table whose id is taken.
	KindTableAlreadyExists Kind = "TableAlreadyExists"
	// KindDuplicateEntry is returned when an ingest payload names a field twice.
	KindDuplicateEntry Kind = "DuplicateEntryInPayload"
	// KindEncryption is returned when a cell cannot be encrypted.
	KindEncryption Kind = "EncryptionError"
	// KindKeyGeneration is returned when a table keypair cannot be generated.
	KindKeyGeneration Kind = "KeyGenerationError"
	// KindInvalidCredentials is returned for an unknown table id or a wrong
	// passphrase. The two cases are deliberately indistinguishable.
	KindInvalidCredentials Kind = "InvalidCredentials"
	// KindDB is returned when the underlying store fails. It is retryable.
	KindDB Kind = "DBError"
	// KindDecryptionStream is returned in-band when a cell fails to decrypt
	// after streaming has started.
	KindDecryptionStream Kind = "DecryptionStreamError"
	// KindRateLimited is returned when a caller exceeds its request budget.
	KindRateLimited Kind = "RateLimited"
	// KindForbidden is returned when a request is refused by policy.
	KindForbidden Kind = "Forbidden"
	// KindInternal is returned for anything unexpected.
	KindInternal Kind = "InternalError"
)

// statusCodes maps each kind to its default HTTP status code.
var statusCodes = map[Kind]int{
	KindMissingField:       http.StatusBadRequest,
	KindInvalidTableID:     http.StatusBadRequest,
	KindCaptchaFailed:      http.StatusForbidden,
	KindTableNotFound:      http.StatusNotFound,
	KindTableAlreadyExists: http.StatusConflict,
	KindDuplicateEntry:     http.StatusConflict,
	KindEncryption:         http.StatusInternalServerError,
	KindKeyGeneration:      http.StatusInternalServerError,
	KindInvalidCredentials: http.StatusUnauthorized,
	KindDB:                 http.StatusServiceUnavailable,
	KindDecryptionStream:   http.StatusInternalServerError,
	KindRateLimited:        http.StatusTooManyRequests,
	KindForbidden:          http.StatusForbidden,
	KindInternal:           http.StatusInternalServerError,
}

// StatusCode returns the default HTTP status code for the kind.
func (k Kind) StatusCode() int {
	if s, ok := statusCodes[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a caller may retry the same request unchanged.
func (k Kind) Retryable() bool {
	return k == KindDB
}

// ErrorWithStatus is an error that includes an HTTP status code and a kind.
type ErrorWithStatus interface {
	Error() string
	StatusCode() int
	Kind() Kind
}

// Error is the concrete error type for every kind.
type Error struct {
	kind       Kind
	message    string
	statusCode int
	wrappedErr error
}

// New creates an Error of the given kind with the kind's default status code.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message, statusCode: kind.StatusCode()}
}

// Newf is like New with a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error of the given kind wrapping err. The wrapped error is
// kept for logging and errors.Is but is not part of Message.
func Wrap(kind Kind, message string, err error) *Error {
	e := New(kind, message)
	e.wrappedErr = err
	return e
}

// WithStatus overrides the status code hint.
func (e *Error) WithStatus(statusCode int) *Error {
	e.statusCode = statusCode
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Kind returns the error kind.
func (e *Error) Kind() Kind {
	return e.kind
}

// Message returns the client-facing message, without the wrapped cause.
func (e *Error) Message() string {
	return e.message
}

// StatusCode returns the HTTP status code hint.
func (e *Error) StatusCode() int {
	return e.statusCode
}

// Retryable reports whether the error is transient.
func (e *Error) Retryable() bool {
	return e.kind.Retryable()
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal if err carries none. It
// returns "" for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.kind == kind
}

// Public returns the kind and client-facing message of err. Errors without a
// kind are reported as KindInternal with a generic message so that internal
// details never reach a client.
func Public(err error) (Kind, string) {
	if e, ok := As(err); ok {
		return e.kind, e.message
	}
	return KindInternal, "An unknown error occurred"
}

// Predefined constructors for the common cases.

// MissingField creates a MissingField error.
func MissingField(message string) *Error {
	return New(KindMissingField, message)
}

// InvalidTableID creates an InvalidTableId error.
func InvalidTableID(message string) *Error {
	return New(KindInvalidTableID, message)
}

// TableNotFound creates a TableNotFound error.
func TableNotFound() *Error {
	return New(KindTableNotFound, "tableId not found")
}

// InvalidCredentials creates the single error returned for both an unknown
// table and a wrong passphrase.
func InvalidCredentials() *Error {
	return New(KindInvalidCredentials, "Invalid tableId or password")
}

// DB creates a DBError wrapping the store failure.
func DB(message string, err error) *Error {
	return Wrap(KindDB, message, err)
}

// Internal creates an InternalError wrapping err.
func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}
