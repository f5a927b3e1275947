package errors

import (
	stderrors "errors"
	"fmt"
)

// Entity names carried by NOT_FOUND errors in Metadata["Entity"].
const (
	EntityPrincessDetails = "PrincessDetails"
	EntityServantDetails  = "ServantDetails"
	EntitySession         = "Session"
	EntityTask            = "Task"
	EntityRequest         = "Request"
	EntitySessionLog      = "SessionLog"
)

// Metadata keys with a fixed meaning across codes.
const (
	MetaEntity    = "Entity"
	MetaHostShard = "HostShard"
	MetaParameter = "Parameter"
	MetaRole      = "Role"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for templating and client hints
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code. A NOT_FOUND target
// that names an entity only matches the same entity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e.Code != t.Code {
		return false
	}
	if want := t.Metadata[MetaEntity]; want != "" {
		return e.Metadata[MetaEntity] == want
	}
	return true
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NotFound creates a NOT_FOUND error for the named entity.
func NotFound(entity string) *Error {
	return &Error{
		Code:     CodeNotFound,
		Message:  entity + " not found",
		Metadata: map[string]string{MetaEntity: entity},
	}
}

// UnauthorizedShard reports that a session is owned by another process.
// The owning shard is returned to the caller as a routing hint.
func UnauthorizedShard(hostShard string) *Error {
	return &Error{
		Code:     CodeUnauthorizedShard,
		Message:  "session is hosted on another shard",
		Metadata: map[string]string{MetaHostShard: hostShard},
	}
}

// MissingParameter reports a required transport parameter that was not supplied.
func MissingParameter(name string) *Error {
	return &Error{
		Code:     CodeMissingParameter,
		Message:  name + " is required",
		Metadata: map[string]string{MetaParameter: name},
	}
}

// As extracts the domain error from err, if any.
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the domain code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	if target, ok := As(err); ok {
		return target.Code
	}
	return CodeUnknown
}

// EntityOf returns the NOT_FOUND entity carried by err, or "".
func EntityOf(err error) string {
	if target, ok := As(err); ok {
		return target.Metadata[MetaEntity]
	}
	return ""
}
