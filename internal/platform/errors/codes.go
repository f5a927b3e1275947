// Package errors provides the structured error type shared by the session
// store, the HTTP API, and the realtime router.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Identity errors
	CodeInvalidToken          Code = "INVALID_TOKEN"
	CodeNotRegistered         Code = "NOT_REGISTERED"
	CodeUnknownParticipant    Code = "UNKNOWN_PARTICIPANT"
	CodeDuplicateRegistration Code = "DUPLICATE_REGISTRATION"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Room errors
	CodeUnauthorizedShard Code = "UNAUTHORIZED_SHARD"
	CodeMissingParameter  Code = "MISSING_PARAMETER"
	CodeNotSessionMember  Code = "NOT_SESSION_MEMBER"
	CodeRoleTaken         Code = "ROLE_TAKEN"
	CodeNotJoined         Code = "NOT_JOINED"

	// Input errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeRateLimited     Code = "RATE_LIMITED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidToken:
		return http.StatusUnauthorized

	case CodeNotFound,
		CodeNotRegistered:
		return http.StatusNotFound

	case CodeDuplicateRegistration,
		CodeRoleTaken:
		return http.StatusConflict

	case CodeMissingParameter,
		CodeInvalidArgument:
		return http.StatusBadRequest

	case CodeUnknownParticipant,
		CodeNotSessionMember,
		CodeNotJoined:
		return http.StatusForbidden

	// The session lives on another process; the client must re-route.
	case CodeUnauthorizedShard:
		return http.StatusMisdirectedRequest

	case CodeRateLimited:
		return http.StatusTooManyRequests

	default:
		return http.StatusInternalServerError
	}
}
