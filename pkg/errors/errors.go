// Package errors defines the flat error taxonomy shared by every semgate
// component. Component code returns *Error values; only the HTTP and MCP
// boundaries render them into responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Governance
	CodeMissingLimit         = "MISSING_LIMIT"
	CodeLimitTooHigh         = "LIMIT_TOO_HIGH"
	CodeQueryKeyNotAllowed   = "QUERY_KEY_NOT_ALLOWED"
	CodeUnknownMember        = "UNKNOWN_MEMBER"
	CodeMemberNotExposed     = "MEMBER_NOT_EXPOSED"
	CodePIIMemberBlocked     = "PII_MEMBER_BLOCKED"
	CodeGroupByNotAllowed    = "GROUP_BY_NOT_ALLOWED"
	CodeMissingTimeDimension = "MISSING_TIME_DIMENSION"

	// Catalog
	CodeCatalogNotInitialized   = "CATALOG_NOT_INITIALIZED"
	CodeUpstreamMetaUnavailable = "UPSTREAM_META_UNAVAILABLE"

	// Registry
	CodeDuplicateID            = "DUPLICATE_ID"
	CodeNotFound               = "NOT_FOUND"
	CodeActiveCannotDelete     = "ACTIVE_CANNOT_DELETE"
	CodeActiveCannotMutateConn = "ACTIVE_CANNOT_MUTATE_CONNECTION"
	CodeUndeletableDefault     = "UNDELETABLE_DEFAULT"

	// Auth
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeForbiddenNotAdmin = "FORBIDDEN_NOT_ADMIN"
	CodeOrgRequired       = "ORG_REQUIRED"
	CodeSlugTaken         = "SLUG_TAKEN"

	// Validation
	CodeValidation = "VALIDATION_ERROR"

	// Upstream / internal
	CodeUpstream = "UPSTREAM_ERROR"
	CodeInternal = "INTERNAL_ERROR"
)

// Error is a structured error carrying a taxonomy code. Details is
// optional and holds field-level or suggestion payloads that end up in
// response bodies verbatim.
type Error struct {
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a structured error with the given taxonomy code.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a structured error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a structured error wrapping a cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetails attaches a details payload and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the taxonomy code from err, or INTERNAL_ERROR when err
// is not a structured error.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// As unwraps err into a structured error, or wraps it as INTERNAL_ERROR.
func As(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Wrap(CodeInternal, "internal error", err)
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

// IsDuplicateID reports whether err is a DUPLICATE_ID error.
func IsDuplicateID(err error) bool { return IsCode(err, CodeDuplicateID) }

// HTTPStatus maps a taxonomy code onto an HTTP status code.
func HTTPStatus(code string) int {
	switch code {
	case CodeMissingLimit, CodeLimitTooHigh, CodeQueryKeyNotAllowed,
		CodeUnknownMember, CodeMemberNotExposed, CodePIIMemberBlocked,
		CodeGroupByNotAllowed, CodeMissingTimeDimension,
		CodeCatalogNotInitialized, CodeValidation,
		CodeActiveCannotDelete, CodeActiveCannotMutateConn,
		CodeUndeletableDefault:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbiddenNotAdmin, CodeOrgRequired:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateID, CodeSlugTaken:
		return http.StatusConflict
	case CodeUpstream, CodeUpstreamMetaUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
