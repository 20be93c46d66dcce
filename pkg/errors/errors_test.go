package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	e := New(CodeNotFound, "database not found")
	assert.Equal(t, "NOT_FOUND: database not found", e.Error())

	cause := errors.New("row missing")
	wrapped := Wrap(CodeInternal, "lookup failed", cause)
	assert.Equal(t, "INTERNAL_ERROR: lookup failed: row missing", wrapped.Error())
	assert.Same(t, cause, wrapped.Unwrap())
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeMissingLimit, CodeOf(New(CodeMissingLimit, "no limit")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))

	// Codes survive fmt wrapping.
	err := fmt.Errorf("handling query: %w", New(CodeLimitTooHigh, "too high"))
	assert.Equal(t, CodeLimitTooHigh, CodeOf(err))
	assert.True(t, IsCode(err, CodeLimitTooHigh))
}

func TestAs(t *testing.T) {
	t.Parallel()

	structured := New(CodeSlugTaken, "taken")
	assert.Same(t, structured, As(structured))

	plain := errors.New("boom")
	se := As(plain)
	require.NotNil(t, se)
	assert.Equal(t, CodeInternal, se.Code)
	assert.Same(t, plain, se.Unwrap())
}

func TestWithDetails(t *testing.T) {
	t.Parallel()

	e := Newf(CodeUnknownMember, "unknown member %q", "orders.cnt").
		WithDetails(map[string]any{"suggestions": []string{"orders.count"}})
	assert.Equal(t, []string{"orders.count"}, e.Details["suggestions"])
	assert.Contains(t, e.Message, "orders.cnt")
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		CodeMissingLimit:            http.StatusBadRequest,
		CodeLimitTooHigh:            http.StatusBadRequest,
		CodeQueryKeyNotAllowed:      http.StatusBadRequest,
		CodeUnknownMember:           http.StatusBadRequest,
		CodePIIMemberBlocked:        http.StatusBadRequest,
		CodeValidation:              http.StatusBadRequest,
		CodeActiveCannotDelete:      http.StatusBadRequest,
		CodeUndeletableDefault:      http.StatusBadRequest,
		CodeUnauthenticated:         http.StatusUnauthorized,
		CodeForbiddenNotAdmin:       http.StatusForbidden,
		CodeOrgRequired:             http.StatusForbidden,
		CodeNotFound:                http.StatusNotFound,
		CodeDuplicateID:             http.StatusConflict,
		CodeSlugTaken:               http.StatusConflict,
		CodeUpstream:                http.StatusBadGateway,
		CodeUpstreamMetaUnavailable: http.StatusBadGateway,
		CodeInternal:                http.StatusInternalServerError,
		"SOME_FUTURE_CODE":          http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}
