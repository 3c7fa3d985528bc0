package ciserrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStampsTimestampAndStatus(t *testing.T) {
	err := New(ErrCodeNotFound, "no such build")
	assert.Equal(t, ErrCodeNotFound, err.Code)
	assert.Equal(t, "no such build", err.Message)
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus)
	assert.NotZero(t, err.Timestamp)
}

func TestErrorStringIncludesRequestID(t *testing.T) {
	err := New(ErrCodeInternal, "boom")
	assert.Equal(t, "INTERNAL: boom", err.Error())

	err.WithRequest("req-1")
	assert.Equal(t, "[req-1] INTERNAL: boom", err.Error())
}

func TestWithDetailAccumulates(t *testing.T) {
	err := New(ErrCodeConfig, "bad config").WithDetail("field", "distro").WithDetail("value", "bogus")
	require.Len(t, err.Details, 2)
	assert.Equal(t, "distro", err.Details["field"])
	assert.Equal(t, "bogus", err.Details["value"])
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := errors.New("underlying failure")
	err := New(ErrCodeRetryable, "retry me").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestHTTPStatusForCode(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeNotFound:      http.StatusNotFound,
		ErrCodeUnauthorized:  http.StatusUnauthorized,
		ErrCodeConfig:        http.StatusUnprocessableEntity,
		ErrCodeBuildTerminal: http.StatusUnprocessableEntity,
		ErrCodeTestFailure:   http.StatusUnprocessableEntity,
		ErrCodeRetryable:     http.StatusServiceUnavailable,
		ErrCodeTimeout:       http.StatusServiceUnavailable,
		ErrCodeInternal:      http.StatusInternalServerError,
		ErrCodeCrash:         http.StatusBadRequest,
	}
	for code, want := range cases {
		assert.Equal(t, want, New(code, "x").HTTPStatus, "code=%s", code)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Retryable("flaky network")))
	assert.False(t, IsRetryable(BuildTerminal("compile error")))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestAsCode(t *testing.T) {
	code, ok := AsCode(Crash("kernel panic"))
	require.True(t, ok)
	assert.Equal(t, ErrCodeCrash, code)

	_, ok = AsCode(errors.New("plain error"))
	assert.False(t, ok)
}

func TestConvenienceConstructors(t *testing.T) {
	assert.Equal(t, ErrCodeTestFailure, TestFailure("a test failed").Code)
	assert.Equal(t, ErrCodeTimeout, Timeout("too slow").Code)
	assert.Equal(t, ErrCodeAborted, Aborted("superseded").Code)
	assert.Equal(t, ErrCodePostFailed, PostFailed("review post failed").Code)
}
