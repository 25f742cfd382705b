package types

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("connection reset")
	err := NewError(ErrWriteFailed, "save item failed").
		WithCause(root).
		WithRetryable(true).
		WithBackend("postgres")

	assert.Equal(t, ErrWriteFailed, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[WRITE_FAILED] save item failed: connection reset", err.Error())
	assert.Equal(t, "[NOT_FOUND] item \"x\" not found", NewNotFoundError("item", "x").Error())
}

func TestIsErrorCode_SearchesWholeChain(t *testing.T) {
	t.Parallel()

	inner := NewUnavailableError("redis", io.EOF)
	outer := NewQueryError("get history", fmt.Errorf("medium tier: %w", inner))

	assert.Equal(t, ErrQueryFailed, GetErrorCode(outer), "outermost code wins")
	assert.True(t, IsErrorCode(outer, ErrBackendUnavailable))
	assert.False(t, IsErrorCode(outer, ErrValidation))
	assert.False(t, IsRetryable(outer), "retryable is read from the outermost error")

	e, ok := AsError(fmt.Errorf("wrapped: %w", inner))
	require.True(t, ok)
	assert.Equal(t, "redis", e.Backend)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("op: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"unavailable", NewUnavailableError("mongo", io.EOF), true},
		{"validation", NewValidationError("bad %s", "input"), false},
		{"not found", NewNotFoundError("record", "r1"), false},
		{"circuit open", NewCircuitOpenError("postgres"), false},
		{"dependency", NewDependencyError("long-term tier"), false},
		{"plain", errors.New("boom"), false},
		{"circuit open joined with deadline",
			fmt.Errorf("%w: %w", NewCircuitOpenError("db"), context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	assert.True(t, IsClientError(NewValidationError("x")))
	assert.True(t, IsClientError(NewNotFoundError("item", "1")))
	assert.False(t, IsClientError(NewWriteError("save", io.EOF)))
	assert.False(t, IsClientError(nil))
}

func TestHTTPStatusAndPublicMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err     error
		status  int
		message string
	}{
		{nil, http.StatusOK, ""},
		{errors.New("raw driver error"), http.StatusInternalServerError, "internal error"},
		{NewValidationError("owner_id is required"), http.StatusBadRequest, "owner_id is required"},
		{NewNotFoundError("item", "i1"), http.StatusNotFound, `item "i1" not found`},
		{NewCircuitOpenError("db"), http.StatusServiceUnavailable, "service temporarily unavailable"},
		{NewUnavailableError("db", errors.New("secret dsn")), http.StatusServiceUnavailable, "service temporarily unavailable"},
		{NewWriteError("save", errors.New("pq: password authentication failed")), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.err), "%v", tt.err)
		assert.Equal(t, tt.message, PublicMessage(tt.err), "%v", tt.err)
	}
}
