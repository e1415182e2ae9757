package service

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrEmptyMessage, http.StatusBadRequest},
		{ErrMediaMismatch, http.StatusBadRequest},
		{ErrAuthRejected, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrMediaForbidden, http.StatusForbidden},
		{ErrConversationNotFound, http.StatusNotFound},
		{ErrMediaNotFound, http.StatusNotFound},
		{ErrDuplicatePost, http.StatusConflict},
		{ErrLastParticipant, http.StatusPreconditionFailed},
		{ErrMediaUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("post: %w", ErrForbidden), http.StatusForbidden},
		{errors.New("plain failure"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "error %v", tc.err)
	}
}

func TestSentinelCodes(t *testing.T) {
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(ErrAuthRejected))
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(ErrForbidden))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(ErrEmptyMessage))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(ErrMediaNotFound))
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(ErrMediaForbidden))
	assert.Equal(t, connect.CodeUnavailable, connect.CodeOf(ErrMediaUnavailable))
	assert.Equal(t, connect.CodeAlreadyExists, connect.CodeOf(ErrDuplicatePost))
}

func TestValidationError(t *testing.T) {
	err := ValidationError("limit %d exceeds %d", 900, 500)

	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
	assert.Contains(t, err.Error(), "limit 900 exceeds 500")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrMediaUnavailable))
	assert.True(t, IsTransient(fmt.Errorf("lookup: %w", ErrUserDirectoryUnavailable)))
	assert.False(t, IsTransient(ErrMediaNotFound))
	assert.False(t, IsTransient(ErrForbidden))
}
