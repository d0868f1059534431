package transfer

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestError_Error verifies error message formatting
func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "queue full",
			err:  ErrQueueFull,
			want: "transfer queue is full",
		},
		{
			name: "with HTTP status code",
			err:  &Error{Kind: KindHTTPStatus, Op: "request", StatusCode: 503},
			want: "http_status error during request (HTTP 503 Service Unavailable)",
		},
		{
			name: "with underlying error",
			err:  &Error{Kind: KindTransport, Op: "read_body", Err: io.ErrUnexpectedEOF},
			want: "transport error during read_body: unexpected EOF",
		},
		{
			name: "bare",
			err:  &Error{Kind: KindCancelled, Op: "read_body"},
			want: "cancelled error during read_body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

// TestError_Unwrap verifies error chain traversal
func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &Error{Kind: KindTransport, Op: "read_body", Resumable: true, Err: cause}

	require.Equal(t, cause, errors.Unwrap(err))

	wrapped := fmt.Errorf("context: %w", err)
	require.ErrorIs(t, wrapped, cause)
}

func TestError_IsMatchesKind(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", &Error{Kind: KindQueueFull})
	require.ErrorIs(t, wrapped, ErrQueueFull)

	other := &Error{Kind: KindTransport, Op: "request"}
	require.NotErrorIs(t, other, ErrQueueFull)
}

func TestKindOfAndIsResumable(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      Kind
		wantResumable bool
	}{
		{
			name:          "transport drop",
			err:           fmt.Errorf("fetch: %w", &Error{Kind: KindTransport, Resumable: true}),
			wantKind:      KindTransport,
			wantResumable: true,
		},
		{
			name:     "not found",
			err:      &Error{Kind: KindHTTPStatus, StatusCode: 404},
			wantKind: KindHTTPStatus,
		},
		{
			name:     "generic error",
			err:      errors.New("boom"),
			wantKind: KindUnknown,
		},
		{
			name:     "nil",
			err:      nil,
			wantKind: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, KindOf(tt.err))
			assert.Equal(t, tt.wantResumable, IsResumable(tt.err))
		})
	}
}

func TestIsTransientStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientStatus(code), "status %d", code)
	}

	for _, code := range []int{400, 401, 403, 404, 410, 416} {
		assert.False(t, IsTransientStatus(code), "status %d", code)
	}
}
