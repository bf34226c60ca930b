package trainerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHTTPStatus(t *testing.T) {
	orig := errors.New("request failed")

	for _, code := range []int{500, 502, 503, 599} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			err := FromHTTPStatus(orig, code)

			retryErr, ok := AsRetryable(err)
			require.True(t, ok)
			assert.ErrorIs(t, err, orig)
			assert.True(t, retryErr.After.IsZero())
			assert.Equal(t, fmt.Sprintf("server error %d, retryable: request failed", code), err.Error())
		})
	}

	for _, code := range []int{200, 400, 401, 404, 422, 600} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			err := FromHTTPStatus(orig, code)
			assert.Same(t, orig, err)

			_, ok := AsRetryable(err)
			assert.False(t, ok)
		})
	}
}

func TestRateLimitedError(t *testing.T) {
	reset := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	orig := errors.New("API rate limit exceeded")

	err := fmt.Errorf("listing team members failed: %w", RateLimited(orig, reset))

	retryErr, ok := AsRetryable(err)
	require.True(t, ok)
	assert.Equal(t, reset, retryErr.After)
	assert.ErrorIs(t, err, orig)
	assert.Contains(t, err.Error(), "rate limited, retryable after 2024-03-01T10:00:00Z: API rate limit exceeded")
}

func TestUnavailableError(t *testing.T) {
	err := Unavailable(errors.New("connection refused"))

	assert.True(t, err.After.IsZero())
	assert.Equal(t, "service unavailable, retryable: connection refused", err.Error())
}

func TestAsRetryableWithPermanentError(t *testing.T) {
	retryErr, ok := AsRetryable(errors.New("not found"))
	assert.False(t, ok)
	assert.Nil(t, retryErr)

	_, ok = AsRetryable(nil)
	assert.False(t, ok)
}
