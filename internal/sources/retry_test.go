package sources

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewError("op", KindTransient, errors.New("temporary glitch"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnNonRetryableError(t *testing.T) {
	calls := 0
	sentinel := NewError("op", KindAuthFailed, errors.New("bad credentials"))
	err := WithRetry(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindAuthFailed, KindOf(err))
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return NewError("op", KindRateLimited, errors.New("429"))
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls)
}

func TestWithRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cancel()
	err := WithRetry(ctx, "op", func(ctx context.Context) error {
		calls++
		return NewError("op", KindTransient, errors.New("retry me"))
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
