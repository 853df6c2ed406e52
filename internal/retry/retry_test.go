package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestDoSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoNonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return perrors.ErrProtocolInvalid
	})
	assert.ErrorIs(t, err, perrors.ErrProtocolInvalid)
	assert.Equal(t, 1, calls)
}

func TestDoGenericErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		return errors.New("generic failure")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetryableEventualSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return perrors.ErrTimeout
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoRetryableAllFail(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return &perrors.TaskError{Kind: "build", Subject: "builder", ExitCode: 1}
	})
	var taskErr *perrors.TaskError
	assert.ErrorAs(t, err, &taskErr)
	assert.Equal(t, 2, calls)
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastConfig(), func(ctx context.Context) error {
		calls++
		return perrors.ErrTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation stops the backoff, not the first attempt")
}
