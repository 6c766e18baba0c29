package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

var fast = Policy{Attempts: 3, Interval: time.Millisecond}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), fast, nil, "find", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), fast, nil, "find", func() error {
		calls++
		return errors.New("i/o timeout")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("duplicate key")
	calls := 0
	err := Retry(context.Background(), fast, nil, "insert", func() error {
		calls++
		return fmt.Errorf("insert: %w", boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryValue_ReturnsValue(t *testing.T) {
	t.Parallel()

	calls := 0
	v, err := RetryValue(context.Background(), fast, nil, "count", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("network unreachable")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRetry_StopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, Policy{Attempts: 5, Interval: time.Hour}, nil, "find", func() error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{errors.New("connection refused"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("server selection error: no primary"), true},
		{mongo.CommandError{Name: "NotWritablePrimary"}, true},
		{mongo.CommandError{Name: "BadValue", Message: "bad"}, false},
		{errors.New("document failed validation"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "%v", tt.err)
	}
}
