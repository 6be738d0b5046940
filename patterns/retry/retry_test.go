package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, fastConfig(3))

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetryThenSuccess(t *testing.T) {
	var seen []int
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("temporary")
		}
		return nil
	}, fastConfig(5))

	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDo_ReturnsLastError(t *testing.T) {
	want := errors.New("persistent")
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return want
	}, fastConfig(3))

	assert.ErrorIs(t, err, want)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	cfg := fastConfig(5)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, fatal) }

	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return fatal
	}, cfg)

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, BackoffFactor: 2, MaxDelay: time.Second}

	calls := 0
	err := Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("boom")
	}, cfg)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("x")
	}, Config{})
	assert.Equal(t, 1, calls)
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{InitialDelay: 10 * time.Millisecond, BackoffFactor: 2, MaxDelay: 50 * time.Millisecond}

	assert.Equal(t, 10*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 40*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, 50*time.Millisecond, cfg.Backoff(4))
	assert.Equal(t, 50*time.Millisecond, cfg.Backoff(10))
}
