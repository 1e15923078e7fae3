package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRetriable(t *testing.T) {
	assert.True(t, KindToolTransient.Retriable())
	assert.False(t, KindToolPermanent.Retriable())
	assert.False(t, KindInternal.Retriable())
}

func TestKindContractViolation(t *testing.T) {
	for _, kind := range []Kind{KindInvalidTransition, KindPathEscape, KindConcurrentAccess} {
		assert.True(t, kind.ContractViolation(), "kind %s", kind)
	}
	assert.False(t, KindToolPermanent.ContractViolation())
}

func TestKindOf(t *testing.T) {
	err := New(KindToolUnknown, "no such tool %q", "frobnicate")
	assert.Equal(t, KindToolUnknown, KindOf(err))

	wrapped := fmt.Errorf("context: %w", err)
	assert.Equal(t, KindToolUnknown, KindOf(wrapped))

	assert.Equal(t, KindToolTransient, KindOf(errors.New("connection refused")))
	assert.Equal(t, KindInternal, KindOf(errors.New("something odd")))
}

func TestClassifyTool(t *testing.T) {
	transient := ClassifyTool("web_search", errors.New("429 rate limit exceeded"))
	assert.Equal(t, KindToolTransient, transient.Kind)
	assert.Equal(t, "web_search", transient.Tool)

	permanent := ClassifyTool("file_read", errors.New("file does not exist"))
	assert.Equal(t, KindToolPermanent, permanent.Kind)

	explicit := ClassifyTool("x", New(KindToolParameterInvalid, "bad args"))
	assert.Equal(t, KindToolParameterInvalid, explicit.Kind)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		return New(KindToolPermanent, "bad input")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryRecoversTransient(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", New(KindToolTransient, "temporarily unavailable")
		}
		return "ok", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhausts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		attempts++
		return New(KindToolTransient, "still down")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, KindToolTransient, KindOf(err))
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), func(context.Context) error {
		t.Fatal("fn should not run after cancellation")
		return nil
	}, nil)
	require.Error(t, err)
}
