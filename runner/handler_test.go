package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFunc struct {
	mu        sync.Mutex
	failUntil int
	calls     int
}

func (cf *countingFunc) fn(_ context.Context) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.calls++
	if cf.calls <= cf.failUntil {
		return errors.New("forced failure")
	}
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestHandlerSucceedsFirstTime(t *testing.T) {
	h := NewHandler("dispatch")
	cf := &countingFunc{}
	require.NoError(t, h.Run(context.Background(), cf.fn))
	assert.Equal(t, 1, cf.calls)

	runs, ok, failed := h.Stats()
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 0, failed)
}

func TestHandlerRetriesUntilSuccess(t *testing.T) {
	var delays []time.Duration
	h := NewHandler("dispatch",
		WithMaxRetries(3),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: time.Millisecond, Factor: 2}),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)
	cf := &countingFunc{failUntil: 2}
	require.NoError(t, h.Run(context.Background(), cf.fn))
	assert.Equal(t, 3, cf.calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestHandlerReturnsLastError(t *testing.T) {
	var seen int
	h := NewHandler("provision",
		WithMaxRetries(2),
		WithSleep(noSleep),
		WithErrorHandler(func(error) { seen++ }),
	)
	cf := &countingFunc{failUntil: 10}
	err := h.Run(context.Background(), cf.fn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provision failed")
	assert.Equal(t, 3, cf.calls)
	assert.Equal(t, 3, seen)

	_, _, failed := h.Stats()
	assert.Equal(t, 1, failed)
}

func TestHandlerStopsWhenStrategyRefuses(t *testing.T) {
	h := NewHandler("send",
		WithMaxRetries(5),
		WithSleep(noSleep),
		WithRetryStrategy(BoundedStrategy{Retryable: func(error) bool { return false }}),
	)
	cf := &countingFunc{failUntil: 10}
	require.Error(t, h.Run(context.Background(), cf.fn))
	assert.Equal(t, 1, cf.calls)
}

func TestHandlerTimeoutPerAttempt(t *testing.T) {
	h := NewHandler("slow", WithTimeout(20*time.Millisecond))
	err := h.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerDeadline(t *testing.T) {
	h := NewHandler("bounded", WithDeadline(time.Now().Add(-time.Second)))
	err := h.Run(context.Background(), func(ctx context.Context) error {
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerRecoversPanics(t *testing.T) {
	h := NewHandler("panicky")
	err := h.Run(context.Background(), func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicky")

	var perr *PanicError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "boom", perr.Value)
	assert.Contains(t, string(perr.Stack), "handler_test.go")
	assert.NotContains(t, string(perr.Stack), "runtime/panic.go")
}

func TestPanicErrorUnwrapsErrorValues(t *testing.T) {
	cause := errors.New("nil map")
	perr := newPanicError("step", cause)
	assert.ErrorIs(t, perr, cause)
	assert.Equal(t, "step panicked: nil map", perr.Error())
}

func TestHandlerConcurrentRuns(t *testing.T) {
	h := NewHandler("shared")
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Run(context.Background(), func(context.Context) error { return nil })
		}()
	}
	wg.Wait()
	runs, ok, _ := h.Stats()
	assert.Equal(t, 20, runs)
	assert.Equal(t, 20, ok)
}
