package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"

	connector "github.com/goliatone/go-connector"
)

type Option func(*Handler)

// WithTimeout bounds every attempt.
func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

// WithDeadline bounds the whole run.
func WithDeadline(d time.Time) Option {
	return func(h *Handler) {
		h.deadline = d
	}
}

func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		if max >= 0 {
			h.maxRetries = max
		}
	}
}

func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		if s != nil {
			h.retryStrategy = s
		}
	}
}

func WithLogger(l connector.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithErrorHandler observes every failed attempt.
func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		h.errorHandler = fn
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(h *Handler) {
		if fn != nil {
			h.sleep = fn
		}
	}
}

// Handler runs a function with per attempt timeouts and in-process retries.
// It is safe for concurrent use; counters are aggregated across callers.
type Handler struct {
	mu sync.Mutex

	logger        connector.Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	sleep         func(context.Context, time.Duration) error

	name       string
	maxRetries int
	timeout    time.Duration
	deadline   time.Time

	runs           int
	successfulRuns int
	failedRuns     int
}

// NewHandler builds a handler named after the work it runs.
func NewHandler(name string, opts ...Option) *Handler {
	h := &Handler{
		name:          name,
		retryStrategy: NoDelayStrategy{},
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = connector.NormalizeLogger(h.logger)
	return h
}

// Run calls fn until it succeeds, the strategy refuses another attempt, or
// the context ends. The last error is returned wrapped with the handler name.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := h.runContext(ctx)
	defer cancel()

	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		err = h.attempt(ctx, fn)
		if err == nil {
			break
		}
		if h.errorHandler != nil {
			h.errorHandler(err)
		}
		if attempt == h.maxRetries || ctx.Err() != nil {
			break
		}
		decision := DecideRetry(h.retryStrategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		h.logger.Debug("%s attempt %d/%d failed, retrying in %s: %v", h.name, attempt+1, h.maxRetries+1, decision.Delay, err)
		if serr := h.sleep(ctx, decision.Delay); serr != nil {
			break
		}
	}

	h.mu.Lock()
	h.runs++
	if err == nil {
		h.successfulRuns++
	} else {
		h.failedRuns++
	}
	h.mu.Unlock()

	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryHandler, fmt.Sprintf("%s failed", h.name)).
			WithMetadata(map[string]any{"handler": h.name, "max_retries": h.maxRetries})
	}
	return nil
}

func (h *Handler) attempt(ctx context.Context, fn func(context.Context) error) (err error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			perr := newPanicError(h.name, r)
			h.logger.Error("%v\n%s", perr, perr.Stack)
			err = perr
		}
	}()
	return fn(ctx)
}

func (h *Handler) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, h.deadline)
}

// Stats reports total, successful and failed runs.
func (h *Handler) Stats() (runs, ok, failed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns, h.failedRuns
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
