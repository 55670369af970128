package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const (
	DefaultHandlerDeadline = 30 * time.Second
)

var (
	ErrNoHandlerForQueue   = errors.New("no handler for queue")
	ErrNoProcessorForQueue = errors.New("no processor configured for queue")
	ErrNoQueue             = errors.New("handler has no queue")
	ErrHandlerPanic        = errors.New("job handler panicked")
)

// Func is a function that Handlers execute for every Job on a queue
type Func func(ctx context.Context) error

// RecoveryCallback is called with the recovered value and stack when a handler panics
type RecoveryCallback func(ctx context.Context, panicErr error) (err error)

// Handler handles jobs on a queue
type Handler struct {
	Queue           string
	Handle          Func
	Concurrency     int
	Deadline        time.Duration
	QueueCapacity   int64
	RecoverCallback RecoveryCallback
}

// Option is function that sets optional configuration for Handlers
type Option func(w *Handler)

// WithOptions sets one or more options on handler
func (h *Handler) WithOptions(opts ...Option) {
	for _, opt := range opts {
		opt(h)
	}
}

// JobTimeout configures handlers with a time deadline for every executed job
// The deadline is the amount of time that can be spent executing the handler's Func
// when a deadline is exceeded, the job is failed and enters its retry phase
func JobTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.Deadline = d
	}
}

// Concurrency configures handlers to process jobs concurrently
// the default concurrency is one fewer than the number of (v)CPUs on the machine, and never less than one
func Concurrency(c int) Option {
	return func(h *Handler) {
		h.Concurrency = c
	}
}

// MaxQueueCapacity configures Handlers to enforce a maximum capacity on the queues that it handles
// queues that have reached capacity cause Enqueue() to block until the queue is below capacity
func MaxQueueCapacity(capacity int64) Option {
	return func(h *Handler) {
		h.QueueCapacity = capacity
	}
}

// RecoverCallback configures the callback run when the handler's Func panics
func RecoverCallback(f RecoveryCallback) Option {
	return func(h *Handler) {
		h.RecoverCallback = f
	}
}

// New creates a new queue handler
func New(queue string, f Func, opts ...Option) (h Handler) {
	h = Handler{
		Queue:  queue,
		Handle: f,
	}

	h.WithOptions(opts...)

	// default to running one fewer threads than CPUs
	if h.Concurrency == 0 {
		Concurrency(runtime.NumCPU() - 1)(&h)
	}

	if h.Concurrency < 1 {
		Concurrency(1)(&h)
	}

	// always set a job deadline if none is set
	if h.Deadline == 0 {
		JobTimeout(DefaultHandlerDeadline)(&h)
	}

	return
}

// Exec executes handler functions with a concrete time deadline
func Exec(ctx context.Context, handler Handler) (err error) {
	deadlineCtx, cancel := context.WithDeadline(ctx, time.Now().Add(handler.Deadline))
	defer cancel()

	var errCh = make(chan error, 1)
	go func(ctx context.Context) {
		defer func() {
			if x := recover(); x != nil {
				panicErr := fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, x, debug.Stack())
				if handler.RecoverCallback != nil {
					if cbErr := handler.RecoverCallback(ctx, panicErr); cbErr != nil {
						panicErr = errors.Join(panicErr, cbErr)
					}
				}
				errCh <- panicErr
			}
		}()

		errCh <- handler.Handle(ctx)
	}(deadlineCtx)

	select {
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("job failed to process: %w", err)
		}

	case <-deadlineCtx.Done():
		ctxErr := deadlineCtx.Err()
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("job exceeded its %s deadline: %w", handler.Deadline, ctxErr)
		} else if errors.Is(ctxErr, context.Canceled) {
			err = ctxErr
		} else {
			err = fmt.Errorf("job failed to process: %w", ctxErr)
		}
	}

	return
}
