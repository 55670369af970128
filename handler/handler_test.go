package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	h := New("checkForRootFolders", func(context.Context) error { return nil })

	assert.Equal(t, "checkForRootFolders", h.Queue)
	assert.GreaterOrEqual(t, h.Concurrency, 1)
	assert.Equal(t, DefaultHandlerDeadline, h.Deadline)
}

func TestNewOptions(t *testing.T) {
	h := New("q", func(context.Context) error { return nil },
		Concurrency(3),
		JobTimeout(time.Second),
		MaxQueueCapacity(7))

	assert.Equal(t, 3, h.Concurrency)
	assert.Equal(t, time.Second, h.Deadline)
	assert.Equal(t, int64(7), h.QueueCapacity)
}

func TestExecReturnsHandlerError(t *testing.T) {
	boom := errors.New("boom")
	h := New("q", func(context.Context) error { return boom })

	err := Exec(context.Background(), h)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestExecDeadline(t *testing.T) {
	h := New("q", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, JobTimeout(20*time.Millisecond))

	err := Exec(context.Background(), h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecRecoversPanics(t *testing.T) {
	var recovered error
	h := New("q", func(context.Context) error {
		panic("lost the disk")
	}, RecoverCallback(func(_ context.Context, err error) error {
		recovered = err
		return nil
	}))

	err := Exec(context.Background(), h)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.ErrorIs(t, recovered, ErrHandlerPanic)
}
