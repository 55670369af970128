package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkarr/talkarr/backends/memory"
	"github.com/talkarr/talkarr/config"
	"github.com/talkarr/talkarr/handler"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/types"
)

func TestNewDefaultsToMemory(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, WithJobCheckInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { b.Shutdown(ctx) })

	assert.IsType(t, &memory.MemBackend{}, b)

	done := make(chan struct{})
	require.NoError(t, b.Start(ctx, handler.New("greetings", func(ctx context.Context) error {
		close(done)
		return nil
	})))

	_, err = b.Enqueue(ctx, &jobs.Job{Queue: "greetings"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}
}

func TestNewWithoutBackend(t *testing.T) {
	nilBackend := func(context.Context, ...config.Option) (types.Backend, error) { return nil, nil }

	_, err := New(context.Background(), WithBackend(nilBackend))
	require.ErrorIs(t, err, ErrNoBackend)
}
