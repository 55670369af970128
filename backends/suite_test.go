package backends_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/talkarr/talkarr/backends"
	"github.com/talkarr/talkarr/backends/memory"
	"github.com/talkarr/talkarr/logging"
	"github.com/talkarr/talkarr/queue"
)

// TestMemorySuite runs the shared backend suite against the memory backend
func TestMemorySuite(t *testing.T) {
	ctx := context.Background()
	b, err := queue.New(ctx,
		queue.WithBackend(memory.Backend),
		queue.WithJobCheckInterval(50*time.Millisecond),
		queue.WithLogLevel(logging.LogLevelDebug))
	if err != nil {
		t.Fatal(err)
	}

	b.SetLogger(logging.Discard)
	suite.Run(t, backends.NewBackendTestSuite(b))
}
