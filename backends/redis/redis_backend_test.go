package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/talkarr/talkarr/backends"
	"github.com/talkarr/talkarr/handler"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/logging"
)

// prepareRedis skips the current test unless TEST_REDIS_URL is set, and removes any tasks left behind by earlier runs
func prepareRedis(t *testing.T) (addr, password string) {
	t.Helper()

	addr = os.Getenv("TEST_REDIS_URL")
	if addr == "" {
		t.Skip("TEST_REDIS_URL environment variable is missing, test requires a redis server to continue")
	}

	password = os.Getenv("REDIS_PASSWORD")
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: addr, Password: password})
	defer inspector.Close()

	queues, err := inspector.Queues()
	require.NoError(t, err)

	for _, queue := range queues {
		_, _ = inspector.DeleteAllPendingTasks(queue)
		_, _ = inspector.DeleteAllScheduledTasks(queue)
		_, _ = inspector.DeleteAllCompletedTasks(queue)
		_, _ = inspector.DeleteAllRetryTasks(queue)
		_, _ = inspector.DeleteAllArchivedTasks(queue)
	}

	return
}

func newBackend(t *testing.T) *RedisBackend {
	t.Helper()

	addr, password := prepareRedis(t)
	b, err := Backend(context.Background(), WithAddr(addr), WithPassword(password), WithConcurrency(4),
		WithShutdownTimeout(time.Second))
	require.NoError(t, err)
	b.SetLogger(logging.Discard)

	return b.(*RedisBackend)
}

func TestSuite(t *testing.T) {
	suite.Run(t, backends.NewBackendTestSuite(newBackend(t)))
}

func TestBasicJobProcessing(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	defer b.Shutdown(ctx)

	done := make(chan bool, 1)
	require.NoError(t, b.Start(ctx, handler.New("testing", func(ctx context.Context) error {
		j, err := jobs.FromContext(ctx)
		if err != nil {
			return err
		}

		assert.Equal(t, "hello world", j.Payload["message"])
		done <- true
		return nil
	})))

	_, err := b.Enqueue(ctx, &jobs.Job{Queue: "testing", Payload: map[string]any{"message": "hello world"}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(jobs.ErrJobTimeout)
	}
}

func TestCronJobs(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	defer b.Shutdown(ctx)

	done := make(chan bool, 1)
	require.NoError(t, b.StartCron(ctx, "* * * * * *", handler.New("cron", func(_ context.Context) error {
		select {
		case done <- true:
		default:
		}
		return nil
	})))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(jobs.ErrJobTimeout)
	}
}

func TestBackendRequiresAddr(t *testing.T) {
	_, err := Backend(context.Background())
	assert.ErrorIs(t, err, ErrInvalidAddr)
}

func TestToAsynqCronspec(t *testing.T) {
	tests := []struct {
		spec    string
		want    string
		wantErr bool
	}{
		{spec: "* * * * * *", want: "@every 1s"},
		{spec: "*/30 * * * * *", want: "@every 30s"},
		{spec: "0 */5 * * * *", want: "*/5 * * * *"},
		{spec: "*/5 * * * *", want: "*/5 * * * *"},
		{spec: "@every 30m", want: "@every 30m"},
		{spec: "15 * * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := toAsynqCronspec(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskInfoToJob(t *testing.T) {
	completedAt := time.Now().Add(-time.Minute)
	ti := &asynq.TaskInfo{
		ID:          "a5d6c1d8-1b0e-4c38-9e0e-7c1a5d2f8a11",
		Type:        "scanForMissingFiles",
		Payload:     []byte(`{"rootFolder":"/media/talks"}`),
		State:       asynq.TaskStateCompleted,
		MaxRetry:    5,
		CompletedAt: completedAt,
	}

	job := taskInfoToJob(ti)
	assert.Equal(t, ti.ID, job.ID)
	assert.Equal(t, "scanForMissingFiles", job.Queue)
	assert.Equal(t, jobs.StatusProcessed, job.Status)
	assert.Equal(t, "/media/talks", job.Payload["rootFolder"])
	assert.NotEmpty(t, job.Fingerprint)
	assert.True(t, job.RanAt.Valid)
	assert.Equal(t, 5, job.MaxRetriesOrDefault())

	ti.State = asynq.TaskStateArchived
	ti.LastErr = "boom"
	job = taskInfoToJob(ti)
	assert.Equal(t, jobs.StatusDead, job.Status)
	assert.Equal(t, "boom", job.Error.String)

	ti.State = asynq.TaskStateScheduled
	assert.Equal(t, jobs.StatusNew, taskInfoToJob(ti).Status)
}
