package types

import (
	"context"

	"github.com/talkarr/talkarr/handler"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/logging"
)

// Backend interface is the queue's primary API
//
// Backend is implemented by:
//   - [pkg/github.com/talkarr/talkarr/backends/memory.MemBackend]
//   - [pkg/github.com/talkarr/talkarr/backends/postgres.PgBackend]
//   - [pkg/github.com/talkarr/talkarr/backends/redis.RedisBackend]
type Backend interface {
	// Enqueue queues jobs to be executed asynchronously
	Enqueue(ctx context.Context, job *jobs.Job) (jobID string, err error)

	// Start starts processing jobs on the handler's queue
	Start(ctx context.Context, h handler.Handler) (err error)

	// StartCron starts processing jobs on the handler's queue, enqueueing a new job on the given cron schedule
	//
	// See: https://pkg.go.dev/github.com/robfig/cron?#hdr-CRON_Expression_Format for details on the cron spec format
	StartCron(ctx context.Context, cron string, h handler.Handler) (err error)

	// Job returns a snapshot of the job with the given ID
	Job(ctx context.Context, jobID string) (job *jobs.Job, err error)

	// SetLogger sets the backend logger
	SetLogger(logger logging.Logger)

	// Shutdown halts job processing and releases resources
	Shutdown(ctx context.Context)
}
