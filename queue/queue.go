package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/talkarr/talkarr/backends/memory"
	"github.com/talkarr/talkarr/config"
	"github.com/talkarr/talkarr/handler"
	"github.com/talkarr/talkarr/types"
)

var ErrNoBackend = errors.New("no backend initializer configured")

// New creates a new queue backend for processing and enqueueing jobs
//
// When no backend is configured with [WithBackend], the in-memory backend is used
func New(ctx context.Context, opts ...config.Option) (b types.Backend, err error) {
	c := config.New()
	for _, opt := range opts {
		opt(c)
	}

	if c.BackendInitializer == nil {
		c.BackendInitializer = memory.Backend
	}

	b, err = c.BackendInitializer(ctx, opts...)
	if err != nil {
		return
	}

	if b == nil {
		err = ErrNoBackend
	}

	return
}

// WithBackend configures talkarr to initialize a specific backend for job processing.
//
// talkarr provides two [config.BackendInitializer] in addition to the default in-memory backend:
//   - [github.com/talkarr/talkarr/backends/postgres.Backend]
//   - [github.com/talkarr/talkarr/backends/redis.Backend]
func WithBackend(initializer config.BackendInitializer) config.Option {
	return func(c *config.Config) {
		c.BackendInitializer = initializer
	}
}

// WithJobCheckInterval configures the duration of time between checking for future jobs
func WithJobCheckInterval(interval time.Duration) config.Option {
	return func(c *config.Config) {
		c.JobCheckInterval = interval
	}
}

// WithJobRetention configures how long finished jobs remain available to [types.Backend.Job]
func WithJobRetention(retention time.Duration) config.Option {
	return func(c *config.Config) {
		c.JobRetention = retention
	}
}

// WithLogLevel configures the log level for the backend's default logger
func WithLogLevel(level slog.Level) config.Option {
	return func(c *config.Config) {
		c.LogLevel = level
	}
}

// WithRecoveryCallback configures the recovery callback applied to every handler the backend executes
func WithRecoveryCallback(cb handler.RecoveryCallback) config.Option {
	return func(c *config.Config) {
		c.RecoveryCallback = cb
	}
}
