// Package daemon runs talkarr's background pipeline as a long lived process.
//
// A daemon holds a file lock so only one instance runs per data directory. It processes every task on the
// configured queue backend and supervises the root folder watcher and the operations API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
	"golang.org/x/time/rate"

	"github.com/talkarr/talkarr/backends/memory"
	"github.com/talkarr/talkarr/backends/postgres"
	"github.com/talkarr/talkarr/backends/redis"
	"github.com/talkarr/talkarr/config"
	"github.com/talkarr/talkarr/fs/scan"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/locks"
	"github.com/talkarr/talkarr/logging"
	"github.com/talkarr/talkarr/queue"
	"github.com/talkarr/talkarr/server"
	"github.com/talkarr/talkarr/settings"
	"github.com/talkarr/talkarr/store"
	"github.com/talkarr/talkarr/talks"
	"github.com/talkarr/talkarr/types"
	"github.com/talkarr/talkarr/workers"
)

var ErrAlreadyRunning = errors.New("another talkarr daemon is already running")

// StartupTasks are enqueued every time the daemon starts
var StartupTasks = []string{
	workers.TaskCheckForRootFolders,
	workers.TaskValidateUserPreferences,
}

const supervisorShutdownTimeout = 10 * time.Second

// Daemon is a running talkarr instance
type Daemon struct {
	settings *settings.Settings
	logger   *slog.Logger
	lock     *flock.Flock

	store   *store.Store
	queue   types.Backend
	locks   *locks.Registry
	workers *workers.Workers
	watcher *scan.Watcher
	server  *server.Server
}

// New connects the daemon's store and queue backend
func New(ctx context.Context, s *settings.Settings, logger *slog.Logger) (d *Daemon, err error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d = &Daemon{
		settings: s,
		logger:   logger,
		lock:     flock.New(s.Daemon.LockFile),
	}

	d.store, err = store.Open(ctx, s.Database.Driver, s.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d.queue, err = NewQueue(ctx, s, logger)
	if err != nil {
		_ = d.store.Close()
		return nil, fmt.Errorf("start queue: %w", err)
	}

	d.locks = locks.New(d.store, locks.WithTTL(s.Daemon.LockTTL), locks.WithLogger(logger))

	client := talks.New(
		talks.WithBaseURL(s.Talks.BaseURL),
		talks.WithHTTPClient(&http.Client{Timeout: s.Talks.Timeout}),
		talks.WithRateLimit(rate.Limit(s.Talks.RequestsPerSecond), s.Talks.Burst),
		talks.WithBreakerTimeout(s.Talks.BreakerTimeout),
		talks.WithLogger(logger),
	)

	d.workers = workers.New(workers.Deps{
		Queue:           d.queue,
		Store:           d.store,
		Locks:           d.locks,
		Talks:           client,
		Logger:          logger,
		VideoExtensions: s.Scan.VideoExtensions,
		TaskTimeout:     s.Daemon.TaskTimeout,
	})

	if s.Scan.Watch {
		d.watcher, err = scan.NewWatcher(d.rootFoldersChanged,
			scan.WithDebounce(s.Scan.Debounce),
			scan.WithWatchedExtensions(s.Scan.VideoExtensions...),
			scan.WithWatcherLogger(logger))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create watcher: %w", err)
		}
	}

	if s.Server.Enabled {
		deps := server.Deps{
			Queue:   d.queue,
			Workers: d.workers,
			Locks:   d.locks,
			Store:   d.store,
			Logger:  logger,
		}
		if d.watcher != nil {
			deps.Watcher = d.watcher
		}
		d.server = server.New(s.Server.Addr, deps, server.WithRateLimit(s.Server.RequestsPerMin))
	}

	return d, nil
}

// NewQueue creates the queue backend named in the settings
func NewQueue(ctx context.Context, s *settings.Settings, logger *slog.Logger) (q types.Backend, err error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	opts := []config.Option{
		queue.WithJobRetention(s.Queue.JobRetention),
		queue.WithLogLevel(logging.ParseLevel(s.Log.Level)),
		queue.WithRecoveryCallback(func(ctx context.Context, panicErr error) error {
			logger.Error("task panicked", "error", panicErr)
			return panicErr
		}),
	}

	switch s.Queue.Backend {
	case settings.BackendMemory:
		opts = append(opts, queue.WithBackend(memory.Backend))
	case settings.BackendPostgres:
		opts = append(opts, queue.WithBackend(postgres.Backend), config.WithConnectionString(s.Queue.URL))
	case settings.BackendRedis:
		opts = append(opts, queue.WithBackend(redis.Backend), redis.WithAddr(s.Queue.RedisAddr))
		if s.Queue.RedisPassword != "" {
			opts = append(opts, redis.WithPassword(s.Queue.RedisPassword))
		}
		if s.Queue.Concurrency > 0 {
			opts = append(opts, redis.WithConcurrency(s.Queue.Concurrency))
		}
	default:
		return nil, fmt.Errorf("unknown queue backend %q", s.Queue.Backend)
	}

	q, err = queue.New(ctx, opts...)
	if err != nil {
		return
	}
	q.SetLogger(logger)

	return
}

// Workers returns the daemon's worker tasks
func (d *Daemon) Workers() *workers.Workers {
	return d.workers
}

// Run runs the daemon until ctx is done
func (d *Daemon) Run(ctx context.Context) (err error) {
	if err = os.MkdirAll(filepath.Dir(d.settings.Daemon.LockFile), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() {
		if unlockErr := d.lock.Unlock(); unlockErr != nil {
			d.logger.Warn("unable to release daemon lock", "error", unlockErr)
		}
	}()

	if err = d.start(ctx); err != nil {
		return
	}

	d.logger.Info("talkarr daemon started", "lock", d.settings.Daemon.LockFile, "queue", d.settings.Queue.Backend)

	sup := suture.New("talkarr", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: d.logger}).MustHook(),
		Timeout:   supervisorShutdownTimeout,
	})
	if d.watcher != nil {
		sup.Add(d.watcher)
	}
	if d.server != nil {
		sup.Add(d.server)
	}

	err = sup.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	d.logger.Info("talkarr daemon stopped")

	return
}

// start prepares the pipeline: clears stale locks, watches the root folders, starts processing tasks and enqueues
// the startup tasks
func (d *Daemon) start(ctx context.Context) (err error) {
	if d.settings.Daemon.ClearLocksOnStartup {
		var n int64
		n, err = d.locks.Clear(ctx)
		if err != nil {
			return fmt.Errorf("clear locks: %w", err)
		}
		if n > 0 {
			d.logger.Warn("cleared stale locks", "count", n)
		}
	}

	if d.watcher != nil {
		var folders []store.RootFolder
		folders, err = d.store.ListRootFolders(ctx)
		if err != nil {
			return
		}
		for _, f := range folders {
			if watchErr := d.watcher.Add(f.Path); watchErr != nil {
				d.logger.Warn("unable to watch root folder", "root_folder", f.Path, "error", watchErr)
			}
		}
	}

	if err = d.workers.Register(ctx, d.settings.TaskSchedules()); err != nil {
		return fmt.Errorf("register tasks: %w", err)
	}

	for _, task := range StartupTasks {
		if _, err = d.workers.Enqueue(ctx, task); err != nil && !errors.Is(err, jobs.ErrDuplicateJob) {
			return fmt.Errorf("enqueue %s: %w", task, err)
		}
	}

	return nil
}

// rootFoldersChanged rechecks the root folders after files changed on disk
func (d *Daemon) rootFoldersChanged(ctx context.Context, roots []string) {
	d.logger.Debug("root folders changed", "root_folders", roots)

	_, err := d.workers.Enqueue(ctx, workers.TaskCheckForRootFolders)
	if err != nil && !errors.Is(err, jobs.ErrDuplicateJob) {
		d.logger.Error("unable to enqueue root folder check", "error", err)
	}
}

// Close stops the queue backend and the watcher, and closes the store
func (d *Daemon) Close() {
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Warn("unable to close watcher", "error", err)
		}
	}

	if d.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
		defer cancel()
		d.queue.Shutdown(ctx)
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("unable to close store", "error", err)
		}
	}
}
