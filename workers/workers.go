// Package workers implements talkarr's background tasks.
//
// Every task is a queue of the same name. Tasks compose by enqueueing one another rather than calling each other:
//
//	checkForRootFolders -> checkIfFilesExist -> scanForMissingFiles        -> checkEventsForProblems
//	                                          -> scanAndImportExistingFiles -> checkEventsForProblems
//
// validateUserPreferences runs on its own.
//
// Each task runs under a lock named after the task, so at most one instance of a task runs at a time across every
// process sharing the database. An instance that finds the lock held returns immediately without error.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talkarr/talkarr/handler"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/locks"
	"github.com/talkarr/talkarr/logging"
	"github.com/talkarr/talkarr/metrics"
	"github.com/talkarr/talkarr/store"
	"github.com/talkarr/talkarr/talks"
	"github.com/talkarr/talkarr/types"
)

// Task names, which are also the names of their queues
const (
	TaskCheckForRootFolders        = "checkForRootFolders"
	TaskCheckIfFilesExist          = "checkIfFilesExist"
	TaskScanForMissingFiles        = "scanForMissingFiles"
	TaskScanAndImportExistingFiles = "scanAndImportExistingFiles"
	TaskCheckEventsForProblems     = "checkEventsForProblems"
	TaskValidateUserPreferences    = "validateUserPreferences"
)

// DefaultTaskTimeout is how long a single task run may take
const DefaultTaskTimeout = time.Hour

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrRootFolderBusy = errors.New("root folder is being scanned")
)

// Tasks lists every task in pipeline order
var Tasks = []string{
	TaskCheckForRootFolders,
	TaskCheckIfFilesExist,
	TaskScanForMissingFiles,
	TaskScanAndImportExistingFiles,
	TaskCheckEventsForProblems,
	TaskValidateUserPreferences,
}

// Deps are the collaborators of the worker tasks
type Deps struct {
	Queue           types.Backend
	Store           *store.Store
	Locks           *locks.Registry
	Talks           talks.Searcher
	Logger          logging.Logger
	VideoExtensions []string      // defaults to scan.DefaultVideoExtensions
	TaskTimeout     time.Duration // defaults to DefaultTaskTimeout
}

// Workers runs talkarr's background tasks
type Workers struct {
	queue   types.Backend
	store   *store.Store
	locks   *locks.Registry
	talks   talks.Searcher
	logger  logging.Logger
	exts    []string
	timeout time.Duration
	tasks   map[string]func(ctx context.Context) error
}

// New creates the worker tasks
func New(deps Deps) *Workers {
	w := &Workers{
		queue:   deps.Queue,
		store:   deps.Store,
		locks:   deps.Locks,
		talks:   deps.Talks,
		logger:  deps.Logger,
		exts:    deps.VideoExtensions,
		timeout: deps.TaskTimeout,
	}

	if w.logger == nil {
		w.logger = logging.Discard
	}
	if w.timeout <= 0 {
		w.timeout = DefaultTaskTimeout
	}

	w.tasks = map[string]func(ctx context.Context) error{
		TaskCheckForRootFolders:        w.checkForRootFolders,
		TaskCheckIfFilesExist:          w.checkIfFilesExist,
		TaskScanForMissingFiles:        w.scanForMissingFiles,
		TaskScanAndImportExistingFiles: w.scanAndImportExistingFiles,
		TaskCheckEventsForProblems:     w.checkEventsForProblems,
		TaskValidateUserPreferences:    w.validateUserPreferences,
	}

	return w
}

// IsTask reports whether name is a known task
func IsTask(name string) bool {
	for _, t := range Tasks {
		if t == name {
			return true
		}
	}
	return false
}

// Handler returns the queue handler that runs task under its lock
func (w *Workers) Handler(task string, opts ...handler.Option) (h handler.Handler, err error) {
	fn, ok := w.tasks[task]
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownTask, task)
		return
	}

	opts = append([]handler.Option{handler.JobTimeout(w.timeout), handler.Concurrency(1)}, opts...)
	h = handler.New(task, w.guard(task, fn), opts...)

	return
}

// Register starts processing every task on the queue
//
// Tasks with an entry in schedules are also enqueued on that cron schedule.
func (w *Workers) Register(ctx context.Context, schedules map[string]string, opts ...handler.Option) (err error) {
	for task := range schedules {
		if !IsTask(task) {
			return fmt.Errorf("%w: %s", ErrUnknownTask, task)
		}
	}

	for _, task := range Tasks {
		var h handler.Handler
		h, err = w.Handler(task, opts...)
		if err != nil {
			return
		}

		if spec := schedules[task]; spec != "" {
			err = w.queue.StartCron(ctx, spec, h)
		} else {
			err = w.queue.Start(ctx, h)
		}
		if err != nil {
			return fmt.Errorf("start %s: %w", task, err)
		}
	}

	return
}

// Enqueue enqueues a run of task
//
// When a run of task is already pending the error matches [jobs.ErrDuplicateJob].
func (w *Workers) Enqueue(ctx context.Context, task string) (jobID string, err error) {
	if !IsTask(task) {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}

	return w.queue.Enqueue(ctx, &jobs.Job{Queue: task})
}

// Run runs task immediately, outside the queue, under its lock
//
// ran is false when another instance of task holds its lock.
func (w *Workers) Run(ctx context.Context, task string) (ran bool, err error) {
	fn, ok := w.tasks[task]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}

	return w.run(ctx, task, fn)
}

// guard wraps a task so that it runs under its lock and records its outcome
func (w *Workers) guard(task string, fn func(ctx context.Context) error) handler.Func {
	return func(ctx context.Context) error {
		_, err := w.run(ctx, task, fn)
		return err
	}
}

func (w *Workers) run(ctx context.Context, task string, fn func(ctx context.Context) error) (ran bool, err error) {
	logger := w.taskLogger(ctx, task)
	start := time.Now()

	ran, err = w.locks.WithLock(ctx, task, fn)
	switch {
	case err != nil:
		metrics.RecordTask(task, metrics.OutcomeError, time.Since(start))
		logger.Error("task failed", "error", err, "duration", time.Since(start))
	case !ran:
		metrics.RecordTask(task, metrics.OutcomeLockHeld, time.Since(start))
		logger.Info("task is already running, skipping")
	default:
		metrics.RecordTask(task, metrics.OutcomeSuccess, time.Since(start))
		logger.Info("task finished", "duration", time.Since(start))
	}

	return
}

// enqueue enqueues the follow-up tasks of trigger; a follow-up that is already pending is not an error
//
// Follow-ups carry their trigger, so a follow-up enqueued by one task is not swallowed by a pending follow-up of
// another.
func (w *Workers) enqueue(ctx context.Context, trigger string, tasks ...string) error {
	var errs []error
	for _, task := range tasks {
		jobID, err := w.queue.Enqueue(ctx, &jobs.Job{
			Queue:   task,
			Payload: map[string]any{"trigger": trigger},
		})
		switch {
		case errors.Is(err, jobs.ErrDuplicateJob):
			w.logger.Debug("follow-up task already pending", "task", task, "trigger", trigger)
		case err != nil:
			errs = append(errs, fmt.Errorf("enqueue %s: %w", task, err))
		default:
			w.logger.Debug("enqueued follow-up task", "task", task, "trigger", trigger, "job_id", jobID)
		}
	}

	return errors.Join(errs...)
}

func (w *Workers) taskLogger(ctx context.Context, task string) logging.Logger {
	args := []any{"task", task}
	if j, err := jobs.FromContext(ctx); err == nil {
		args = append(args, "job_id", j.ID)
	}

	return withArgs(w.logger, args...)
}

// rootFolders returns the registered root folders keyed by path, and the healthy ones
func (w *Workers) rootFolders(ctx context.Context) (all map[string]store.RootFolder, healthy []store.RootFolder, err error) {
	folders, err := w.store.ListRootFolders(ctx)
	if err != nil {
		return nil, nil, err
	}

	all = make(map[string]store.RootFolder, len(folders))
	for _, f := range folders {
		all[f.Path] = f
		if f.Healthy() {
			healthy = append(healthy, f)
		}
	}

	return all, healthy, nil
}

// argsLogger prepends fixed key/value pairs to every record of a logger
//
// logging.Logger has no With, since slog's returns the concrete *slog.Logger.
type argsLogger struct {
	logging.Logger
	args []any
}

func withArgs(l logging.Logger, args ...any) logging.Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(args...)
	}

	return &argsLogger{Logger: l, args: args}
}

func (l *argsLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, l.with(args)...) }
func (l *argsLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, l.with(args)...) }
func (l *argsLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, l.with(args)...) }
func (l *argsLogger) Error(msg string, args ...any) { l.Logger.Error(msg, l.with(args)...) }

func (l *argsLogger) with(args []any) []any {
	return append(append(make([]any, 0, len(l.args)+len(args)), l.args...), args...)
}
