package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null"
	"github.com/robfig/cron"
	"github.com/talkarr/talkarr/config"
	"github.com/talkarr/talkarr/handler"
	"github.com/talkarr/talkarr/internal"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/logging"
	"github.com/talkarr/talkarr/types"
)

const (
	defaultMemQueueCapacity = 10000 // the default capacity of individual queues
	emptyCapacity           = 0
)

// MemBackend is a memory-backed queue backend
//
// Jobs do not survive a restart; use the postgres or redis backends for durable queues.
type MemBackend struct {
	types.Backend
	config       *config.Config
	logger       logging.Logger
	handlers     *sync.Map // map queue names [string] to queue handlers [handler.Handler]
	queues       *sync.Map // map queue names [string] to job channels [chan *jobs.Job]
	fingerprints *sync.Map // map fingerprints [string] to unprocessed job IDs [string]
	futureJobs   *sync.Map // map jobIDs [string] to jobs [*jobs.Job]
	cron         *cron.Cron
	mu           *sync.Mutex          // mutex to protect mutating state on jobs and cancelFuncs
	jobs         map[string]*jobs.Job // every job known to the backend, for introspection
	cancelFuncs  []context.CancelFunc // A collection of cancel functions to be called upon Shutdown()
	ctx          context.Context
	schedule     sync.Once
}

// Backend is a [config.BackendInitializer] that initializes a new memory-backed backend
func Backend(ctx context.Context, opts ...config.Option) (backend types.Backend, err error) {
	mb := &MemBackend{
		config:       config.New(),
		cron:         cron.New(),
		mu:           &sync.Mutex{},
		handlers:     &sync.Map{},
		queues:       &sync.Map{},
		futureJobs:   &sync.Map{},
		fingerprints: &sync.Map{},
		jobs:         make(map[string]*jobs.Job),
		cancelFuncs:  []context.CancelFunc{},
	}

	for _, opt := range opts {
		opt(mb.config)
	}

	mb.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: mb.config.LogLevel}))

	var cancel context.CancelFunc
	mb.ctx, cancel = context.WithCancel(ctx)
	mb.cancelFuncs = append(mb.cancelFuncs, cancel)

	mb.cron.Start()

	backend = mb

	return
}

// Enqueue queues jobs to be executed asynchronously
func (m *MemBackend) Enqueue(ctx context.Context, job *jobs.Job) (jobID string, err error) {
	if job.Queue == "" {
		err = jobs.ErrNoQueueSpecified
		return
	}

	qc, ok := m.queues.Load(job.Queue)
	if !ok {
		err = fmt.Errorf("%w: %s", handler.ErrNoProcessorForQueue, job.Queue)
		return
	}

	// Make sure RunAfter is set to a non-zero value if not provided by the caller
	// if already set, schedule the future job
	now := time.Now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}

	err = jobs.FingerprintJob(job)
	if err != nil {
		return
	}

	job.ID = uuid.NewString()
	job.Status = jobs.StatusNew
	job.CreatedAt = now

	// if the job fingerprint is already known, don't queue the job
	if _, found := m.fingerprints.LoadOrStore(job.Fingerprint, job.ID); found {
		m.logger.Debug("duplicate job fingerprint", "queue", job.Queue, "fingerprint", job.Fingerprint)
		return "", jobs.ErrDuplicateJob
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if job.RunAfter.After(now) {
		m.futureJobs.Store(job.ID, job)
		m.logger.Debug("added job to future jobs list", "job_id", job.ID, "run_after", job.RunAfter)
		return job.ID, nil
	}

	// queues that have reached capacity block until there is room, or the caller gives up
	select {
	case qc.(chan *jobs.Job) <- job:
	case <-ctx.Done():
		m.forget(job)
		return "", ctx.Err()
	}

	return job.ID, nil
}

// Start starts processing jobs with the specified queue and handler
func (m *MemBackend) Start(ctx context.Context, h handler.Handler) (err error) {
	if h.Queue == "" {
		return handler.ErrNoQueue
	}

	if h.RecoverCallback == nil {
		h.RecoverCallback = m.config.RecoveryCallback
	}

	var queueCapacity = h.QueueCapacity
	if queueCapacity == emptyCapacity {
		queueCapacity = defaultMemQueueCapacity
	}

	qc, _ := m.queues.LoadOrStore(h.Queue, make(chan *jobs.Job, queueCapacity))
	m.handlers.Store(h.Queue, h)

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelFuncs = append(m.cancelFuncs, cancel)
	m.mu.Unlock()

	m.schedule.Do(func() {
		go m.scheduleFutureJobs(m.ctx)
	})

	m.logger.Debug("starting job processing", "queue", h.Queue, "concurrency", h.Concurrency)
	m.start(ctx, qc.(chan *jobs.Job), h)

	return nil
}

// StartCron starts processing jobs with the specified cron schedule and handler
//
// See: https://pkg.go.dev/github.com/robfig/cron?#hdr-CRON_Expression_Format for details on the cron spec format
func (m *MemBackend) StartCron(ctx context.Context, cronSpec string, h handler.Handler) (err error) {
	err = m.Start(ctx, h)
	if err != nil {
		return fmt.Errorf("error processing queue '%s': %w", h.Queue, err)
	}

	if err := m.cron.AddFunc(cronSpec, func() {
		_, err := m.Enqueue(ctx, &jobs.Job{Queue: h.Queue})
		if err != nil && !errors.Is(err, jobs.ErrDuplicateJob) && !errors.Is(err, context.Canceled) {
			m.logger.Error("error queueing cron job", "queue", h.Queue, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("error adding cron: %w", err)
	}

	m.logger.Info("scheduled repeating job", "queue", h.Queue, "schedule", internal.DescribeCron(cronSpec))

	return
}

// Job returns a snapshot of the job with the given ID
func (m *MemBackend) Job(_ context.Context, jobID string) (job *jobs.Job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}

	snapshot := *j
	return &snapshot, nil
}

// SetLogger sets this backend's logger
func (m *MemBackend) SetLogger(logger logging.Logger) {
	m.logger = logger
}

// Shutdown halts the worker
func (m *MemBackend) Shutdown(ctx context.Context) {
	m.cron.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.cancelFuncs {
		f()
	}

	m.cancelFuncs = nil
}

// start starts Concurrency processors that handle jobs arriving on the queue's channel
func (m *MemBackend) start(ctx context.Context, queue chan *jobs.Job, h handler.Handler) {
	for i := 0; i < h.Concurrency; i++ {
		go func() {
			var job *jobs.Job

			for {
				select {
				case job = <-queue:
				case <-ctx.Done():
					return
				case <-m.ctx.Done():
					return
				}

				err := m.handleJob(ctx, job, h)
				if err != nil && errors.Is(err, context.Canceled) {
					return
				}
			}
		}()
	}
}

func (m *MemBackend) scheduleFutureJobs(ctx context.Context) {
	// check for new future jobs on an interval
	ticker := time.NewTicker(m.config.JobCheckInterval)
	defer ticker.Stop()

	for {
		// loop over list of future jobs, scheduling goroutines to wait for jobs that are due within the next 30 seconds
		m.futureJobs.Range(func(_, v any) bool {
			job := v.(*jobs.Job)

			m.mu.Lock()
			runAfter := job.RunAfter
			m.mu.Unlock()

			timeUntilRunAfter := time.Until(runAfter)
			if timeUntilRunAfter <= m.config.FutureJobWindow {
				m.futureJobs.Delete(job.ID)
				go func(j *jobs.Job) {
					select {
					case <-time.After(timeUntilRunAfter):
					case <-ctx.Done():
						return
					}

					qc, ok := m.queues.Load(j.Queue)
					if !ok {
						m.logger.Error("no queue processor for queue", "queue", j.Queue, "error", handler.ErrNoHandlerForQueue)
						return
					}

					select {
					case qc.(chan *jobs.Job) <- j:
					case <-ctx.Done():
					}
				}(job)
			}

			return true
		})

		m.pruneJobs()

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return
		}
	}
}

// pruneJobs forgets finished jobs that have been retained longer than the configured job retention
func (m *MemBackend) pruneJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, j := range m.jobs {
		if j.Done() && j.RanAt.Valid && time.Since(j.RanAt.Time) > m.config.JobRetention {
			delete(m.jobs, id)
		}
	}
}

// handleJob runs the handler for a single job and records the outcome
//
// failed jobs are retried with backoff until they exceed their maximum retries, after which they are dead
func (m *MemBackend) handleJob(ctx context.Context, job *jobs.Job, h handler.Handler) (err error) {
	m.mu.Lock()
	job.Status = jobs.StatusRunning
	snapshot := *job
	m.mu.Unlock()

	if job.Deadline != nil && time.Now().After(*job.Deadline) {
		err = jobs.ErrJobExceededDeadline
	} else {
		err = handler.Exec(jobs.WithJobContext(ctx, &snapshot), h)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job.RanAt = null.TimeFrom(time.Now())
	if errors.Is(err, jobs.ErrJobExceededDeadline) {
		job.Status = jobs.StatusDead
		job.Error = null.StringFrom(err.Error())
		m.fingerprints.Delete(job.Fingerprint)
		return
	}

	if err == nil {
		job.Status = jobs.StatusProcessed
		job.Error = null.String{}
		m.fingerprints.Delete(job.Fingerprint)
		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	m.logger.Error("job failed", "queue", job.Queue, "job_id", job.ID, "error", err)
	job.Error = null.StringFrom(err.Error())

	if job.Retries >= job.MaxRetriesOrDefault() {
		job.Status = jobs.StatusDead
		m.fingerprints.Delete(job.Fingerprint)
		return
	}

	job.Retries++
	job.Status = jobs.StatusFailed
	job.RunAfter = internal.CalculateBackoff(job.Retries)
	m.futureJobs.Store(job.ID, job)

	return
}

// forget removes all record of a job that never made it onto its queue
func (m *MemBackend) forget(job *jobs.Job) {
	m.fingerprints.Delete(job.Fingerprint)
	m.mu.Lock()
	delete(m.jobs, job.ID)
	m.mu.Unlock()
}
