package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/guregu/null"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/talkarr/talkarr/config"
	"github.com/talkarr/talkarr/handler"
	"github.com/talkarr/talkarr/internal"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/logging"
	"github.com/talkarr/talkarr/types"
)

// All jobs are placed on the same 'default' queue; talkarr queue names become asynq task types
const defaultAsynqQueue = "default"

const fingerprintKeyPrefix = "talkarr:fingerprint:"

// ErrInvalidAddr indicates that the provided address is not a valid redis connection string
var ErrInvalidAddr = errors.New("invalid connecton string: see documentation for valid connection strings")

// RedisBackend is a Redis-backed queue backend
// nolint: revive
type RedisBackend struct {
	types.Backend
	client       *asynq.Client
	server       *asynq.Server
	inspector    *asynq.Inspector
	rdb          *redis.Client // holds job fingerprints, which asynq has no notion of
	mux          *asynq.ServeMux
	config       *config.Config
	logger       logging.Logger
	mu           *sync.Mutex // mutext to protect mutating backend state
	taskProvider *memoryTaskConfigProvider
	mgr          *asynq.PeriodicTaskManager
}

type memoryTaskConfigProvider struct {
	mu      *sync.Mutex
	configs []*asynq.PeriodicTaskConfig
}

// newMemoryTaskConfigProvider returns a new asynq MemoryTaskConfigProvider
func newMemoryTaskConfigProvider() (p *memoryTaskConfigProvider) {
	p = &memoryTaskConfigProvider{
		mu:      &sync.Mutex{},
		configs: []*asynq.PeriodicTaskConfig{},
	}
	return
}

// GetConfigs returns this provider's periodic task configurations
func (m *memoryTaskConfigProvider) GetConfigs() (c []*asynq.PeriodicTaskConfig, err error) {
	m.mu.Lock()
	cfgs := m.configs
	m.mu.Unlock()
	return cfgs, nil
}

// addConfig adds a periodic task configuration to this provider's configs
func (m *memoryTaskConfigProvider) addConfig(taskConfig *asynq.PeriodicTaskConfig) {
	m.mu.Lock()
	m.configs = append(m.configs, taskConfig)
	m.mu.Unlock()
}

// Backend is a [config.BackendInitializer] that initializes a new Redis-backed backend
func Backend(_ context.Context, opts ...config.Option) (backend types.Backend, err error) {
	b := &RedisBackend{
		config:       config.New(),
		mu:           &sync.Mutex{},
		taskProvider: newMemoryTaskConfigProvider(),
	}

	for _, opt := range opts {
		opt(b.config)
	}

	b.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: b.config.LogLevel}))
	if b.config.ConnectionString == "" {
		err = ErrInvalidAddr
		return
	}

	if b.config.BackendConcurrency <= 0 {
		b.config.BackendConcurrency = runtime.NumCPU()
	}

	clientOpt := asynq.RedisClientOpt{Addr: b.config.ConnectionString}
	if b.config.BackendAuthPassword != "" {
		clientOpt.Password = b.config.BackendAuthPassword
	}
	b.rdb = redis.NewClient(&redis.Options{Addr: clientOpt.Addr, Password: clientOpt.Password})
	b.inspector = asynq.NewInspector(clientOpt)
	b.client = asynq.NewClient(clientOpt)
	b.server = asynq.NewServer(
		clientOpt,
		asynq.Config{
			Concurrency:     b.config.BackendConcurrency,
			ShutdownTimeout: b.config.ShutdownTimeout,
		},
	)

	b.mux = asynq.NewServeMux()

	b.mgr, err = asynq.NewPeriodicTaskManager(
		asynq.PeriodicTaskManagerOpts{
			RedisConnOpt:               clientOpt,
			PeriodicTaskConfigProvider: b.taskProvider,
			SyncInterval:               500 * time.Millisecond,
			SchedulerOpts: &asynq.SchedulerOpts{
				PostEnqueueFunc: func(_ *asynq.TaskInfo, err error) {
					if err != nil {
						b.logger.Error("unable to schedule task", slog.Any("error", err))
					}
				},
			},
		})
	if err != nil {
		err = fmt.Errorf("failed to initialize periodic task manager: %w", err)
		return
	}

	go func() {
		if err := b.mgr.Run(); err != nil {
			b.logger.Error("periodic task manager stopped", slog.Any("error", err))
		}
	}()

	go func() {
		if err := b.server.Run(b.mux); err != nil {
			b.logger.Error("task server stopped", slog.Any("error", err))
		}
	}()

	backend = b

	return backend, err
}

// WithAddr configures the backend to connect to Redis with the given address
func WithAddr(addr string) config.Option {
	return func(c *config.Config) {
		c.ConnectionString = addr
	}
}

// WithPassword configures the backend to connect to Redis with the given password
func WithPassword(password string) config.Option {
	return func(c *config.Config) {
		c.BackendAuthPassword = password
	}
}

// WithConcurrency configures the number of workers available to process jobs across all queues
func WithConcurrency(concurrency int) config.Option {
	return func(c *config.Config) {
		c.BackendConcurrency = concurrency
	}
}

// WithShutdownTimeout specifies the duration to wait to let workers finish their tasks
// before forcing them to abort durning Shutdown()
//
// If unset or zero, default timeout of 8 seconds is used.
func WithShutdownTimeout(timeout time.Duration) config.Option {
	return func(c *config.Config) {
		c.ShutdownTimeout = timeout
	}
}

// Enqueue queues jobs to be executed asynchronously
//
// Fingerprints are claimed in redis for as long as the job is unprocessed, making jobs with the same fingerprint
// duplicates.
func (b *RedisBackend) Enqueue(ctx context.Context, job *jobs.Job) (jobID string, err error) {
	if job.Queue == "" {
		err = jobs.ErrNoQueueSpecified
		return
	}

	err = jobs.FingerprintJob(job)
	if err != nil {
		return
	}

	job.ID = uuid.NewString()
	claimed, err := b.rdb.SetNX(ctx, fingerprintKey(job.Fingerprint), job.ID, b.fingerprintTTL(job)).Result()
	if err != nil {
		return "", fmt.Errorf("unable to claim job fingerprint: %w", err)
	}

	if !claimed {
		b.logger.Debug("duplicate job fingerprint", "queue", job.Queue, "fingerprint", job.Fingerprint)
		return "", jobs.ErrDuplicateJob
	}

	var payload []byte
	payload, err = json.Marshal(job.Payload)
	if err != nil {
		b.releaseFingerprint(ctx, job.Fingerprint)
		return
	}

	task := asynq.NewTask(job.Queue, payload)
	_, err = b.client.EnqueueContext(ctx, task, b.jobToTaskOptions(job)...)
	if err != nil {
		b.releaseFingerprint(ctx, job.Fingerprint)
		return "", fmt.Errorf("unable to enqueue task: %w", err)
	}

	return job.ID, nil
}

// Start starts processing jobs with the specified queue and handler
func (b *RedisBackend) Start(_ context.Context, h handler.Handler) (err error) {
	if h.Queue == "" {
		return handler.ErrNoQueue
	}

	if h.RecoverCallback == nil {
		h.RecoverCallback = b.config.RecoveryCallback
	}

	b.mux.HandleFunc(h.Queue, func(ctx context.Context, t *asynq.Task) (err error) {
		taskID := t.ResultWriter().TaskID()
		job, err := b.taskJob(h.Queue, taskID, t.Payload())
		if err != nil {
			b.logger.Error("unable to process job", slog.String("task_id", taskID), slog.Any("error", err))
			return
		}

		if job.Deadline != nil && job.Deadline.Before(time.Now()) {
			b.logger.Debug("job deadline is in the past, skipping", slog.String("task_id", taskID))
			b.releaseFingerprint(ctx, job.Fingerprint)
			return fmt.Errorf("%w: %w", jobs.ErrJobExceededDeadline, asynq.SkipRetry)
		}

		err = handler.Exec(jobs.WithJobContext(ctx, job), h)
		if err == nil {
			b.releaseFingerprint(ctx, job.Fingerprint)
			return
		}

		b.logger.Error("error handling job", slog.String("queue", h.Queue), slog.String("task_id", taskID), slog.Any("error", err))

		// the final attempt archives the task, after which it is dead and no longer holds its fingerprint
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried >= maxRetry {
			b.releaseFingerprint(ctx, job.Fingerprint)
		}

		return
	})

	return nil
}

// StartCron starts processing jobs with the specified cron schedule and handler
//
// See: https://pkg.go.dev/github.com/robfig/cron?#hdr-CRON_Expression_Format for details on the cron spec format
func (b *RedisBackend) StartCron(ctx context.Context, cronSpec string, h handler.Handler) (err error) {
	err = b.Start(ctx, h)
	if err != nil {
		return
	}

	aCronSpec, err := toAsynqCronspec(cronSpec)
	if err != nil {
		return
	}

	payload, err := json.Marshal(map[string]any{})
	if err != nil {
		return
	}

	c := &asynq.PeriodicTaskConfig{
		Cronspec: aCronSpec,
		Task:     asynq.NewTask(h.Queue, payload),
		Opts:     []asynq.Option{asynq.Retention(b.config.JobRetention), asynq.MaxRetry(jobs.DefaultMaxRetries)},
	}
	b.taskProvider.addConfig(c)

	b.logger.Info("scheduled repeating job", "queue", h.Queue, "schedule", internal.DescribeCron(cronSpec))

	return
}

// Job returns a snapshot of the job with the given ID
func (b *RedisBackend) Job(_ context.Context, jobID string) (job *jobs.Job, err error) {
	ti, err := b.inspector.GetTaskInfo(defaultAsynqQueue, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, jobs.ErrJobNotFound
		}

		return nil, fmt.Errorf("unable to inspect task: %w", err)
	}

	return taskInfoToJob(ti), nil
}

// taskJob builds the job for a task that is about to be handled
func (b *RedisBackend) taskJob(queue, taskID string, payload []byte) (job *jobs.Job, err error) {
	ti, err := b.inspector.GetTaskInfo(defaultAsynqQueue, taskID)
	if err != nil {
		return
	}

	job = taskInfoToJob(ti)
	job.Queue = queue
	job.Status = jobs.StatusRunning
	if job.Payload == nil {
		var p map[string]any
		if err = json.Unmarshal(payload, &p); err != nil {
			b.logger.Info("job has no payload", slog.String("task_id", taskID))
			err = nil
		}
		job.Payload = p
	}

	return
}

// taskInfoToJob converts asynq task info to a job, mapping asynq task states to job statuses
func taskInfoToJob(ti *asynq.TaskInfo) *jobs.Job {
	job := &jobs.Job{
		ID:       ti.ID,
		Queue:    ti.Type,
		Retries:  ti.Retried,
		RunAfter: ti.NextProcessAt,
	}

	maxRetry := ti.MaxRetry
	job.MaxRetries = &maxRetry

	if !ti.Deadline.IsZero() {
		deadline := ti.Deadline
		job.Deadline = &deadline
	}

	var p map[string]any
	if err := json.Unmarshal(ti.Payload, &p); err == nil {
		job.Payload = p
		_ = jobs.FingerprintJob(job)
	}

	if ti.LastErr != "" {
		job.Error = null.StringFrom(ti.LastErr)
	}

	if !ti.LastFailedAt.IsZero() {
		job.RanAt = null.TimeFrom(ti.LastFailedAt)
	}

	if !ti.CompletedAt.IsZero() {
		job.RanAt = null.TimeFrom(ti.CompletedAt)
	}

	switch ti.State {
	case asynq.TaskStateActive:
		job.Status = jobs.StatusRunning
	case asynq.TaskStateCompleted:
		job.Status = jobs.StatusProcessed
	case asynq.TaskStateArchived:
		job.Status = jobs.StatusDead
	case asynq.TaskStateRetry:
		job.Status = jobs.StatusFailed
	default:
		job.Status = jobs.StatusNew
	}

	return job
}

// jobToTaskOptions converts jobs.Job to a slice of asynq.Option that corresponds with its settings
func (b *RedisBackend) jobToTaskOptions(job *jobs.Job) (opts []asynq.Option) {
	opts = append(opts,
		asynq.TaskID(job.ID),
		asynq.Queue(defaultAsynqQueue),
		asynq.MaxRetry(job.MaxRetriesOrDefault()),
		asynq.Retention(b.config.JobRetention))

	if !job.RunAfter.IsZero() {
		opts = append(opts, asynq.ProcessAt(job.RunAfter))
	}

	if job.Deadline != nil {
		opts = append(opts, asynq.Deadline(*job.Deadline))
	}

	return
}

// fingerprintTTL bounds how long a fingerprint may be claimed, so a crashed worker cannot block a job forever
func (b *RedisBackend) fingerprintTTL(job *jobs.Job) time.Duration {
	ttl := b.config.JobRetention
	if until := time.Until(job.RunAfter); until > 0 {
		ttl += until
	}

	return ttl
}

func (b *RedisBackend) releaseFingerprint(ctx context.Context, fingerprint string) {
	if err := b.rdb.Del(context.WithoutCancel(ctx), fingerprintKey(fingerprint)).Err(); err != nil {
		b.logger.Error("unable to release job fingerprint", slog.String("fingerprint", fingerprint), slog.Any("error", err))
	}
}

func fingerprintKey(fingerprint string) string {
	return fingerprintKeyPrefix + fingerprint
}

// Asynq does not currently support the seconds field in cron specs. However, it does supports seconds using the
// alternative syntax: @every Xs, where X is the number of seconds between executions
//
// Because of this, when cron specs have six fields (contain seconds), the seconds field is converted to the asynq
// seconds format. Six-field specs that cannot be expressed that way are rejected.
func toAsynqCronspec(cronSpec string) (string, error) {
	fields := strings.Fields(cronSpec)
	// nolint: gomnd
	if len(fields) != 6 {
		return cronSpec, nil
	}

	if strings.Count(cronSpec, "*") != 6 && fields[0] != "0" {
		return "", fmt.Errorf("unsupported cron spec for redis backend: %s", cronSpec)
	}

	secondsField := fields[0]
	switch {
	case secondsField == "0":
		return strings.Join(fields[1:], " "), nil
	case secondsField == "*":
		return "@every 1s", nil
	case strings.Contains(secondsField, "/"):
		// Handle cronspec divisor syntax, e.g. */30 is every 30 seconds, or @every 30s
		seconds := strings.Split(secondsField, "/")[1]
		return fmt.Sprintf("@every %ss", seconds), nil
	default:
		return "", fmt.Errorf("unsupported cron spec for redis backend: %s", cronSpec)
	}
}

// SetLogger sets this backend's logger
func (b *RedisBackend) SetLogger(logger logging.Logger) {
	b.logger = logger
}

// Shutdown halts the worker
func (b *RedisBackend) Shutdown(_ context.Context) {
	b.mgr.Shutdown()
	b.server.Shutdown()
	b.client.Close()
	b.inspector.Close()
	b.rdb.Close()
}
