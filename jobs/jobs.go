package jobs

import (
	"context"
	"crypto/md5" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/guregu/null"
)

type contextKey struct{}

var (
	jobCtxVarKey contextKey

	ErrContextHasNoJob       = errors.New("context has no Job")
	ErrDuplicateJob          = errors.New("duplicate job: an unprocessed job with the same fingerprint exists")
	ErrJobNotFound           = errors.New("job not found")
	ErrJobTimeout            = errors.New("timed out waiting for job(s)")
	ErrNoQueueSpecified      = errors.New("this job does not specify a queue. please specify a queue")
	ErrJobExceededDeadline   = errors.New("job exceeded its deadline")
	ErrJobExceededMaxRetries = errors.New("job exceeded its maximum number of retries")
)

// Job statuses
const (
	StatusNew       = "new"
	StatusRunning   = "running"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
	StatusDead      = "dead"
)

// DefaultMaxRetries is the number of times a failed job is retried when the job does not set MaxRetries
const DefaultMaxRetries = 5

// Job contains all the data pertaining to jobs
//
// Jobs are what are placed on queues for processing.
//
// The Fingerprint field can be supplied by the user to impact job deduplication.
type Job struct {
	ID          string         `db:"id"`
	Fingerprint string         `db:"fingerprint"` // A md5 sum of the job's queue + payload, affects job deduplication
	Status      string         `db:"status"`      // The status of the job
	Queue       string         `db:"queue"`       // The queue the job is on
	Payload     map[string]any `db:"payload"`     // JSON job payload for more complex jobs
	RunAfter    time.Time      `db:"run_after"`   // The time after which the job is elligible to be picked up by a worker
	RanAt       null.Time      `db:"ran_at"`      // The last time the job ran
	Error       null.String    `db:"error"`       // The last error the job elicited
	Retries     int            `db:"retries"`     // The number of times the job has retried
	MaxRetries  *int           `db:"max_retries"` // The maximum number of times the job can retry
	Deadline    *time.Time     `db:"deadline"`    // The time after which the job should no longer be run
	CreatedAt   time.Time      `db:"created_at"`  // The time the job was created
}

// MaxRetriesOrDefault returns the job's maximum retry count, or DefaultMaxRetries when unset
func (j *Job) MaxRetriesOrDefault() int {
	if j.MaxRetries == nil {
		return DefaultMaxRetries
	}

	return *j.MaxRetries
}

// Done reports whether the job reached a terminal status
func (j *Job) Done() bool {
	return j.Status == StatusProcessed || j.Status == StatusDead
}

// FingerprintJob fingerprints jobs as an md5 hash of its queue combined with its JSON-serialized payload
func FingerprintJob(j *Job) (err error) {
	// only generate a fingerprint if the job is not already fingerprinted
	if j.Fingerprint != "" {
		return
	}

	var js []byte
	js, err = json.Marshal(j.Payload)
	if err != nil {
		return
	}
	h := md5.New() // nolint: gosec
	_, err = io.WriteString(h, j.Queue)
	if err != nil {
		return
	}

	_, err = h.Write(js)
	if err != nil {
		return
	}

	j.Fingerprint = fmt.Sprintf("%x", h.Sum(nil))

	return
}

// WithJobContext creates a new context with the Job set
func WithJobContext(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, jobCtxVarKey, j)
}

// FromContext fetches the job from a context if the job context variable is already set
func FromContext(ctx context.Context) (j *Job, err error) {
	var ok bool
	if j, ok = ctx.Value(jobCtxVarKey).(*Job); ok {
		return
	}

	return nil, ErrContextHasNoJob
}
