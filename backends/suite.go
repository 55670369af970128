package backends

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/talkarr/talkarr/handler"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/types"
)

const (
	messageKey = "message"
	waitFor    = 10 * time.Second
)

// BackendTestSuite tests the behavior every queue backend shares, independent of implementation
type BackendTestSuite struct {
	suite.Suite
	Backend types.Backend
}

// NewBackendTestSuite constructs a new test suite that can be used to test any implementation of [types.Backend]
func NewBackendTestSuite(b types.Backend) *BackendTestSuite {
	s := new(BackendTestSuite)
	s.Backend = b
	return s
}

func (s *BackendTestSuite) TearDownSuite() {
	s.Backend.Shutdown(context.Background())
}

// queueName returns a queue name that no other test shares
func (s *BackendTestSuite) queueName() string {
	return fmt.Sprintf("testq-%d", rand.Int63())
}

func (s *BackendTestSuite) waitForStatus(jobID, status string) *jobs.Job {
	var job *jobs.Job
	s.Eventually(func() bool {
		var err error
		job, err = s.Backend.Job(context.Background(), jobID)
		return err == nil && job.Status == status
	}, waitFor, 10*time.Millisecond, "job %s never reached status %s", jobID, status)

	return job
}

// TestOverrideFingerprint verifies that jobs sharing a caller-provided fingerprint are duplicates until the first one
// has been processed.
func (s *BackendTestSuite) TestOverrideFingerprint() {
	ctx := context.Background()
	queue := s.queueName()
	fingerprint := fmt.Sprintf("fingerprint-%d", rand.Int63())

	proceed := make(chan bool)
	h := handler.New(queue, func(_ context.Context) error {
		<-proceed
		return nil
	}, handler.Concurrency(1))
	s.Require().NoError(s.Backend.Start(ctx, h))

	firstID, err := s.Backend.Enqueue(ctx, &jobs.Job{
		Queue:       queue,
		Payload:     map[string]any{messageKey: "first"},
		Fingerprint: fingerprint,
	})
	s.Require().NoError(err)

	_, err = s.Backend.Enqueue(ctx, &jobs.Job{
		Queue:       queue,
		Payload:     map[string]any{messageKey: "conflicting fingerprint"},
		Fingerprint: fingerprint,
	})
	s.ErrorIs(err, jobs.ErrDuplicateJob)

	proceed <- true
	s.waitForStatus(firstID, jobs.StatusProcessed)

	go func() { proceed <- true }()
	secondID, err := s.Backend.Enqueue(ctx, &jobs.Job{
		Queue:       queue,
		Payload:     map[string]any{messageKey: "the prior job has been processed"},
		Fingerprint: fingerprint,
	})
	s.Require().NoError(err)
	s.NotEqual(firstID, secondID)
	s.waitForStatus(secondID, jobs.StatusProcessed)
}

// TestProcessedJobIsInspectable verifies that finished jobs remain visible with their payload
func (s *BackendTestSuite) TestProcessedJobIsInspectable() {
	ctx := context.Background()
	queue := s.queueName()

	h := handler.New(queue, func(_ context.Context) error { return nil })
	s.Require().NoError(s.Backend.Start(ctx, h))

	jobID, err := s.Backend.Enqueue(ctx, &jobs.Job{
		Queue:   queue,
		Payload: map[string]any{messageKey: "inspect me"},
	})
	s.Require().NoError(err)

	job := s.waitForStatus(jobID, jobs.StatusProcessed)
	s.Equal(jobID, job.ID)
	s.Equal(queue, job.Queue)
	s.Equal("inspect me", job.Payload[messageKey])
}

// TestUnknownJob verifies that unknown job IDs are reported as not found
func (s *BackendTestSuite) TestUnknownJob() {
	_, err := s.Backend.Job(context.Background(), fmt.Sprintf("missing-%d", rand.Int63()))
	s.ErrorIs(err, jobs.ErrJobNotFound)
}

// TestExhaustedJobIsDead verifies that jobs which fail without retries left are dead, and keep their last error
func (s *BackendTestSuite) TestExhaustedJobIsDead() {
	ctx := context.Background()
	queue := s.queueName()

	h := handler.New(queue, func(_ context.Context) error { return errors.New("root folder unavailable") })
	s.Require().NoError(s.Backend.Start(ctx, h))

	maxRetries := 0
	jobID, err := s.Backend.Enqueue(ctx, &jobs.Job{Queue: queue, MaxRetries: &maxRetries})
	s.Require().NoError(err)

	job := s.waitForStatus(jobID, jobs.StatusDead)
	s.True(job.Error.Valid)
	s.Contains(job.Error.String, "root folder unavailable")
}

// TestFutureJobWaits verifies that jobs scheduled for the future are not run early
func (s *BackendTestSuite) TestFutureJobWaits() {
	ctx := context.Background()
	queue := s.queueName()

	ran := make(chan bool, 1)
	h := handler.New(queue, func(_ context.Context) error {
		ran <- true
		return nil
	})
	s.Require().NoError(s.Backend.Start(ctx, h))

	jobID, err := s.Backend.Enqueue(ctx, &jobs.Job{Queue: queue, RunAfter: time.Now().Add(time.Hour)})
	s.Require().NoError(err)

	select {
	case <-ran:
		s.Fail("future job ran early")
	case <-time.After(500 * time.Millisecond):
	}

	job, err := s.Backend.Job(ctx, jobID)
	s.Require().NoError(err)
	s.False(job.Done())
}
