package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTask(t *testing.T) {
	before := testutil.ToFloat64(TaskRunsTotal.WithLabelValues("metricsTest", OutcomeSuccess))
	samples := testutil.CollectAndCount(TaskDuration)

	RecordTask("metricsTest", OutcomeSuccess, 20*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(TaskRunsTotal.WithLabelValues("metricsTest", OutcomeSuccess)))
	assert.Equal(t, samples+1, testutil.CollectAndCount(TaskDuration))
}

func TestRecordTaskLockHeldSkipsDuration(t *testing.T) {
	RecordTask("metricsLockHeld", OutcomeLockHeld, time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(TaskRunsTotal.WithLabelValues("metricsLockHeld", OutcomeLockHeld)))
	// no duration series was created for the task
	assert.False(t, TaskDuration.DeleteLabelValues("metricsLockHeld"))
}
