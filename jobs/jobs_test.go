package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintJob(t *testing.T) {
	a := &Job{Queue: "checkIfFilesExist", Payload: map[string]any{"root": "/media/talks"}}
	b := &Job{Queue: "checkIfFilesExist", Payload: map[string]any{"root": "/media/talks"}}
	c := &Job{Queue: "scanForMissingFiles", Payload: map[string]any{"root": "/media/talks"}}

	require.NoError(t, FingerprintJob(a))
	require.NoError(t, FingerprintJob(b))
	require.NoError(t, FingerprintJob(c))

	assert.Len(t, a.Fingerprint, 32)
	assert.Equal(t, a.Fingerprint, b.Fingerprint, "same queue and payload must fingerprint identically")
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint, "queue is part of the fingerprint")
}

func TestFingerprintJobKeepsUserFingerprint(t *testing.T) {
	j := &Job{Queue: "checkIfFilesExist", Fingerprint: "mine"}
	require.NoError(t, FingerprintJob(j))
	assert.Equal(t, "mine", j.Fingerprint)
}

func TestJobContext(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, ErrContextHasNoJob)

	j := &Job{ID: "42", Queue: "q"}
	got, err := FromContext(WithJobContext(context.Background(), j))
	require.NoError(t, err)
	assert.Same(t, j, got)
}

func TestMaxRetriesOrDefault(t *testing.T) {
	j := &Job{}
	assert.Equal(t, DefaultMaxRetries, j.MaxRetriesOrDefault())

	n := 0
	j.MaxRetries = &n
	assert.Equal(t, 0, j.MaxRetriesOrDefault())
}
