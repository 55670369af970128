package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkarr/talkarr/locks"
	"github.com/talkarr/talkarr/logging"
	"github.com/talkarr/talkarr/queue"
	"github.com/talkarr/talkarr/server"
	"github.com/talkarr/talkarr/store"
	"github.com/talkarr/talkarr/workers"
)

type testAPI struct {
	url   string
	store *store.Store
	locks *locks.Registry
}

// startAPI serves the operations API over a sqlite store and an in-memory queue processing every task
func startAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "talkarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q, err := queue.New(ctx, queue.WithJobCheckInterval(10*time.Millisecond))
	require.NoError(t, err)
	q.SetLogger(logging.Discard)
	t.Cleanup(func() { q.Shutdown(ctx) })

	l := locks.New(s)
	w := workers.New(workers.Deps{Queue: q, Store: s, Locks: l})
	require.NoError(t, w.Register(ctx, nil))

	srv := httptest.NewServer(server.New("", server.Deps{Queue: q, Workers: w, Locks: l, Store: s}).Handler())
	t.Cleanup(srv.Close)

	return &testAPI{url: srv.URL, store: s, locks: l}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunWaitsForJob(t *testing.T) {
	api := startAPI(t)

	out, err := execute(t, "--addr", api.url, "run", "validate-user-preferences", "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued validateUserPreferences as job")
	assert.Contains(t, out, "processed")
}

func TestRunUnknownTask(t *testing.T) {
	api := startAPI(t)

	_, err := execute(t, "--addr", api.url, "run", "reticulate-splines")
	require.ErrorIs(t, err, workers.ErrUnknownTask)
}

func TestJobNotFound(t *testing.T) {
	api := startAPI(t)

	_, err := execute(t, "--addr", api.url, "job", "nope")
	require.ErrorContains(t, err, "not found")
}

func TestRootFolderCommands(t *testing.T) {
	api := startAPI(t)
	dir := t.TempDir()

	out, err := execute(t, "--addr", api.url, "rootfolder", "add", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "added root folder "+dir)

	out, err = execute(t, "--addr", api.url, "rootfolder", "list")
	require.NoError(t, err)
	assert.Contains(t, out, dir)

	_, err = execute(t, "--addr", api.url, "rootfolder", "remove", dir)
	require.NoError(t, err)

	_, err = execute(t, "--addr", api.url, "rootfolder", "remove", dir)
	require.ErrorContains(t, err, "is not a root folder")
}

func TestLocksCommands(t *testing.T) {
	ctx := context.Background()
	api := startAPI(t)

	out, err := execute(t, "--addr", api.url, "locks")
	require.NoError(t, err)
	assert.Contains(t, out, "no locks are held")

	acquired, err := api.locks.Acquire(ctx, locks.RootFolderLockName("/talks"))
	require.NoError(t, err)
	require.True(t, acquired)

	out, err = execute(t, "--addr", api.url, "locks")
	require.NoError(t, err)
	assert.Contains(t, out, "rootFolder:/talks")

	out, err = execute(t, "--addr", api.url, "locks", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared 1 locks")
}

func TestTasksCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	path := filepath.Join(dir, "talkarr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schedules:\n  check_events_for_problems: \"0 0 * * * *\"\n"), 0o644))

	out, err := execute(t, "--config", path, "tasks")
	require.NoError(t, err)

	for _, task := range workers.Tasks {
		assert.Contains(t, out, task)
	}
	assert.Contains(t, out, "0 0 * * * *")
	assert.Contains(t, out, "on demand")
}

func TestDaemonNotRunning(t *testing.T) {
	_, err := execute(t, "--addr", "127.0.0.1:1", "locks")
	require.ErrorContains(t, err, "is the talkarr daemon running?")
}
