package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkarr/talkarr/workers"
)

// isolate keeps the developer's settings files and environment out of the test
func isolate(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv(ConfigEnv, "")

	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", s.Database.Driver)
	assert.Equal(t, filepath.Join(dir, "data", "talkarr", "talkarr.db"), s.Database.DSN)
	assert.Equal(t, BackendMemory, s.Queue.Backend)
	assert.Equal(t, 24*time.Hour, s.Queue.JobRetention)
	assert.True(t, s.Daemon.ClearLocksOnStartup)
	assert.Equal(t, 6*time.Hour, s.Daemon.LockTTL)
	assert.Equal(t, "auto", s.Log.Format)
	assert.Contains(t, s.Scan.VideoExtensions, ".mp4")
	assert.Equal(t, map[string]string{
		workers.TaskCheckForRootFolders:     "0 */30 * * * *",
		workers.TaskValidateUserPreferences: "0 0 3 * * *",
	}, s.TaskSchedules())
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, `
database:
  driver: Postgres
  dsn: postgres://talkarr@localhost/talkarr
queue:
  backend: redis
  redis_addr: redis:6379
log:
  level: debug
scan:
  video_extensions: [MP4, webm]
  debounce: 2s
schedules:
  check_for_root_folders: ""
  check_events_for_problems: "@every 10m"
`)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", s.Database.Driver)
	assert.Equal(t, "postgres://talkarr@localhost/talkarr", s.Database.DSN)
	assert.Equal(t, BackendRedis, s.Queue.Backend)
	assert.Equal(t, "redis:6379", s.Queue.RedisAddr)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, []string{".mp4", ".webm"}, s.Scan.VideoExtensions)
	assert.Equal(t, 2*time.Second, s.Scan.Debounce)
	assert.Equal(t, map[string]string{
		workers.TaskCheckEventsForProblems:  "@every 10m",
		workers.TaskValidateUserPreferences: "0 0 3 * * *",
	}, s.TaskSchedules())
}

func TestLoadFindsDefaultFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "talkarr.yaml"), "server:\n  addr: 0.0.0.0:9000\n")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", s.Server.Addr)
}

func TestLoadConfigEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "elsewhere.yaml")
	writeFile(t, path, "talks:\n  burst: 9\n")
	t.Setenv(ConfigEnv, path)

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, s.Talks.Burst)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "talkarr.yaml")
	writeFile(t, path, "daemon:\n  clear_locks_on_startup: true\n  lock_ttl: 1h\n")

	t.Setenv("TALKARR_DAEMON_CLEAR_LOCKS_ON_STARTUP", "false")
	t.Setenv("TALKARR_DAEMON_LOCK_TTL", "90m")
	t.Setenv("TALKARR_SCAN_VIDEO_EXTENSIONS", "mkv,.avi")
	t.Setenv("TALKARR_SCHEDULES_SCAN_FOR_MISSING_FILES", "0 0 * * * *")

	s, err := Load(path)
	require.NoError(t, err)

	assert.False(t, s.Daemon.ClearLocksOnStartup)
	assert.Equal(t, 90*time.Minute, s.Daemon.LockTTL)
	assert.Equal(t, []string{".mkv", ".avi"}, s.Scan.VideoExtensions)
	assert.Equal(t, "0 0 * * * *", s.TaskSchedules()[workers.TaskScanForMissingFiles])
}

func TestLoadMissingFile(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown driver", "database:\n  driver: mysql\n"},
		{"postgres queue without url", "queue:\n  backend: postgres\n"},
		{"unknown backend", "queue:\n  backend: kafka\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad talks url", "talks:\n  base_url: not a url\n"},
		{"zero rate", "talks:\n  requests_per_second: 0\n"},
		{"no video extensions", "scan:\n  video_extensions: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			path := filepath.Join(dir, "talkarr.yaml")
			writeFile(t, path, tt.yaml)

			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestUnknownSchedule(t *testing.T) {
	s := Defaults()
	s.Schedules["reticulate_splines"] = "@hourly"

	require.ErrorIs(t, s.Validate(), ErrUnknownSchedule)
}

func TestTaskName(t *testing.T) {
	for _, task := range workers.Tasks {
		assert.True(t, workers.IsTask(TaskName(task)), task)
	}
	assert.Equal(t, workers.TaskScanAndImportExistingFiles, TaskName("scan_and_import_existing_files"))
}
