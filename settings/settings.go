// Package settings loads talkarr's application settings.
//
// Settings are layered: built-in defaults, then an optional YAML file, then TALKARR_ environment variables. Nested
// keys are separated by the first underscore of the variable name, so TALKARR_DATABASE_DSN sets database.dsn and
// TALKARR_DAEMON_CLEAR_LOCKS_ON_STARTUP sets daemon.clear_locks_on_startup.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/iancoleman/strcase"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/talkarr/talkarr/fs/scan"
	"github.com/talkarr/talkarr/locks"
	"github.com/talkarr/talkarr/store"
	"github.com/talkarr/talkarr/talks"
	"github.com/talkarr/talkarr/workers"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "TALKARR_"

// ConfigEnv names the environment variable holding the settings file path
const ConfigEnv = EnvPrefix + "CONFIG"

// Queue backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

var ErrUnknownSchedule = errors.New("schedule for unknown task")

// Settings are talkarr's application settings
type Settings struct {
	Database DatabaseSettings `koanf:"database"`
	Queue    QueueSettings    `koanf:"queue"`
	Talks    TalksSettings    `koanf:"talks"`
	Server   ServerSettings   `koanf:"server"`
	Log      LogSettings      `koanf:"log"`
	Daemon   DaemonSettings   `koanf:"daemon"`
	Scan     ScanSettings     `koanf:"scan"`

	// Schedules maps snake_case task names to cron specs, e.g. check_for_root_folders: "0 0 * * * *"
	Schedules map[string]string `koanf:"schedules"`
}

type DatabaseSettings struct {
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `koanf:"dsn" validate:"required"`
}

type QueueSettings struct {
	Backend       string        `koanf:"backend" validate:"oneof=memory postgres redis"`
	URL           string        `koanf:"url" validate:"required_if=Backend postgres"` // postgres connection string
	RedisAddr     string        `koanf:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `koanf:"redis_password"`
	Concurrency   int           `koanf:"concurrency" validate:"gte=0"`
	JobRetention  time.Duration `koanf:"job_retention" validate:"gte=0"`
}

type TalksSettings struct {
	BaseURL           string        `koanf:"base_url" validate:"required,url"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gt=0"`
	Burst             int           `koanf:"burst" validate:"gte=1"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	BreakerTimeout    time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type ServerSettings struct {
	Enabled        bool   `koanf:"enabled"`
	Addr           string `koanf:"addr" validate:"required_if=Enabled true"`
	RequestsPerMin int    `koanf:"requests_per_min" validate:"gte=0"`
}

type LogSettings struct {
	Level      string `koanf:"level" validate:"oneof=debug info warn warning error"`
	Format     string `koanf:"format" validate:"oneof=auto text json"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
}

type DaemonSettings struct {
	LockFile            string        `koanf:"lock_file" validate:"required"`
	ClearLocksOnStartup bool          `koanf:"clear_locks_on_startup"`
	LockTTL             time.Duration `koanf:"lock_ttl" validate:"gte=0"`
	TaskTimeout         time.Duration `koanf:"task_timeout" validate:"gt=0"`
}

type ScanSettings struct {
	VideoExtensions []string      `koanf:"video_extensions" validate:"min=1,dive,required"`
	Watch           bool          `koanf:"watch"`
	Debounce        time.Duration `koanf:"debounce" validate:"gt=0"`
}

// Defaults returns the built-in settings
func Defaults() *Settings {
	data := DataDir()

	return &Settings{
		Database: DatabaseSettings{
			Driver: store.DriverSQLite,
			DSN:    filepath.Join(data, "talkarr.db"),
		},
		Queue: QueueSettings{
			Backend:      BackendMemory,
			RedisAddr:    "localhost:6379",
			JobRetention: 24 * time.Hour,
		},
		Talks: TalksSettings{
			BaseURL:           talks.DefaultBaseURL,
			RequestsPerSecond: talks.DefaultRequestsPerSecond,
			Burst:             talks.DefaultBurst,
			Timeout:           15 * time.Second,
			BreakerTimeout:    time.Minute,
		},
		Server: ServerSettings{
			Enabled:        true,
			Addr:           "127.0.0.1:8585",
			RequestsPerMin: 120,
		},
		Log: LogSettings{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Daemon: DaemonSettings{
			LockFile:            filepath.Join(data, "talkarr.pid.lock"),
			ClearLocksOnStartup: true,
			LockTTL:             locks.DefaultTTL,
			TaskTimeout:         workers.DefaultTaskTimeout,
		},
		Scan: ScanSettings{
			VideoExtensions: append([]string(nil), scan.DefaultVideoExtensions...),
			Watch:           true,
			Debounce:        scan.DefaultDebounce,
		},
		Schedules: map[string]string{
			"check_for_root_folders":    "0 */30 * * * *",
			"validate_user_preferences": "0 0 3 * * *",
		},
	}
}

// DataDir is where talkarr keeps its database and lock file by default
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "talkarr")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "talkarr")
	}
	return "data"
}

// defaultPaths are searched for a settings file when no path is given
func defaultPaths() []string {
	paths := []string{"talkarr.yaml", "talkarr.yml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "talkarr", "config.yaml"))
	}
	return append(paths, "/etc/talkarr/config.yaml")
}

// Load loads the settings
//
// path names the YAML settings file. When empty, the path in TALKARR_CONFIG is used, and failing that the first
// existing file of the default paths. An explicitly named file must exist.
func Load(path string) (*Settings, error) {
	k := koanf.New(".")

	defaults := Defaults()
	defaultSchedules := defaults.Schedules
	// maps of scalars are loaded as a single value, so default schedules are merged after decoding instead
	defaults.Schedules = nil

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" {
		path = findFile(defaultPaths())
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("settings file: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load settings file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	s := &Settings{}
	if err := k.Unmarshal("", s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	if s.Schedules == nil {
		s.Schedules = map[string]string{}
	}
	for name, spec := range defaultSchedules {
		if _, ok := s.Schedules[name]; !ok {
			s.Schedules[name] = spec
		}
	}

	s.normalize()

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// envKey maps TALKARR_SECTION_SOME_KEY to section.some_key
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if key == "config" {
		return ""
	}
	return strings.Replace(key, "_", ".", 1)
}

func findFile(paths []string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func (s *Settings) normalize() {
	s.Database.Driver = strings.ToLower(strings.TrimSpace(s.Database.Driver))
	s.Queue.Backend = strings.ToLower(strings.TrimSpace(s.Queue.Backend))
	s.Log.Level = strings.ToLower(strings.TrimSpace(s.Log.Level))
	s.Log.Format = strings.ToLower(strings.TrimSpace(s.Log.Format))
	if s.Log.Format == "" {
		s.Log.Format = "auto"
	}

	// environment variables carry lists comma separated
	var exts []string
	for _, value := range s.Scan.VideoExtensions {
		for _, ext := range strings.Split(value, ",") {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			exts = append(exts, ext)
		}
	}
	s.Scan.VideoExtensions = exts
}

// Validate reports the first invalid setting
func (s *Settings) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	for name := range s.Schedules {
		if !workers.IsTask(TaskName(name)) {
			return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
		}
	}

	return nil
}

// TaskSchedules returns the schedules keyed by task name, omitting disabled (empty) schedules
func (s *Settings) TaskSchedules() map[string]string {
	schedules := make(map[string]string, len(s.Schedules))
	for name, spec := range s.Schedules {
		if spec = strings.TrimSpace(spec); spec != "" {
			schedules[TaskName(name)] = spec
		}
	}
	return schedules
}

// TaskName converts a settings key such as check_for_root_folders into its task name, checkForRootFolders
func TaskName(key string) string {
	return strcase.ToLowerCamel(key)
}
