package store

import (
	"context"
	"database/sql"
	"embed"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// migration driver
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // registers the sqlite:// migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations
var migrationsFS embed.FS

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	migrationsTable         = "talkarr_schema_migrations"
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

var (
	ErrNotFound          = errors.New("not found")
	ErrRootFolderExists  = errors.New("root folder already exists")
	ErrFileExists        = errors.New("file already recorded")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// Store is talkarr's database: root folders, events, files, preferences and locks
//
// SQLite stores use a single connection, so callers must finish reading rows before issuing another query.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and migrates it to the latest schema
//
// For the sqlite driver dsn is a file path; for postgres it is a postgres:// URL.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var sqlDriver string
	switch driver {
	case DriverSQLite:
		sqlDriver = "sqlite"
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	case DriverPostgres:
		sqlDriver = "pgx"
	default:
		return nil, errors.Wrapf(ErrUnsupportedDriver, "%q", driver)
	}

	if err := runMigrations(driver, dsn); err != nil {
		return nil, err
	}

	connStr := dsn
	if driver == DriverSQLite {
		connStr = sqliteConnString(dsn)
	}

	db, err := sql.Open(sqlDriver, connStr)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s db", driver)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "connect to %s db", driver)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the name of the database driver in use
func (s *Store) Driver() string {
	return s.driver
}

// Rebind rewrites the ? placeholders of query into the placeholder style of the store's driver
func (s *Store) Rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}

	return b.String()
}

// IsUniqueViolation reports whether err is a unique or primary key constraint violation from either driver
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return false
}

// runMigrations applies the embedded migrations for driver over a dedicated connection
func runMigrations(driver, dsn string) error {
	migrations, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}

	migrationURL, err := migrationURL(driver, dsn)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", migrations, migrationURL)
	if err != nil {
		return errors.Wrap(err, "prepare migrations")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}

	return nil
}

// sqliteConnString applies talkarr's pragmas to every connection opened for path
func sqliteConnString(path string) string {
	q := url.Values{}
	for _, pragma := range []string{
		"journal_mode(WAL)",
		"foreign_keys(1)",
		"busy_timeout(5000)",
	} {
		q.Add("_pragma", pragma)
	}
	q.Set("_time_format", "sqlite")

	return "file:" + path + "?" + q.Encode()
}

func migrationURL(driver, dsn string) (string, error) {
	q := url.Values{}
	q.Set("x-migrations-table", migrationsTable)

	if driver == DriverSQLite {
		return "sqlite://" + dsn + "?" + q.Encode(), nil
	}

	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return "", errors.New("postgres dsn must be a postgres:// URL")
	}

	u.Scheme = "pgx5"
	query := u.Query()
	query.Set("x-migrations-table", migrationsTable)
	u.RawQuery = query.Encode()

	return u.String(), nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy retries op while another process holds the sqlite write lock
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Exec runs a statement written with ? placeholders, retrying while sqlite is busy
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	query = s.Rebind(query)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Query runs a query written with ? placeholders
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.Rebind(query), args...)
}

// QueryRow runs a query written with ? placeholders that returns at most one row
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.Rebind(query), args...)
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
