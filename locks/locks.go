// Package locks provides named mutual-exclusion locks persisted in the database.
//
// A lock is a row in the locks table, unique by name. Acquiring a lock inserts the row, and a unique key violation
// means another owner holds it. Locks are shared by every process using the same database, which keeps two daemons,
// or a daemon and the CLI, from running the same maintenance task at once.
//
// Locks carry a TTL so a crashed process cannot hold a lock forever: expired locks are removed by the next Acquire.
package locks

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/talkarr/talkarr/logging"
	"github.com/talkarr/talkarr/metrics"
	"github.com/talkarr/talkarr/store"
)

// DefaultTTL is how long a lock is held before other owners may take it over
const DefaultTTL = 6 * time.Hour

const rootFolderPrefix = "rootFolder:"

var ErrInvalidLockName = errors.New("lock name must not be empty")

// Lock is a held lock
type Lock struct {
	Name       string     `json:"name"`
	Owner      string     `json:"owner"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"` // nil when the lock never expires
}

// Registry acquires and releases locks on behalf of a single owner
type Registry struct {
	store  *store.Store
	owner  string
	ttl    time.Duration
	logger logging.Logger
	now    func() time.Time
}

// Option is a function that sets optional Registry configuration
type Option func(r *Registry)

// WithTTL sets how long acquired locks are held before they expire; zero means locks never expire
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithOwner sets the owner recorded on acquired locks; by default every Registry has a unique owner
func WithOwner(owner string) Option {
	return func(r *Registry) {
		r.owner = owner
	}
}

// WithLogger sets the registry's logger
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a lock registry backed by s
func New(s *store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		owner:  uuid.NewString(),
		ttl:    DefaultTTL,
		logger: logging.Discard,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Owner returns the owner recorded on locks acquired by this registry
func (r *Registry) Owner() string {
	return r.owner
}

// RootFolderLockName returns the name of the lock guarding a root folder
func RootFolderLockName(path string) string {
	return rootFolderPrefix + path
}

// IsRootFolderLock reports whether name guards a root folder
func IsRootFolderLock(name string) bool {
	return strings.HasPrefix(name, rootFolderPrefix)
}

// Acquire takes the named lock, reporting false when it is already held
func (r *Registry) Acquire(ctx context.Context, name string) (acquired bool, err error) {
	if name == "" {
		return false, ErrInvalidLockName
	}

	now := r.now()
	if _, err = r.store.Exec(ctx, "DELETE FROM locks WHERE name = ? AND expires_at > 0 AND expires_at < ?",
		name, now.UnixMilli()); err != nil {
		return false, errors.Wrapf(err, "delete expired lock %s", name)
	}

	var expiresAt int64
	if r.ttl > 0 {
		expiresAt = now.Add(r.ttl).UnixMilli()
	}

	_, err = r.store.Exec(ctx, "INSERT INTO locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)",
		name, r.owner, now.UnixMilli(), expiresAt)
	if err != nil {
		if store.IsUniqueViolation(err) {
			metrics.LockContentionTotal.WithLabelValues(name).Inc()
			r.logger.Debug("lock is held", "lock", name)
			return false, nil
		}

		return false, errors.Wrapf(err, "insert lock %s", name)
	}

	r.updateHeld(ctx)
	r.logger.Debug("acquired lock", "lock", name, "owner", r.owner)

	return true, nil
}

// Release releases the named lock if this registry's owner holds it
//
// Releasing a lock that is not held is not an error.
func (r *Registry) Release(ctx context.Context, name string) (err error) {
	if name == "" {
		return ErrInvalidLockName
	}

	res, err := r.store.Exec(ctx, "DELETE FROM locks WHERE name = ? AND owner = ?", name, r.owner)
	if err != nil {
		return errors.Wrapf(err, "delete lock %s", name)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		r.updateHeld(ctx)
		r.logger.Debug("released lock", "lock", name, "owner", r.owner)
	}

	return nil
}

// WithLock runs fn while holding the named lock
//
// When the lock is held elsewhere fn is not run and WithLock returns false with no error. Otherwise the lock is
// released when fn returns, errors or panics; a panic is re-raised once the lock has been released.
func (r *Registry) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (ran bool, err error) {
	acquired, err := r.Acquire(ctx, name)
	if err != nil || !acquired {
		return false, err
	}

	defer func() {
		// the lock must be released even when ctx was cancelled while fn ran
		if releaseErr := r.Release(context.WithoutCancel(ctx), name); releaseErr != nil {
			r.logger.Error("unable to release lock", "lock", name, "error", releaseErr)
			if err == nil {
				err = releaseErr
			}
		}
	}()

	return true, fn(ctx)
}

// IsLocked reports whether anyone holds the named lock
func (r *Registry) IsLocked(ctx context.Context, name string) (bool, error) {
	var n int
	err := r.store.QueryRow(ctx, "SELECT COUNT(*) FROM locks WHERE name = ? AND (expires_at = 0 OR expires_at >= ?)",
		name, r.now().UnixMilli()).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "check lock %s", name)
	}

	return n > 0, nil
}

// List returns every unexpired lock ordered by name
func (r *Registry) List(ctx context.Context) ([]Lock, error) {
	rows, err := r.store.Query(ctx, `SELECT name, owner, acquired_at, expires_at FROM locks
		WHERE expires_at = 0 OR expires_at >= ? ORDER BY name`, r.now().UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "list locks")
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		var (
			l                     Lock
			acquiredAt, expiresAt int64
		)
		if err := rows.Scan(&l.Name, &l.Owner, &acquiredAt, &expiresAt); err != nil {
			return nil, errors.Wrap(err, "scan lock")
		}

		l.AcquiredAt = time.UnixMilli(acquiredAt).UTC()
		if expiresAt > 0 {
			t := time.UnixMilli(expiresAt).UTC()
			l.ExpiresAt = &t
		}
		locks = append(locks, l)
	}

	return locks, errors.Wrap(rows.Err(), "list locks")
}

// Clear removes every lock regardless of owner, returning the number of locks removed
//
// Clear is meant for startup, before any task runs, and for operators recovering from a crash.
func (r *Registry) Clear(ctx context.Context) (int64, error) {
	res, err := r.store.Exec(ctx, "DELETE FROM locks")
	if err != nil {
		return 0, errors.Wrap(err, "clear locks")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "clear locks")
	}

	r.updateHeld(ctx)
	if n > 0 {
		r.logger.Info("cleared locks", "count", n)
	}

	return n, nil
}

// updateHeld sets the held locks gauge from the locks table, which other owners change too
func (r *Registry) updateHeld(ctx context.Context) {
	var n int
	err := r.store.QueryRow(ctx, "SELECT COUNT(*) FROM locks WHERE expires_at = 0 OR expires_at >= ?",
		r.now().UnixMilli()).Scan(&n)
	if err != nil {
		r.logger.Warn("unable to count locks", "error", err)
		return
	}

	metrics.LocksHeld.Set(float64(n))
}
