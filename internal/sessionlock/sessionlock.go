// Package sessionlock guarantees that at most one collection run uses an
// account at a time. The lock marker is a row in the local state database,
// taken with a single conditional upsert, so two processes sharing the
// database can never both hold it.
package sessionlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	apperrors "github.com/edgard/tgcollector/internal/errors"
)

// ErrLockHeld is returned by Acquire when another run holds the account.
var ErrLockHeld = errors.New("session lock is held by another run")

// Marker describes the current holder of an account lock.
type Marker struct {
	AccountID  string    `db:"account_id"  yaml:"account_id"  json:"account_id"`
	OwnerToken string    `db:"owner_token" yaml:"owner_token" json:"owner_token"`
	PID        int       `db:"pid"         yaml:"pid"         json:"pid"`
	Hostname   string    `db:"hostname"    yaml:"hostname"    json:"hostname"`
	AcquiredAt time.Time `db:"-"           yaml:"acquired_at" json:"acquired_at"`
}

// YAML renders the marker for operators.
func (m *Marker) YAML() (string, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to render lock marker: %w", err)
	}
	return string(out), nil
}

type markerRow struct {
	Marker
	AcquiredAtMillis int64 `db:"acquired_at"`
}

// Locker hands out account locks.
type Locker struct {
	db         *sqlx.DB
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
	hostname   string
	pid        int
}

// Option configures a Locker.
type Option func(*Locker)

// WithStaleAfter lets Acquire take over markers older than d. Zero, the
// default, never takes over: a leftover marker must be removed with
// ForceRelease.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Locker) { l.staleAfter = d }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// NewLocker creates a Locker on the local state database.
func NewLocker(db *sqlx.DB, logger *slog.Logger, opts ...Option) *Locker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	l := &Locker{
		db:       db,
		logger:   logger.With("component", "session_lock"),
		now:      time.Now,
		hostname: host,
		pid:      os.Getpid(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock is a held account lock.
type Lock struct {
	locker *Locker
	marker Marker
}

// Marker returns the marker written for this lock.
func (l *Lock) Marker() Marker {
	return l.marker
}

// Acquire takes the lock for accountID without blocking. It returns
// ErrLockHeld when another run holds it, and a FATAL_INIT coded error when
// the lock table cannot be used.
func (l *Locker) Acquire(ctx context.Context, accountID string) (*Lock, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id cannot be empty")
	}

	now := l.now().UTC()
	marker := Marker{
		AccountID:  accountID,
		OwnerToken: uuid.NewString(),
		PID:        l.pid,
		Hostname:   l.hostname,
		AcquiredAt: now,
	}

	// Without a stale policy the cutoff is never satisfied.
	staleCutoff := int64(-1)
	if l.staleAfter > 0 {
		staleCutoff = now.Add(-l.staleAfter).UnixMilli()
	}

	query := `
        INSERT INTO session_locks (account_id, owner_token, pid, hostname, acquired_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (account_id) DO UPDATE SET
            owner_token = excluded.owner_token,
            pid         = excluded.pid,
            hostname    = excluded.hostname,
            acquired_at = excluded.acquired_at
        WHERE session_locks.acquired_at < ?;
    `
	res, err := l.db.ExecContext(ctx, query,
		marker.AccountID, marker.OwnerToken, marker.PID, marker.Hostname, now.UnixMilli(), staleCutoff)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to write lock marker", "account", accountID, "error", err)
		return nil, apperrors.NewFatalInitError("failed to write session lock", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.NewFatalInitError("failed to read session lock result", err)
	}
	if affected != 1 {
		l.logger.InfoContext(ctx, "Session lock busy", "account", accountID)
		return nil, ErrLockHeld
	}

	l.logger.InfoContext(ctx, "Session lock acquired", "account", accountID, "owner", marker.OwnerToken)
	return &Lock{locker: l, marker: marker}, nil
}

// Release removes the marker if this lock still owns it. Releasing a lock
// that was taken over as stale is a no-op.
func (lk *Lock) Release(ctx context.Context) error {
	l := lk.locker
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM session_locks WHERE account_id = ? AND owner_token = ?;`,
		lk.marker.AccountID, lk.marker.OwnerToken)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to release session lock", "account", lk.marker.AccountID, "error", err)
		return fmt.Errorf("failed to release session lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		l.logger.WarnContext(ctx, "Session lock was no longer owned at release", "account", lk.marker.AccountID)
		return nil
	}
	l.logger.InfoContext(ctx, "Session lock released", "account", lk.marker.AccountID)
	return nil
}

// Inspect returns the current marker of accountID, or nil if unlocked.
func (l *Locker) Inspect(ctx context.Context, accountID string) (*Marker, error) {
	var row markerRow
	err := l.db.GetContext(ctx, &row,
		`SELECT account_id, owner_token, pid, hostname, acquired_at FROM session_locks WHERE account_id = ?;`,
		accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session lock: %w", err)
	}
	m := row.Marker
	m.AcquiredAt = time.UnixMilli(row.AcquiredAtMillis).UTC()
	return &m, nil
}

// ForceRelease removes the marker of accountID whoever holds it and reports
// whether there was one.
func (l *Locker) ForceRelease(ctx context.Context, accountID string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM session_locks WHERE account_id = ?;`, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to force release session lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read force release result: %w", err)
	}
	if n == 0 {
		l.logger.InfoContext(ctx, "No session lock to release", "account", accountID)
		return false, nil
	}
	l.logger.WarnContext(ctx, "Session lock force released", "account", accountID)
	return true, nil
}
