package sessionlock_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/tgcollector/internal/database"
	apperrors "github.com/edgard/tgcollector/internal/errors"
	"github.com/edgard/tgcollector/internal/sessionlock"
)

func newDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })
	return db
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locker := sessionlock.NewLocker(newDB(t), nil)

	lock, err := locker.Acquire(ctx, "acct")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "acct")
	assert.ErrorIs(t, err, sessionlock.ErrLockHeld)

	other, err := locker.Acquire(ctx, "other")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Release(ctx))

	again, err := locker.Acquire(ctx, "acct")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		busy int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sessionlock.NewLocker(db, nil).Acquire(ctx, "acct")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, sessionlock.ErrLockHeld) {
				busy++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, busy)
}

func TestStaleTakeover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newDB(t)

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	first := sessionlock.NewLocker(db, nil, sessionlock.WithClock(now))
	old, err := first.Acquire(ctx, "acct")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)

	manual := sessionlock.NewLocker(db, nil, sessionlock.WithClock(now))
	_, err = manual.Acquire(ctx, "acct")
	assert.ErrorIs(t, err, sessionlock.ErrLockHeld, "no takeover without stale policy")

	stale := sessionlock.NewLocker(db, nil, sessionlock.WithClock(now), sessionlock.WithStaleAfter(time.Hour))
	fresh, err := stale.Acquire(ctx, "acct")
	require.NoError(t, err)

	// the previous owner must not remove the new marker
	require.NoError(t, old.Release(ctx))
	marker, err := stale.Inspect(ctx, "acct")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, fresh.Marker().OwnerToken, marker.OwnerToken)
	assert.Equal(t, clock, marker.AcquiredAt)

	// a fresh marker is not stale yet
	_, err = stale.Acquire(ctx, "acct")
	assert.ErrorIs(t, err, sessionlock.ErrLockHeld)
}

func TestInspectAndForceRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locker := sessionlock.NewLocker(newDB(t), nil)

	marker, err := locker.Inspect(ctx, "acct")
	require.NoError(t, err)
	assert.Nil(t, marker)

	lock, err := locker.Acquire(ctx, "acct")
	require.NoError(t, err)

	marker, err = locker.Inspect(ctx, "acct")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, lock.Marker().PID, marker.PID)

	out, err := marker.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "account_id: acct")

	removed, err := locker.ForceRelease(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = locker.Acquire(ctx, "acct")
	require.NoError(t, err)

	removed, err = locker.ForceRelease(ctx, "other")
	require.NoError(t, err)
	assert.False(t, removed, "nothing to remove")
}

func TestAcquireStorageFailureIsFatal(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	locker := sessionlock.NewLocker(db, nil)
	require.NoError(t, db.Close())

	_, err := locker.Acquire(context.Background(), "acct")
	require.Error(t, err)
	assert.NotErrorIs(t, err, sessionlock.ErrLockHeld)
	assert.Equal(t, apperrors.CodeFatalInit, apperrors.Code(err))
}
