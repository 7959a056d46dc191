package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/identity"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	mgr := NewManager(dir, zerolog.Nop())
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, dir
}

func TestManagerGetOpensAndCaches(t *testing.T) {
	mgr, stateDir := testManager(t)

	db, err := mgr.Get("/home/dev/webapp")
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/webapp", db.ProjectKey)

	again, err := mgr.Get("/home/dev/webapp")
	require.NoError(t, err)
	assert.Same(t, db, again)

	// The db file lands under the hashed project dir.
	path := filepath.Join(stateDir, identity.ProjectDirName("/home/dev/webapp"), "project.db")
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestManagerIsolatesProjects(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()

	a, err := mgr.Get("/home/dev/webapp")
	require.NoError(t, err)
	b, err := mgr.Get("/home/dev/otherapp")
	require.NoError(t, err)
	require.NotSame(t, a, b)

	_, err = a.ExecContext(ctx, `
		INSERT INTO agents (project_key, name, registered_at, last_active_at)
		VALUES (?, 'SwiftRaven', 0, 0)`, a.ProjectKey)
	require.NoError(t, err)

	var n int
	require.NoError(t, b.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents").Scan(&n))
	assert.Zero(t, n, "databases are separate files")
}

func TestManagerRejectsEmptyKey(t *testing.T) {
	mgr, _ := testManager(t)
	_, err := mgr.Get("")
	assert.True(t, errs.IsValidation(err))
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))
}

func TestInTxRollsBackOnError(t *testing.T) {
	mgr, _ := testManager(t)
	db, err := mgr.Get("/tmp/tx-test")
	require.NoError(t, err)
	ctx := context.Background()

	boom := errors.New("boom")
	err = InTx(ctx, db.DB, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO agents (project_key, name, registered_at, last_active_at)
			VALUES (?, 'SwiftRaven', 0, 0)`, db.ProjectKey); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents").Scan(&n))
	assert.Zero(t, n, "insert rolled back")
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return errors.New("constraint failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-transient errors are not retried")
}

func TestWithRetryRetriesBusy(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetrySurfacesTransientKind(t *testing.T) {
	err := WithRetry(context.Background(), func() error {
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, NullString("").Valid)
	assert.True(t, NullString("x").Valid)

	assert.False(t, NullTimeMS(nil).Valid)
	now := time.Now()
	ms := NullTimeMS(&now)
	require.True(t, ms.Valid)
	back := TimeFromMS(ms)
	require.NotNil(t, back)
	assert.Equal(t, now.UnixMilli(), back.UnixMilli())

	assert.Equal(t, 1, BoolToInt(true))
	assert.Equal(t, 0, BoolToInt(false))
}
