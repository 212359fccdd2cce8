package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servimatch/internal/clock"
	"servimatch/internal/config"
	"servimatch/internal/db"
	"servimatch/internal/domain"
	"servimatch/internal/metrics"
	"servimatch/internal/migrate"
)

func newTxEngine(t *testing.T) Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Store.RetryInitialInterval = time.Millisecond
	cfg.Store.RetryMaxInterval = 2 * time.Millisecond
	cfg.Store.RetryMaxTries = 3
	e := New(conn, cfg, clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	e.Metrics = metrics.New()
	return e
}

func TestWithTxRetriesTransientFailures(t *testing.T) {
	e := newTxEngine(t)
	calls := 0
	err := e.withTx(context.Background(), "probe", func(tx *sql.Tx) error {
		calls++
		if calls < 3 {
			return &domain.PersistenceError{Op: "probe", Err: errors.New("database is locked"), Transient: true}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.Metrics.TxRetries().WithLabelValues("probe")))
}

func TestWithTxGivesUpAfterMaxTries(t *testing.T) {
	e := newTxEngine(t)
	calls := 0
	err := e.withTx(context.Background(), "probe", func(tx *sql.Tx) error {
		calls++
		return &domain.PersistenceError{Op: "probe", Err: errors.New("busy"), Transient: true}
	})
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestWithTxDoesNotRetryDomainErrors(t *testing.T) {
	e := newTxEngine(t)
	calls := 0
	err := e.withTx(context.Background(), "probe", func(tx *sql.Tx) error {
		calls++
		return domain.ErrAlreadyAccepted
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyAccepted)
	assert.Equal(t, 1, calls)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	e := newTxEngine(t)
	ctx := context.Background()
	err := e.withTx(ctx, "probe", func(tx *sql.Tx) error {
		if err := e.Repo.EnsureUser(ctx, tx, "ghost", "2025-01-01T00:00:00Z"); err != nil {
			return err
		}
		return domain.Invalid("x", "forced")
	})
	require.Error(t, err)
	_, err = e.Repo.GetUser(ctx, nil, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreErrorWrapsDriverFailures(t *testing.T) {
	e := newTxEngine(t)
	ctx := context.Background()
	err := e.withTx(ctx, "dup", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users(id,active_role,created_at,updated_at) VALUES ('u','nobody','t','t')`)
		return err
	})
	var pe *domain.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Transient)
	assert.Equal(t, "dup", pe.Op)
}
