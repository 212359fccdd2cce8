package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"servimatch/internal/chat"
	"servimatch/internal/clock"
	"servimatch/internal/config"
	"servimatch/internal/domain"
	"servimatch/internal/events"
	"servimatch/internal/metrics"
	"servimatch/internal/repo"
)

// Engine runs the marketplace workflow against the store. It holds no state
// between calls; every decision re-reads the rows it depends on.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Clock   clock.Clock
	Chat    chat.Messenger
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, clk clock.Clock) Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	logger := slog.New(slog.DiscardHandler)
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: clk.Now},
		Config: cfg,
		Clock:  clk,
		Chat:   chat.NewLocal(logger),
		Logger: logger,
	}
}

func (e Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return repo.Stamp(e.now())
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// withTx runs fn in one write transaction. Transient store failures retry the
// whole transaction with exponential backoff; any other error is returned
// after the first attempt.
func (e Engine) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	start := time.Now()
	defer func() { e.Metrics.ObserveOperation(op, start, err) }()

	policy := backoff.NewExponentialBackOff()
	tries := uint(1)
	if e.Config != nil {
		if e.Config.Store.RetryInitialInterval > 0 {
			policy.InitialInterval = e.Config.Store.RetryInitialInterval
		}
		if e.Config.Store.RetryMaxInterval > 0 {
			policy.MaxInterval = e.Config.Store.RetryMaxInterval
		}
		if e.Config.Store.RetryMaxTries > 0 {
			tries = e.Config.Store.RetryMaxTries
		}
	}
	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if attempt > 0 {
			e.Metrics.TxRetry(op)
			e.log().Debug("retrying transaction", "op", op, "attempt", attempt+1)
		}
		attempt++
		txErr := e.runTx(ctx, op, fn)
		if txErr == nil || domain.IsTransient(txErr) {
			return struct{}{}, txErr
		}
		return struct{}{}, backoff.Permanent(txErr)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(tries))
	return err
}

func (e Engine) runTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeError(op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return storeError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeError(op, err)
	}
	return nil
}

// storeError wraps driver-level failures in a PersistenceError and passes
// everything else through untouched.
func storeError(op string, err error) error {
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return &domain.PersistenceError{Op: op, Err: err, Transient: true}
		}
		return &domain.PersistenceError{Op: op, Err: err}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return &domain.PersistenceError{Op: op, Err: err, Transient: true}
	}
	return err
}

// read wraps errors from non-transactional reads the same way withTx does.
func (e Engine) read(op string, err error) error {
	if err == nil {
		return nil
	}
	return storeError(op, err)
}

func parseStamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
