package repo

import (
	"context"
	"database/sql"
	"errors"

	"servimatch/internal/domain"
)

const connectionColumns = `id,explorer_id,as_id,request_id,chat_room,status,agreed_price,requires_mutual_confirmation,
explorer_confirmed,explorer_confirmed_at,explorer_note,as_confirmed,as_confirmed_at,as_note,
cancel_reason,started_at,completed_at,cancelled_at,created_at,updated_at`

func scanConnection(row scanner) (domain.Connection, error) {
	var (
		c                                 domain.Connection
		requestID, cancelReason           sql.NullString
		explorerAt, explorerNote          sql.NullString
		asAt, asNote                      sql.NullString
		startedAt, completedAt, cancelled sql.NullString
		price                             sql.NullInt64
		status                            string
		mutual, explorerOK, asOK          int
	)
	err := row.Scan(&c.ID, &c.ExplorerID, &c.ASID, &requestID, &c.ChatRoom, &status, &price, &mutual,
		&explorerOK, &explorerAt, &explorerNote, &asOK, &asAt, &asNote,
		&cancelReason, &startedAt, &completedAt, &cancelled, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.RequestID = stringPtr(requestID)
	c.Status = domain.ConnectionStatus(status)
	c.AgreedPrice = int64Ptr(price)
	c.RequiresMutualConfirmation = mutual == 1
	c.ExplorerConfirmed, c.ExplorerConfirmedAt, c.ExplorerNote = explorerOK == 1, stringPtr(explorerAt), stringPtr(explorerNote)
	c.ASConfirmed, c.ASConfirmedAt, c.ASNote = asOK == 1, stringPtr(asAt), stringPtr(asNote)
	c.CancelReason = stringPtr(cancelReason)
	c.StartedAt, c.CompletedAt, c.CancelledAt = stringPtr(startedAt), stringPtr(completedAt), stringPtr(cancelled)
	return c, nil
}

func scanConnections(rows *sql.Rows) ([]domain.Connection, error) {
	defer rows.Close()
	var res []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertConnection(ctx context.Context, tx *sql.Tx, c domain.Connection) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO connections(id,explorer_id,as_id,request_id,chat_room,status,agreed_price,requires_mutual_confirmation,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ExplorerID, c.ASID, nullableStringPtr(c.RequestID), c.ChatRoom, string(c.Status), nullableInt64Ptr(c.AgreedPrice),
		boolInt(c.RequiresMutualConfirmation), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetConnection(ctx context.Context, tx *sql.Tx, id string) (domain.Connection, error) {
	return scanConnection(r.q(tx).QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id=?`, id))
}

// ListConnections returns connections where userID is either party, newest
// first. An empty status lists all.
func (r Repo) ListConnections(ctx context.Context, tx *sql.Tx, userID, status string) ([]domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE (explorer_id=? OR as_id=?)`
	args := []any{userID, userID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanConnections(rows)
}

// StartConnection moves an active connection to service_in_progress.
func (r Repo) StartConnection(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE connections SET status='service_in_progress', started_at=?, updated_at=? WHERE id=? AND status='active'`,
		now, now, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// CancelConnection cancels a connection that has not reached a terminal
// state.
func (r Repo) CancelConnection(ctx context.Context, tx *sql.Tx, id, reason, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE connections SET status='cancelled', cancel_reason=?, cancelled_at=?, updated_at=?
WHERE id=? AND status IN ('active','service_in_progress')`, nullable(reason), now, now, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// SaveConfirmation writes both confirmation sides and the resulting status.
// The status guard keeps a concurrent terminal transition from being
// overwritten.
func (r Repo) SaveConfirmation(ctx context.Context, tx *sql.Tx, c domain.Connection, fromStatus domain.ConnectionStatus) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE connections SET
explorer_confirmed=?, explorer_confirmed_at=?, explorer_note=?,
as_confirmed=?, as_confirmed_at=?, as_note=?,
status=?, completed_at=?, updated_at=?
WHERE id=? AND status=?`,
		boolInt(c.ExplorerConfirmed), nullableStringPtr(c.ExplorerConfirmedAt), nullableStringPtr(c.ExplorerNote),
		boolInt(c.ASConfirmed), nullableStringPtr(c.ASConfirmedAt), nullableStringPtr(c.ASNote),
		string(c.Status), nullableStringPtr(c.CompletedAt), c.UpdatedAt,
		c.ID, string(fromStatus))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// InProgressConnections lists the user's connections in service_in_progress
// on either side.
func (r Repo) InProgressConnections(ctx context.Context, tx *sql.Tx, userID string) ([]domain.Connection, error) {
	return r.ListConnections(ctx, tx, userID, string(domain.ConnectionInProgress))
}
