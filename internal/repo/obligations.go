package repo

import (
	"context"
	"database/sql"
	"errors"

	"servimatch/internal/domain"
)

const obligationColumns = `id,connection_id,explorer_id,as_id,service_completed_at,review_due_at,is_reviewed,reminder_count,
last_reminder_at,is_blocking_new_services,review_id,reviewed_at,created_at`

func scanObligation(row scanner) (domain.ReviewObligation, error) {
	var (
		o                             domain.ReviewObligation
		reviewed, blocking            int
		lastReminder, reviewID, revAt sql.NullString
	)
	err := row.Scan(&o.ID, &o.ConnectionID, &o.ExplorerID, &o.ASID, &o.ServiceCompletedAt, &o.ReviewDueAt, &reviewed, &o.ReminderCount,
		&lastReminder, &blocking, &reviewID, &revAt, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.IsReviewed = reviewed == 1
	o.IsBlockingNewServices = blocking == 1
	o.LastReminderAt, o.ReviewID, o.ReviewedAt = stringPtr(lastReminder), stringPtr(reviewID), stringPtr(revAt)
	return o, nil
}

func scanObligations(rows *sql.Rows) ([]domain.ReviewObligation, error) {
	defer rows.Close()
	var res []domain.ReviewObligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// InsertObligation creates the obligation for a connection. A second insert
// for the same connection is ignored and reports false.
func (r Repo) InsertObligation(ctx context.Context, tx *sql.Tx, o domain.ReviewObligation) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO review_obligations(id,connection_id,explorer_id,as_id,service_completed_at,review_due_at,
is_reviewed,reminder_count,is_blocking_new_services,created_at) VALUES (?,?,?,?,?,?,0,0,0,?)`,
		o.ID, o.ConnectionID, o.ExplorerID, o.ASID, o.ServiceCompletedAt, o.ReviewDueAt, o.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (r Repo) GetObligation(ctx context.Context, tx *sql.Tx, id string) (domain.ReviewObligation, error) {
	return scanObligation(r.q(tx).QueryRowContext(ctx, `SELECT `+obligationColumns+` FROM review_obligations WHERE id=?`, id))
}

func (r Repo) GetObligationByConnection(ctx context.Context, tx *sql.Tx, connectionID string) (domain.ReviewObligation, error) {
	return scanObligation(r.q(tx).QueryRowContext(ctx, `SELECT `+obligationColumns+` FROM review_obligations WHERE connection_id=?`, connectionID))
}

// ListObligations returns obligations owed by userID, earliest due first.
func (r Repo) ListObligations(ctx context.Context, tx *sql.Tx, userID string, pendingOnly bool) ([]domain.ReviewObligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM review_obligations WHERE explorer_id=?`
	if pendingOnly {
		query += ` AND is_reviewed=0`
	}
	query += ` ORDER BY review_due_at ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return scanObligations(rows)
}

// OverdueObligations lists unreviewed obligations whose due time is strictly
// before now.
func (r Repo) OverdueObligations(ctx context.Context, tx *sql.Tx, now string, limit int) ([]domain.ReviewObligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM review_obligations WHERE is_reviewed=0 AND review_due_at < ? ORDER BY review_due_at ASC, id ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanObligations(rows)
}

// BlockingObligations returns userID's unreviewed obligations past due at
// now, regardless of whether the sweep has flagged them yet.
func (r Repo) BlockingObligations(ctx context.Context, tx *sql.Tx, userID, now string) ([]domain.ReviewObligation, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+obligationColumns+` FROM review_obligations
WHERE explorer_id=? AND is_reviewed=0 AND review_due_at < ? ORDER BY review_due_at ASC, id ASC`, userID, now)
	if err != nil {
		return nil, err
	}
	return scanObligations(rows)
}

// FlagOverdue sets the blocking flag and, when remind is set, records one
// more reminder.
func (r Repo) FlagOverdue(ctx context.Context, tx *sql.Tx, id string, remind bool, now string) error {
	var err error
	if remind {
		_, err = r.q(tx).ExecContext(ctx, `UPDATE review_obligations SET is_blocking_new_services=1, reminder_count=reminder_count+1, last_reminder_at=?
WHERE id=? AND is_reviewed=0`, now, id)
	} else {
		_, err = r.q(tx).ExecContext(ctx, `UPDATE review_obligations SET is_blocking_new_services=1 WHERE id=? AND is_reviewed=0`, id)
	}
	return err
}

// MarkReviewed closes an obligation. It reports false when it was already
// reviewed.
func (r Repo) MarkReviewed(ctx context.Context, tx *sql.Tx, id, reviewID, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE review_obligations SET is_reviewed=1, is_blocking_new_services=0, review_id=?, reviewed_at=?
WHERE id=? AND is_reviewed=0`, reviewID, now, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}
