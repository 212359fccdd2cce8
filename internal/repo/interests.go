package repo

import (
	"context"
	"database/sql"
	"errors"

	"servimatch/internal/domain"
)

const interestColumns = `id,request_id,as_id,proposed_price,COALESCE(message,''),status,viewed,created_at,updated_at`

func scanInterest(row scanner) (domain.ASInterest, error) {
	var (
		in     domain.ASInterest
		price  sql.NullInt64
		status string
		viewed int
	)
	err := row.Scan(&in.ID, &in.RequestID, &in.ASID, &price, &in.Message, &status, &viewed, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.ProposedPrice = int64Ptr(price)
	in.Status = domain.InterestStatus(status)
	in.Viewed = viewed == 1
	return in, nil
}

func scanInterests(rows *sql.Rows) ([]domain.ASInterest, error) {
	defer rows.Close()
	var res []domain.ASInterest
	for rows.Next() {
		in, err := scanInterest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) InsertInterest(ctx context.Context, tx *sql.Tx, in domain.ASInterest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO as_interests(id,request_id,as_id,proposed_price,message,status,viewed,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		in.ID, in.RequestID, in.ASID, nullableInt64Ptr(in.ProposedPrice), nullable(in.Message), string(in.Status), boolInt(in.Viewed), in.CreatedAt, in.UpdatedAt)
	return err
}

func (r Repo) GetInterest(ctx context.Context, tx *sql.Tx, id string) (domain.ASInterest, error) {
	return scanInterest(r.q(tx).QueryRowContext(ctx, `SELECT `+interestColumns+` FROM as_interests WHERE id=?`, id))
}

// ListInterests returns the interests on a request oldest first.
func (r Repo) ListInterests(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.ASInterest, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+interestColumns+` FROM as_interests WHERE request_id=? ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	return scanInterests(rows)
}

func (r Repo) ListInterestsByAS(ctx context.Context, asID string) ([]domain.ASInterest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+interestColumns+` FROM as_interests WHERE as_id=? ORDER BY created_at DESC, id DESC`, asID)
	if err != nil {
		return nil, err
	}
	return scanInterests(rows)
}

// HasLiveInterest reports whether asID holds a non-expired interest on the
// request.
func (r Repo) HasLiveInterest(ctx context.Context, tx *sql.Tx, requestID, asID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM as_interests WHERE request_id=? AND as_id=? AND status<>'expired' LIMIT 1`, requestID, asID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// AcceptedInterest returns the accepted interest on a request, if any.
func (r Repo) AcceptedInterest(ctx context.Context, tx *sql.Tx, requestID string) (domain.ASInterest, error) {
	return scanInterest(r.q(tx).QueryRowContext(ctx, `SELECT `+interestColumns+` FROM as_interests WHERE request_id=? AND status='accepted'`, requestID))
}

// AcceptInterest flips a pending interest to accepted. It reports false when
// the interest was no longer pending.
func (r Repo) AcceptInterest(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE as_interests SET status='accepted', updated_at=? WHERE id=? AND status='pending'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// RejectPendingSiblings rejects every other pending interest on the request
// and returns the rows it changed.
func (r Repo) RejectPendingSiblings(ctx context.Context, tx *sql.Tx, requestID, acceptedID, now string) ([]domain.ASInterest, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+interestColumns+` FROM as_interests WHERE request_id=? AND id<>? AND status='pending'`, requestID, acceptedID)
	if err != nil {
		return nil, err
	}
	siblings, err := scanInterests(rows)
	if err != nil {
		return nil, err
	}
	if len(siblings) == 0 {
		return nil, nil
	}
	if _, err := r.q(tx).ExecContext(ctx, `UPDATE as_interests SET status='rejected', updated_at=? WHERE request_id=? AND id<>? AND status='pending'`,
		now, requestID, acceptedID); err != nil {
		return nil, err
	}
	for i := range siblings {
		siblings[i].Status = domain.InterestRejected
		siblings[i].UpdatedAt = now
	}
	return siblings, nil
}

// ExpirePendingInterests expires the pending interests on a request and
// returns the affected rows.
func (r Repo) ExpirePendingInterests(ctx context.Context, tx *sql.Tx, requestID, now string) ([]domain.ASInterest, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+interestColumns+` FROM as_interests WHERE request_id=? AND status='pending'`, requestID)
	if err != nil {
		return nil, err
	}
	pending, err := scanInterests(rows)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if _, err := r.q(tx).ExecContext(ctx, `UPDATE as_interests SET status='expired', updated_at=? WHERE request_id=? AND status='pending'`, now, requestID); err != nil {
		return nil, err
	}
	for i := range pending {
		pending[i].Status = domain.InterestExpired
		pending[i].UpdatedAt = now
	}
	return pending, nil
}

func (r Repo) MarkInterestsViewed(ctx context.Context, tx *sql.Tx, requestID string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE as_interests SET viewed=1 WHERE request_id=? AND viewed=0`, requestID)
	if err != nil {
		return 0, err
	}
	return affected(res)
}
