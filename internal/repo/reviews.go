package repo

import (
	"context"
	"database/sql"
	"errors"

	"servimatch/internal/domain"
)

const reviewColumns = `id,obligation_id,connection_id,reviewer_id,reviewee_id,rating,comment,created_at`

func scanReview(row scanner) (domain.Review, error) {
	var rv domain.Review
	err := row.Scan(&rv.ID, &rv.ObligationID, &rv.ConnectionID, &rv.ReviewerID, &rv.RevieweeID, &rv.Rating, &rv.Comment, &rv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rv, ErrNotFound
	}
	return rv, err
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reviews(id,obligation_id,connection_id,reviewer_id,reviewee_id,rating,comment,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		rv.ID, rv.ObligationID, rv.ConnectionID, rv.ReviewerID, rv.RevieweeID, rv.Rating, rv.Comment, rv.CreatedAt)
	return err
}

func (r Repo) GetReview(ctx context.Context, tx *sql.Tx, id string) (domain.Review, error) {
	return scanReview(r.q(tx).QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=?`, id))
}

// ListReviewsFor returns reviews received by revieweeID, newest first.
func (r Repo) ListReviewsFor(ctx context.Context, revieweeID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE reviewee_id=? ORDER BY created_at DESC, id DESC`, revieweeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}
