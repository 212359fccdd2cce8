package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"servimatch/internal/domain"
)

const requestColumns = `id,explorer_id,category_id,locality,urgency,COALESCE(title,''),COALESCE(description,''),
budget_min,budget_max,preferred_date,preferred_time,status,selected_as_id,cancel_reason,expires_at,created_at,updated_at`

func scanRequest(row scanner) (domain.ServiceRequest, error) {
	var (
		req                    domain.ServiceRequest
		urgency, status        string
		budgetMin, budgetMax   sql.NullInt64
		prefDate, prefTime     sql.NullString
		selected, cancelReason sql.NullString
	)
	err := row.Scan(&req.ID, &req.ExplorerID, &req.CategoryID, &req.Locality, &urgency, &req.Title, &req.Description,
		&budgetMin, &budgetMax, &prefDate, &prefTime, &status, &selected, &cancelReason, &req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Urgency = domain.Urgency(urgency)
	req.Status = domain.RequestStatus(status)
	req.BudgetMin, req.BudgetMax = int64Ptr(budgetMin), int64Ptr(budgetMax)
	req.PreferredDate, req.PreferredTime = stringPtr(prefDate), stringPtr(prefTime)
	req.SelectedASID, req.CancelReason = stringPtr(selected), stringPtr(cancelReason)
	return req, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.ServiceRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO service_requests(id,explorer_id,category_id,locality,urgency,title,description,
budget_min,budget_max,preferred_date,preferred_time,status,selected_as_id,expires_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ExplorerID, req.CategoryID, req.Locality, string(req.Urgency), nullable(req.Title), nullable(req.Description),
		nullableInt64Ptr(req.BudgetMin), nullableInt64Ptr(req.BudgetMax), nullableStringPtr(req.PreferredDate), nullableStringPtr(req.PreferredTime),
		string(req.Status), nullableStringPtr(req.SelectedASID), req.ExpiresAt, req.CreatedAt, req.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.ServiceRequest, error) {
	return scanRequest(r.q(tx).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id=?`, id))
}

type RequestFilters struct {
	ExplorerID string
	Status     string
	CategoryID string
	Locality   string
	Limit      int
}

// ListRequests returns requests newest first.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.ServiceRequest, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ExplorerID != "" {
		clauses = append(clauses, "explorer_id=?")
		args = append(args, f.ExplorerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CategoryID != "" {
		clauses = append(clauses, "category_id=?")
		args = append(args, f.CategoryID)
	}
	if f.Locality != "" {
		clauses = append(clauses, "locality=?")
		args = append(args, f.Locality)
	}
	query := `SELECT ` + requestColumns + ` FROM service_requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// CloseRequest moves an active request to in_progress owned by asID. It
// reports false when the request was no longer active.
func (r Repo) CloseRequest(ctx context.Context, tx *sql.Tx, id, asID, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE service_requests SET status='in_progress', selected_as_id=?, updated_at=? WHERE id=? AND status='active'`,
		asID, now, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// CancelActiveRequest soft-cancels a request that is still open for bids.
func (r Repo) CancelActiveRequest(ctx context.Context, tx *sql.Tx, id, reason, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE service_requests SET status='cancelled', cancel_reason=?, updated_at=? WHERE id=? AND status='active'`,
		nullable(reason), now, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// ReleaseRequest cancels an in_progress request whose connection was
// cancelled. selected_as_id is cleared with the status change.
func (r Repo) ReleaseRequest(ctx context.Context, tx *sql.Tx, id, reason, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE service_requests SET status='cancelled', selected_as_id=NULL, cancel_reason=?, updated_at=? WHERE id=? AND status='in_progress'`,
		nullable(reason), now, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (r Repo) CompleteRequest(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE service_requests SET status='completed', updated_at=? WHERE id=? AND status='in_progress'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// DueRequests lists active requests whose expiry is strictly before now.
func (r Repo) DueRequests(ctx context.Context, tx *sql.Tx, now string, limit int) ([]domain.ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE status='active' AND expires_at < ? ORDER BY expires_at ASC, id ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}
