package repo

import (
	"context"
	"database/sql"
	"errors"

	"servimatch/internal/domain"
)

const userColumns = `id,COALESCE(display_name,''),active_role,created_at,updated_at`

func scanUser(row scanner) (domain.User, error) {
	var u domain.User
	var role string
	err := row.Scan(&u.ID, &u.DisplayName, &role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	u.ActiveRole = domain.Role(role)
	return u, err
}

// EnsureUser inserts a user with the default client role if it does not
// exist yet.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, id, now string) error {
	if id == "" {
		return errors.New("user id required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO users(id,active_role,created_at,updated_at) VALUES (?,?,?,?)`,
		id, string(domain.RoleClient), now, now)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) SetDisplayName(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET display_name=?, updated_at=? WHERE id=?`, nullable(name), now, id)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetActiveRole(ctx context.Context, tx *sql.Tx, id string, role domain.Role, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE users SET active_role=?, updated_at=? WHERE id=?`, string(role), now, id)
	if err != nil {
		return err
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRoleSwitch(ctx context.Context, tx *sql.Tx, rec domain.RoleSwitchRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO role_switches(id,user_id,from_role,to_role,reason,created_at) VALUES (?,?,?,?,?,?)`,
		rec.ID, rec.UserID, string(rec.FromRole), string(rec.ToRole), nullable(rec.Reason), rec.CreatedAt)
	return err
}

// ListRoleSwitches returns the switch history oldest first.
func (r Repo) ListRoleSwitches(ctx context.Context, tx *sql.Tx, userID string) ([]domain.RoleSwitchRecord, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,user_id,from_role,to_role,COALESCE(reason,''),created_at FROM role_switches WHERE user_id=? ORDER BY created_at ASC, rowid ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleSwitchRecord
	for rows.Next() {
		var rec domain.RoleSwitchRecord
		var from, to string
		if err := rows.Scan(&rec.ID, &rec.UserID, &from, &to, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.FromRole, rec.ToRole = domain.Role(from), domain.Role(to)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UserNames maps ids to display names, falling back to the id.
func (r Repo) UserNames(ctx context.Context, tx *sql.Tx, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		names[id] = id
		args = append(args, id)
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,COALESCE(display_name,'') FROM users WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		if name != "" {
			names[id] = name
		}
	}
	return names, rows.Err()
}
