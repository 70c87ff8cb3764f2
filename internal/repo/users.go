package repo

import (
	"context"
	"database/sql"
	"time"

	"opsdeck/internal/domain"
)

func (r Repo) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	out, err := r.UpsertUserTx(ctx, tx, u)
	if err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return out, nil
}

func (r Repo) UpsertUserTx(ctx context.Context, tx *sql.Tx, u domain.User) (domain.User, error) {
	if u.CreatedAt == "" {
		u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,email,role,avatar,created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, role=excluded.role, avatar=excluded.avatar`,
		u.ID, u.Name, nullable(u.Email), u.Role, nullable(u.Avatar), u.CreatedAt)
	if err != nil {
		return domain.User{}, err
	}
	return r.getUserTx(ctx, tx, u.ID)
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),role,COALESCE(avatar,''),created_at FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) getUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),role,COALESCE(avatar,''),created_at FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func scanUser(scan func(...any) error) (domain.User, error) {
	var u domain.User
	err := scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Avatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(email,''),role,COALESCE(avatar,''),created_at FROM users ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) DeleteUser(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
