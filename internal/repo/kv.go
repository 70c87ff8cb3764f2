package repo

import (
	"context"
	"database/sql"
	"time"
)

// The kv_store table is the shared same-workspace key-value store. Any
// process opening the workspace database reads and writes the same rows,
// which is what carries the live-meeting record and the active project
// across contexts.

const activeProjectKey = "active_project"

func (r Repo) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (r Repo) SetKV(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kv_store(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}

// SetKVIfAbsent writes only when the key does not exist yet and reports
// whether the write happened. This is the compare-and-swap used to close
// the two-hosts-start-at-once race.
func (r Repo) SetKVIfAbsent(ctx context.Context, key, value string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO kv_store(key,value,updated_at) VALUES (?,?,?)`, key, value, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompareAndSwapKV replaces the stored value only while it still equals
// expected, reporting whether the swap happened. Lets callers reclaim a
// stale row without clobbering a concurrent writer.
func (r Repo) CompareAndSwapKV(ctx context.Context, key, expected, value string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE kv_store SET value=?, updated_at=? WHERE key=? AND value=?`, value, now, key, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) DeleteKV(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM kv_store WHERE key=?`, key)
	return err
}

func (r Repo) ActiveProject(ctx context.Context) (string, error) {
	return r.GetKV(ctx, activeProjectKey)
}

func (r Repo) SetActiveProject(ctx context.Context, projectID string) error {
	return r.SetKV(ctx, activeProjectKey, projectID)
}
