package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"opsdeck/internal/domain"
)

// Meeting sessions are the append-only archive written when a live
// meeting ends. Rows are never updated except to attach a summary.

func (r Repo) InsertMeetingSession(ctx context.Context, tx *sql.Tx, s domain.MeetingSession) error {
	transcript, err := marshalStringSlice(s.Transcript)
	if err != nil {
		return err
	}
	items, err := marshalStringSlice(s.ActionItems)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO meeting_sessions(id,date,duration_seconds,transcript_json,summary,action_items_json,created_at)
VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.Date, s.DurationSeconds, transcript, nullable(s.Summary), items, s.CreatedAt)
	return err
}

func (r Repo) GetMeetingSession(ctx context.Context, id string) (domain.MeetingSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,date,duration_seconds,transcript_json,COALESCE(summary,''),action_items_json,created_at FROM meeting_sessions WHERE id=?`, id)
	return scanMeetingSession(row.Scan)
}

func (r Repo) ListMeetingSessions(ctx context.Context, limit int) ([]domain.MeetingSession, error) {
	query := `SELECT id,date,duration_seconds,transcript_json,COALESCE(summary,''),action_items_json,created_at FROM meeting_sessions ORDER BY date DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MeetingSession
	for rows.Next() {
		s, err := scanMeetingSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SetMeetingSessionSummary attaches an advisor-generated summary and
// action items to an archived session.
func (r Repo) SetMeetingSessionSummary(ctx context.Context, id, summary string, actionItems []string) error {
	items, err := marshalStringSlice(actionItems)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE meeting_sessions SET summary=?, action_items_json=? WHERE id=?`,
		nullable(summary), items, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMeetingSession(scan func(...any) error) (domain.MeetingSession, error) {
	var s domain.MeetingSession
	var transcript, items sql.NullString
	err := scan(&s.ID, &s.Date, &s.DurationSeconds, &transcript, &s.Summary, &items, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if transcript.Valid && transcript.String != "" {
		_ = json.Unmarshal([]byte(transcript.String), &s.Transcript)
	}
	if items.Valid && items.String != "" {
		_ = json.Unmarshal([]byte(items.String), &s.ActionItems)
	}
	return s, nil
}
