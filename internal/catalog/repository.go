package catalog

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, status string) ([]*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	CloseSession(ctx context.Context, id, reason string) error
	CountSessions(ctx context.Context, status string) (int, error)

	CreateExport(ctx context.Context, export *ExportRecord) error
	GetExport(ctx context.Context, id string) (*ExportRecord, error)
	ListExports(ctx context.Context, sessionID string, limit int) ([]*ExportRecord, error)
	CountExports(ctx context.Context) (int, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sessionColumns = `id, filename, source_path, fingerprint, size_bytes, width, height, duration, fps,
	frame_count, codec, status, close_reason, created_at, last_used_at, closed_at`

func (r *SQLiteRepository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Filename, s.SourcePath, nullString(s.Fingerprint), s.Size,
		s.Width, s.Height, s.Duration, s.FPS, s.FrameCount, nullString(s.Codec),
		s.Status, nullString(s.CloseReason),
		s.CreatedAt.Format(time.RFC3339), s.LastUsedAt.Format(time.RFC3339), nullTime(s.ClosedAt))
	return err
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *SQLiteRepository) ListSessions(ctx context.Context, status string) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var fingerprint, codec, closeReason, closedAt sql.NullString
	var createdAt, lastUsedAt string

	err := row.Scan(&s.ID, &s.Filename, &s.SourcePath, &fingerprint, &s.Size,
		&s.Width, &s.Height, &s.Duration, &s.FPS, &s.FrameCount, &codec,
		&s.Status, &closeReason, &createdAt, &lastUsedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	s.Fingerprint = fingerprint.String
	s.Codec = codec.String
	s.CloseReason = closeReason.String
	s.CreatedAt = parseTime(createdAt)
	s.LastUsedAt = parseTime(lastUsedAt)
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		s.ClosedAt = &t
	}
	return &s, nil
}

func (r *SQLiteRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sessions SET last_used_at = ? WHERE id = ?", at.Format(time.RFC3339), id)
	return err
}

// CloseSession marks the session closed and expires its exports.
func (r *SQLiteRepository) CloseSession(ctx context.Context, id, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, close_reason = ?, closed_at = ?
		WHERE id = ? AND status = ?
	`, SessionStatusClosed, reason, now, id, SessionStatusOpen); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE exports SET status = ? WHERE session_id = ? AND status = ?
	`, ExportStatusExpired, id, ExportStatusReady); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) CountSessions(ctx context.Context, status string) (int, error) {
	var count int
	var err error
	if status == "" {
		err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count)
	} else {
		err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE status = ?", status).Scan(&count)
	}
	return count, err
}

const exportColumns = `id, session_id, filename, path, scale, speed, start_sec, end_sec, fps,
	width, height, frames, size_bytes, status, created_at`

func (r *SQLiteRepository) CreateExport(ctx context.Context, e *ExportRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exports (`+exportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.Filename, e.Path, e.Scale, e.Speed, e.Start, e.End, e.FPS,
		e.Width, e.Height, e.Frames, e.Size, e.Status, e.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetExport(ctx context.Context, id string) (*ExportRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE id = ?`, id)
	e, err := scanExport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (r *SQLiteRepository) ListExports(ctx context.Context, sessionID string, limit int) ([]*ExportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + exportColumns + ` FROM exports`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exports []*ExportRecord
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

func scanExport(row scanner) (*ExportRecord, error) {
	var e ExportRecord
	var createdAt string
	err := row.Scan(&e.ID, &e.SessionID, &e.Filename, &e.Path, &e.Scale, &e.Speed, &e.Start, &e.End, &e.FPS,
		&e.Width, &e.Height, &e.Frames, &e.Size, &e.Status, &createdAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func (r *SQLiteRepository) CountExports(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exports").Scan(&count)
	return count, err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')
	`, key, value)
	return err
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
