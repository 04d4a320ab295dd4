package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists call sessions in a single SQLite file. Times are
// stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn, which is a file path, a file: URI or :memory:.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each :memory: connection is its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_sessions (
			id               TEXT PRIMARY KEY,
			caller_id        TEXT NOT NULL,
			recipient_id     TEXT NOT NULL,
			room_id          TEXT NOT NULL UNIQUE,
			call_type        TEXT NOT NULL,
			status           TEXT NOT NULL,
			initiated_at     INTEGER NOT NULL,
			answered_at      INTEGER NULL,
			ended_at         INTEGER NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			version          INTEGER NOT NULL DEFAULT 1,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_caller ON call_sessions (caller_id, initiated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_recipient ON call_sessions (recipient_id, initiated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, sess Session) error {
	if sess.Version == 0 {
		sess.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_sessions (`+sessionColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID,
		sess.CallerID,
		sess.RecipientID,
		sess.RoomID,
		string(sess.CallType),
		string(sess.Status),
		toMillis(sess.InitiatedAt),
		toNullMillis(sess.AnsweredAt),
		toNullMillis(sess.EndedAt),
		sess.DurationSeconds,
		sess.Version,
		toMillis(sess.CreatedAt),
		toMillis(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert call session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id=?`, id)
	sess, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load call session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess Session) (Session, error) {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE call_sessions SET
			status=?,
			answered_at=?,
			ended_at=?,
			duration_seconds=?,
			updated_at=?,
			version=version+1
		 WHERE id=? AND version=?`,
		string(sess.Status),
		toNullMillis(sess.AnsweredAt),
		toNullMillis(sess.EndedAt),
		sess.DurationSeconds,
		toMillis(sess.UpdatedAt),
		sess.ID,
		sess.Version,
	)
	if err != nil {
		return Session{}, fmt.Errorf("update call session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, fmt.Errorf("update call session: %w", err)
	}
	if n == 0 {
		if _, findErr := s.FindByID(ctx, sess.ID); errors.Is(findErr, ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, ErrVersionConflict
	}
	sess.Version++
	return sess, nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions
		 WHERE caller_id=? OR recipient_id=?
		 ORDER BY initiated_at DESC LIMIT ?`,
		userID, userID, clampLimit(limit),
	)
}

func (s *SQLiteStore) ListMissed(ctx context.Context, recipientID string, limit int) ([]Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions
		 WHERE recipient_id=? AND status=?
		 ORDER BY initiated_at DESC LIMIT ?`,
		recipientID, string(StatusMissed), clampLimit(limit),
	)
}

func (s *SQLiteStore) Statistics(ctx context.Context, userID string) (Statistics, error) {
	var st Statistics
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN (caller_id=?1 OR recipient_id=?1) AND status IN ('active','completed') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN recipient_id=?1 AND status='missed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN recipient_id=?1 AND status='rejected' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN (caller_id=?1 OR recipient_id=?1) AND status='completed' THEN duration_seconds ELSE 0 END), 0)
		 FROM call_sessions
		 WHERE caller_id=?1 OR recipient_id=?1`,
		userID,
	).Scan(&st.TotalCalls, &st.MissedCalls, &st.RejectedCalls, &st.TotalDurationSeconds)
	if err != nil {
		return Statistics{}, fmt.Errorf("query call statistics: %w", err)
	}
	st.finalize()
	return st, nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (Session, error) {
	var (
		sess                            Session
		callType, status                string
		initiatedAt, createdAt, updated int64
		answeredAt, endedAt             sql.NullInt64
	)
	err := row.Scan(
		&sess.ID,
		&sess.CallerID,
		&sess.RecipientID,
		&sess.RoomID,
		&callType,
		&status,
		&initiatedAt,
		&answeredAt,
		&endedAt,
		&sess.DurationSeconds,
		&sess.Version,
		&createdAt,
		&updated,
	)
	if err != nil {
		return Session{}, err
	}
	sess.CallType = CallType(callType)
	sess.Status = Status(status)
	sess.InitiatedAt = fromMillis(initiatedAt)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updated)
	if answeredAt.Valid {
		t := fromMillis(answeredAt.Int64)
		sess.AnsweredAt = &t
	}
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		sess.EndedAt = &t
	}
	return sess, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
