package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_sessions (
			id TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			room_id TEXT NOT NULL UNIQUE,
			call_type TEXT NOT NULL,
			status TEXT NOT NULL,
			initiated_at TIMESTAMPTZ NOT NULL,
			answered_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL,
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_caller ON call_sessions (caller_id, initiated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_recipient ON call_sessions (recipient_id, initiated_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init call schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const sessionColumns = `id, caller_id, recipient_id, room_id, call_type, status,
	initiated_at, answered_at, ended_at, duration_seconds, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, sess Session) error {
	if sess.Version == 0 {
		sess.Version = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_sessions (`+sessionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sess.ID,
		sess.CallerID,
		sess.RecipientID,
		sess.RoomID,
		string(sess.CallType),
		string(sess.Status),
		sess.InitiatedAt,
		sess.AnsweredAt,
		sess.EndedAt,
		sess.DurationSeconds,
		sess.Version,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id=$1`, id)
	sess, err := scanPostgresSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load call session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Save(ctx context.Context, sess Session) (Session, error) {
	sess.UpdatedAt = time.Now().UTC()
	var version int64
	err := s.pool.QueryRow(ctx,
		`UPDATE call_sessions SET
			status=$2,
			answered_at=$3,
			ended_at=$4,
			duration_seconds=$5,
			updated_at=$6,
			version=version+1
		 WHERE id=$1 AND version=$7
		 RETURNING version`,
		sess.ID,
		string(sess.Status),
		sess.AnsweredAt,
		sess.EndedAt,
		sess.DurationSeconds,
		sess.UpdatedAt,
		sess.Version,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, findErr := s.FindByID(ctx, sess.ID); errors.Is(findErr, ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, ErrVersionConflict
	}
	if err != nil {
		return Session{}, fmt.Errorf("update call session: %w", err)
	}
	sess.Version = version
	return sess, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions
		 WHERE caller_id=$1 OR recipient_id=$1
		 ORDER BY initiated_at DESC LIMIT $2`,
		userID, clampLimit(limit),
	)
}

func (s *PostgresStore) ListMissed(ctx context.Context, recipientID string, limit int) ([]Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions
		 WHERE recipient_id=$1 AND status=$2
		 ORDER BY initiated_at DESC LIMIT $3`,
		recipientID, string(StatusMissed), clampLimit(limit),
	)
}

func (s *PostgresStore) Statistics(ctx context.Context, userID string) (Statistics, error) {
	var st Statistics
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE (caller_id=$1 OR recipient_id=$1) AND status IN ('active','completed')),
			COUNT(*) FILTER (WHERE recipient_id=$1 AND status='missed'),
			COUNT(*) FILTER (WHERE recipient_id=$1 AND status='rejected'),
			COALESCE(SUM(duration_seconds) FILTER (WHERE (caller_id=$1 OR recipient_id=$1) AND status='completed'), 0)
		 FROM call_sessions
		 WHERE caller_id=$1 OR recipient_id=$1`,
		userID,
	).Scan(&st.TotalCalls, &st.MissedCalls, &st.RejectedCalls, &st.TotalDurationSeconds)
	if err != nil {
		return Statistics{}, fmt.Errorf("query call statistics: %w", err)
	}
	st.finalize()
	return st, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]Session, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query call sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		sess, err := scanPostgresSession(rows)
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

func scanPostgresSession(row pgx.Row) (Session, error) {
	var (
		sess     Session
		callType string
		status   string
	)
	err := row.Scan(
		&sess.ID,
		&sess.CallerID,
		&sess.RecipientID,
		&sess.RoomID,
		&callType,
		&status,
		&sess.InitiatedAt,
		&sess.AnsweredAt,
		&sess.EndedAt,
		&sess.DurationSeconds,
		&sess.Version,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	sess.CallType = CallType(callType)
	sess.Status = Status(status)
	return sess, nil
}
