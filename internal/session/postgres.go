package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	pool     *pgxpool.Pool
	maxTurns int
	locks    *userLocks
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxTurns int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool:     pool,
		maxTurns: normalizeMaxTurns(maxTurns),
		locks:    newUserLocks(),
	}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			user_id TEXT PRIMARY KEY,
			start_time TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS relay_turns (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES relay_sessions(user_id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_turns_user_id ON relay_turns (user_id, id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, userID string) (Session, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO relay_sessions (user_id, start_time) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, time.Now().UTC(),
	); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s.load(ctx, userID)
}

func (s *PostgresStore) AppendTurn(ctx context.Context, userID string, role Role, content string) (Session, error) {
	if err := ValidateTurn(userID, role, content); err != nil {
		return Session{}, err
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO relay_sessions (user_id, start_time) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, now,
	); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO relay_turns (user_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		userID, string(role), content, now,
	); err != nil {
		return Session{}, fmt.Errorf("save turn: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM relay_turns WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM relay_turns WHERE user_id = $1 ORDER BY id DESC LIMIT $2
		)`,
		userID, s.maxTurns,
	); err != nil {
		return Session{}, fmt.Errorf("trim turns: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("commit append: %w", err)
	}

	return s.load(ctx, userID)
}

func (s *PostgresStore) Clear(ctx context.Context, userID string) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	if _, err := s.pool.Exec(ctx, `DELETE FROM relay_turns WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// MaxTurns returns the per-session bound.
func (s *PostgresStore) MaxTurns() int {
	return s.maxTurns
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) load(ctx context.Context, userID string) (Session, error) {
	sess := Session{UserID: userID}
	if err := s.pool.QueryRow(ctx,
		`SELECT start_time FROM relay_sessions WHERE user_id = $1`, userID,
	).Scan(&sess.StartTime); err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, content, created_at FROM relay_turns WHERE user_id = $1 ORDER BY id`,
		userID,
	)
	if err != nil {
		return Session{}, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			role string
			turn Turn
		)
		if err := rows.Scan(&role, &turn.Content, &turn.Timestamp); err != nil {
			return Session{}, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = Role(role)
		sess.Turns = append(sess.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return Session{}, fmt.Errorf("iterate turns: %w", err)
	}
	return sess, nil
}
