package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists sessions in a local SQLite file.
type SQLiteStore struct {
	db       *sql.DB
	maxTurns int
	locks    *userLocks
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, maxTurns int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection avoids "database is locked" under concurrent writers
	db.SetMaxOpenConns(1)

	createSessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		start_time DATETIME
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		role TEXT,
		content TEXT,
		timestamp DATETIME,
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);`

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	if _, err := db.Exec(createMessagesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		maxTurns: normalizeMaxTurns(maxTurns),
		locks:    newUserLocks(),
	}, nil
}

// GetOrCreate loads the user's session, inserting an empty one if unseen.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, userID string) (Session, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, start_time) VALUES (?, ?)",
		userID, time.Now().UTC(),
	); err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return s.load(ctx, userID)
}

// AppendTurn inserts one message and trims the oldest rows beyond the bound in one transaction.
func (s *SQLiteStore) AppendTurn(ctx context.Context, userID string, role Role, content string) (Session, error) {
	if err := ValidateTurn(userID, role, content); err != nil {
		return Session{}, err
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, start_time) VALUES (?, ?)",
		userID, now,
	); err != nil {
		return Session{}, fmt.Errorf("failed to save session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
		userID, string(role), content, now,
	); err != nil {
		return Session{}, fmt.Errorf("failed to save message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`,
		userID, userID, s.maxTurns,
	); err != nil {
		return Session{}, fmt.Errorf("failed to trim messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return s.load(ctx, userID)
}

// Clear deletes the user's messages.
func (s *SQLiteStore) Clear(ctx context.Context, userID string) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", userID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// MaxTurns returns the per-session bound.
func (s *SQLiteStore) MaxTurns() int {
	return s.maxTurns
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) load(ctx context.Context, userID string) (Session, error) {
	sess := Session{UserID: userID}
	err := s.db.QueryRowContext(ctx, "SELECT start_time FROM sessions WHERE id = ?", userID).
		Scan(&sess.StartTime)
	if err != nil && err != sql.ErrNoRows {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, timestamp FROM messages WHERE session_id = ? ORDER BY id",
		userID,
	)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			role string
			turn Turn
		)
		if err := rows.Scan(&role, &turn.Content, &turn.Timestamp); err != nil {
			return Session{}, fmt.Errorf("failed to scan message: %w", err)
		}
		turn.Role = Role(role)
		sess.Turns = append(sess.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return Session{}, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return sess, nil
}
