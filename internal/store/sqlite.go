package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            created_at INTEGER NOT NULL,
            last_seen INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS credentials (
            session_id TEXT NOT NULL,
            key TEXT NOT NULL,
            value TEXT NOT NULL,
            updated_at INTEGER NOT NULL,
            PRIMARY KEY(session_id, key),
            FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// TouchSession creates the session row or moves its last_seen forward.
func (s *Store) TouchSession(ctx context.Context, id string, now time.Time) error {
	query := `INSERT INTO sessions (id, created_at, last_seen)
        VALUES (?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen;`
	_, err := s.db.ExecContext(ctx, query, id, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession drops a session with its credentials.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteIdleSessions drops sessions not seen since before, with their
// credentials.
func (s *Store) DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen < ?;`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	return rows, nil
}

// CountSessions returns the number of stored sessions.
func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

func (s *Store) GetCredential(ctx context.Context, sessionID, key string) (Credential, error) {
	credential := Credential{SessionID: sessionID, Key: key}
	var updatedAt int64
	row := s.db.QueryRowContext(ctx, `SELECT value, updated_at FROM credentials WHERE session_id = ? AND key = ?;`, sessionID, key)
	if err := row.Scan(&credential.Value, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, sql.ErrNoRows
		}
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	credential.UpdatedAt = time.Unix(updatedAt, 0)
	return credential, nil
}

// PutCredential stores value under key, creating the session row if needed.
func (s *Store) PutCredential(ctx context.Context, sessionID, key, value string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (id, created_at, last_seen)
        VALUES (?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen;`,
		sessionID, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO credentials (session_id, key, value, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		sessionID, key, value, now.Unix())
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential: %w", err)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, sessionID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE session_id = ? AND key = ?;`, sessionID, key)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Bucket is the credential store of one session. It satisfies the key-value
// storage the session controller reads and writes.
type Bucket struct {
	store     *Store
	sessionID string
}

func (s *Store) Bucket(sessionID string) *Bucket {
	return &Bucket{store: s, sessionID: sessionID}
}

func (b *Bucket) Get(ctx context.Context, key string) (string, bool, error) {
	credential, err := b.store.GetCredential(ctx, b.sessionID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return credential.Value, true, nil
}

func (b *Bucket) Set(ctx context.Context, key, value string) error {
	return b.store.PutCredential(ctx, b.sessionID, key, value, b.store.now())
}

func (b *Bucket) Remove(ctx context.Context, key string) error {
	return b.store.DeleteCredential(ctx, b.sessionID, key)
}
