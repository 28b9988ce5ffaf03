package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore provides SQLite-backed persistence for sessions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and creates tables if
// they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialize writers; sqlite3 allows one at a time anyway.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		project_path TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_used DATETIME NOT NULL,
		message_count INTEGER DEFAULT 0,
		total_cost REAL DEFAULT 0,
		total_turns INTEGER DEFAULT 0,
		tools_used TEXT,
		is_new INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, last_used);
	`
	_, err := db.Exec(schema)
	return err
}

const sessionColumns = `id, user_id, project_path, created_at, last_used,
	message_count, total_cost, total_turns, COALESCE(tools_used, ''), is_new`

// Save inserts or replaces a session.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	var tools []byte
	if len(sess.ToolsUsed) > 0 {
		var err error
		tools, err = json.Marshal(sess.ToolsUsed)
		if err != nil {
			return fmt.Errorf("marshal tools used: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, project_path, created_at, last_used,
		                       message_count, total_cost, total_turns, tools_used, is_new)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id = excluded.user_id,
		   project_path = excluded.project_path,
		   last_used = excluded.last_used,
		   message_count = excluded.message_count,
		   total_cost = excluded.total_cost,
		   total_turns = excluded.total_turns,
		   tools_used = excluded.tools_used,
		   is_new = excluded.is_new`,
		sess.ID, sess.UserID, sess.ProjectPath, sess.CreatedAt, sess.LastUsed,
		sess.MessageCount, sess.TotalCost, sess.TotalTurns, string(tools), sess.IsNew,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

// Load retrieves a session by ID.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`,
		id,
	)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	return sess, nil
}

// Delete removes a session. Deleting an unknown id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// UserSessions returns every session owned by userID, newest first.
func (s *SQLiteStore) UserSessions(ctx context.Context, userID int64) ([]*Session, error) {
	return s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY last_used DESC`,
		userID,
	)
}

// All returns every stored session.
func (s *SQLiteStore) All(ctx context.Context) ([]*Session, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY last_used DESC`)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var tools string
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.ProjectPath, &sess.CreatedAt, &sess.LastUsed,
		&sess.MessageCount, &sess.TotalCost, &sess.TotalTurns, &tools, &sess.IsNew,
	)
	if err != nil {
		return nil, err
	}
	if tools != "" {
		if err := json.Unmarshal([]byte(tools), &sess.ToolsUsed); err != nil {
			return nil, fmt.Errorf("unmarshal tools used: %w", err)
		}
	}
	return &sess, nil
}
