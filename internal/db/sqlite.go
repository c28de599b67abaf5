package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a single-file store, suitable when one process serves every room.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createSQLiteTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func createSQLiteTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		name TEXT PRIMARY KEY,
		state BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Document operations

func (s *SQLite) LoadDocument(ctx context.Context, name string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, "SELECT state FROM documents WHERE name = ?", name).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *SQLite) SaveDocument(ctx context.Context, name string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (name, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, name, state, time.Now().UTC())
	return err
}

func (s *SQLite) GetDocument(ctx context.Context, name string) (*Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx,
		"SELECT name, length(state), updated_at FROM documents WHERE name = ?",
		name,
	).Scan(&doc.Name, &doc.Size, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Room operations

func (s *SQLite) CreateRoom(ctx context.Context, id, passwordHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, password_hash, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING",
		id, passwordHash, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx,
		"SELECT id, password_hash, created_at FROM rooms WHERE id = ?",
		id,
	).Scan(&room.ID, &room.PasswordHash, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// Stats

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&stats.Documents); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&stats.Rooms); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
