package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a store shared by every process of a deployment, so a document
// unloaded on one process can be loaded by another.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		name TEXT PRIMARY KEY,
		state BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) LoadDocument(ctx context.Context, name string) ([]byte, error) {
	var state []byte
	err := p.pool.QueryRow(ctx, "SELECT state FROM documents WHERE name = $1", name).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (p *Postgres) SaveDocument(ctx context.Context, name string, state []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (name, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`, name, state)
	return err
}

func (p *Postgres) GetDocument(ctx context.Context, name string) (*Document, error) {
	var doc Document
	err := p.pool.QueryRow(ctx,
		"SELECT name, octet_length(state), updated_at FROM documents WHERE name = $1",
		name,
	).Scan(&doc.Name, &doc.Size, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (p *Postgres) CreateRoom(ctx context.Context, id, passwordHash string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		"INSERT INTO rooms (id, password_hash) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
		id, passwordHash,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	err := p.pool.QueryRow(ctx,
		"SELECT id, password_hash, created_at FROM rooms WHERE id = $1",
		id,
	).Scan(&room.ID, &room.PasswordHash, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := p.pool.QueryRow(ctx,
		"SELECT (SELECT COUNT(*) FROM documents), (SELECT COUNT(*) FROM rooms)",
	).Scan(&stats.Documents, &stats.Rooms)
	return stats, err
}
