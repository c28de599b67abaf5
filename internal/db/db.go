package db

import (
	"context"
	"strings"
	"time"
)

// Document describes a persisted document snapshot.
type Document struct {
	Name      string
	Size      int
	UpdatedAt time.Time
}

// Room is a password protected room.
type Room struct {
	ID           string
	PasswordHash string
	CreatedAt    time.Time
}

// Stats summarizes the store contents.
type Stats struct {
	Documents int `json:"documents"`
	Rooms     int `json:"rooms"`
}

// Store is the durable backend for document snapshots and rooms.
// Absent rows are reported as nil results with a nil error.
type Store interface {
	LoadDocument(ctx context.Context, name string) ([]byte, error)
	SaveDocument(ctx context.Context, name string, state []byte) error
	GetDocument(ctx context.Context, name string) (*Document, error)

	// CreateRoom inserts a room and reports false if the id is taken.
	CreateRoom(ctx context.Context, id, passwordHash string) (bool, error)
	GetRoom(ctx context.Context, id string) (*Room, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open connects to the store named by dsn. postgres:// and postgresql:// URLs
// select Postgres, anything else is a sqlite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(dsn)
}
