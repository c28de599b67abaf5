// Package auth guards rooms with bcrypt hashed passwords.
package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/HirenKhatri7/DevSync/internal/db"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

// RoomStore persists room credentials.
type RoomStore interface {
	CreateRoom(ctx context.Context, id, passwordHash string) (bool, error)
	GetRoom(ctx context.Context, id string) (*db.Room, error)
}

// Rooms creates and verifies password protected rooms.
type Rooms struct {
	store RoomStore
	cost  int
}

// NewRooms returns a Rooms hashing with bcrypt.DefaultCost.
func NewRooms(store RoomStore) *Rooms {
	return &Rooms{store: store, cost: bcrypt.DefaultCost}
}

// Create registers roomID with password. It returns ErrRoomExists if the id is taken.
func (r *Rooms) Create(ctx context.Context, roomID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	created, err := r.store.CreateRoom(ctx, roomID, string(hash))
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	if !created {
		return devsyncerrors.ErrRoomExists
	}
	return nil
}

// Join checks password against roomID. Unknown rooms and wrong passwords
// both return ErrInvalidCredentials.
func (r *Rooms) Join(ctx context.Context, roomID, password string) error {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return devsyncerrors.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)); err != nil {
		return devsyncerrors.ErrInvalidCredentials
	}
	return nil
}
