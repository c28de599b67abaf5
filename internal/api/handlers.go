// Package api serves the HTTP endpoints next to the websocket routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/HirenKhatri7/DevSync/internal/auth"
	"github.com/HirenKhatri7/DevSync/internal/db"
	"github.com/HirenKhatri7/DevSync/internal/room"
	"github.com/HirenKhatri7/DevSync/internal/session"
	"github.com/HirenKhatri7/DevSync/internal/username"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

const maxBodySize = 64 * 1024

type API struct {
	registry *session.Registry
	hub      *room.Hub
	names    *username.Allocator
	rooms    *auth.Rooms
	store    db.Store
	timeout  time.Duration
	logger   *zap.SugaredLogger
}

func New(registry *session.Registry, hub *room.Hub, names *username.Allocator, rooms *auth.Rooms, store db.Store, timeout time.Duration, logger *zap.SugaredLogger) *API {
	return &API{
		registry: registry,
		hub:      hub,
		names:    names,
		rooms:    rooms,
		store:    store,
		timeout:  timeout,
		logger:   logger.Named("api"),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warnw("failed to encode response", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(into); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func (a *API) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.timeout)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.registry.Stats()
	stats := map[string]any{
		"active_sessions":    live.Sessions,
		"active_connections": live.Connections,
		"active_rooms":       a.hub.RoomCount(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	stored, err := a.store.Stats(ctx)
	if err != nil {
		a.logger.Warnw("failed to read store stats", "error", err)
	} else {
		stats["stored_documents"] = stored.Documents
		stats["stored_rooms"] = stored.Rooms
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

type usernameRequest struct {
	RoomID string `json:"roomId"`
}

func (a *API) UsernameHandler(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.RoomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"username": a.names.Allocate(req.RoomID)})
}

type roomRequest struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

func (a *API) roomRequest(w http.ResponseWriter, r *http.Request) (roomRequest, bool) {
	var req roomRequest
	if !a.decode(w, r, &req) {
		return req, false
	}
	if req.RoomID == "" || req.Password == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID and password are required")
		return req, false
	}
	return req, true
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := a.roomRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	err := a.rooms.Create(ctx, req.RoomID, req.Password)
	switch {
	case err == nil:
		a.logger.Infow("room created", "room", req.RoomID)
		a.jsonResponse(w, http.StatusCreated, map[string]string{
			"message": "Room created successfully",
			"roomId":  req.RoomID,
		})
	case errors.Is(err, devsyncerrors.ErrRoomExists):
		a.errorResponse(w, http.StatusConflict, "Room ID already exists. Please choose another.")
	default:
		a.logger.Errorw("failed to create room", "room", req.RoomID, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room on the server")
	}
}

func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := a.roomRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	err := a.rooms.Join(ctx, req.RoomID, req.Password)
	switch {
	case err == nil:
		a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room join successful"})
	case errors.Is(err, devsyncerrors.ErrInvalidCredentials):
		a.errorResponse(w, http.StatusUnauthorized, "Invalid room ID or password")
	default:
		a.logger.Errorw("failed to join room", "room", req.RoomID, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to join room on the server")
	}
}

type DocumentResponse struct {
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	Bytes     int        `json:"bytes"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

func (a *API) DocumentHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	resp := DocumentResponse{Name: name}

	ctx, cancel := a.storeContext(r)
	defer cancel()
	stored, err := a.store.GetDocument(ctx, name)
	if err != nil {
		a.logger.Warnw("failed to read document", "document", name, "error", err)
	}
	if stored != nil {
		resp.Bytes = stored.Size
		updated := stored.UpdatedAt
		resp.UpdatedAt = &updated
	}

	if sess, ok := a.registry.Lookup(name); ok {
		if size, err := sess.Size(); err == nil {
			resp.Active = true
			resp.Bytes = size
		}
	}

	if !resp.Active && stored == nil {
		a.errorResponse(w, http.StatusNotFound, "Document not found")
		return
	}
	a.jsonResponse(w, http.StatusOK, resp)
}
