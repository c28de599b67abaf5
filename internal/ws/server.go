// Package ws serves the websocket endpoints: binary document sync on
// /yjs/{name} and JSON room events on /events.
package ws

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/HirenKhatri7/DevSync/internal/ratelimit"
	"github.com/HirenKhatri7/DevSync/internal/room"
	"github.com/HirenKhatri7/DevSync/internal/session"
)

// AnyOrigin disables the websocket origin check.
const AnyOrigin = "*"

// Server upgrades HTTP requests into document and events connections.
type Server struct {
	registry *session.Registry
	hub      *room.Hub
	policy   ratelimit.Policy
	logger   *zap.SugaredLogger
	stats    tally.Scope

	upgrader websocket.Upgrader
}

// NewServer returns a server accepting browsers from origin.
func NewServer(registry *session.Registry, hub *room.Hub, origin string, logger *zap.SugaredLogger, stats tally.Scope) *Server {
	return &Server{
		registry: registry,
		hub:      hub,
		policy:   ratelimit.DefaultPolicy,
		logger:   logger.Named("ws"),
		stats:    stats.SubScope("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(origin),
		},
	}
}

func checkOrigin(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if allowed == AnyOrigin {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Not a browser.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Scheme+"://"+u.Host == allowed
	}
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*transport, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warnw("upgrade failed", "path", r.URL.Path, "error", err)
		return nil, false
	}
	return newTransport(uuid.NewString(), conn), true
}

func isUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure)
}
