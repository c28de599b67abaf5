package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HirenKhatri7/DevSync/internal/ratelimit"
	"github.com/HirenKhatri7/DevSync/internal/room"
)

// Incoming event names.
const (
	EventJoinRoom         = "joinRoom"
	EventRegisterUsername = "registerUsername"
	EventCursorMove       = "cursor:move"
)

// Envelope is the JSON frame of the events endpoint.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type registration struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// eventsClient is a room.Member over a websocket.
type eventsClient struct {
	*transport
	logger *zap.SugaredLogger
}

func (c *eventsClient) ID() string { return c.id }

func (c *eventsClient) Emit(event string, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		c.logger.Errorw("failed to encode event", "event", event, "error", err)
		return false
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		c.logger.Errorw("failed to encode event", "event", event, "error", err)
		return false
	}
	return c.queue(frame)
}

// ServeEvents handles GET /events.
func (s *Server) ServeEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	c := &eventsClient{transport: t, logger: s.logger.With("conn", t.id)}
	ctx := context.WithoutCancel(r.Context())

	s.hub.Connect(c)
	s.stats.Counter("event_connections").Inc(1)
	c.logger.Infow("events connection opened")

	go c.writePump(websocket.TextMessage)
	go s.readEvents(ctx, c)
}

func (s *Server) readEvents(ctx context.Context, c *eventsClient) {
	defer func() {
		c.close()
		s.hub.Disconnect(c)
		c.logger.Infow("events connection closed")
	}()

	c.prepareRead()
	guard := ratelimit.NewGuard(s.policy)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if isUnexpectedClose(err) && !c.isClosed() {
				c.logger.Warnw("read failed", "error", err)
			}
			return
		}
		switch guard.Check() {
		case ratelimit.Allow:
		case ratelimit.Warn:
			c.logger.Warnw("rate limit exceeded", "violations", guard.Violations())
			fallthrough
		case ratelimit.Drop:
			s.stats.Counter("rate_limited").Inc(1)
			continue
		case ratelimit.Disconnect:
			return
		}

		if err := s.dispatch(ctx, c, data); err != nil {
			s.stats.Counter("malformed_frames").Inc(1)
			c.logger.Warnw("dropping malformed event", "error", err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *eventsClient, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	switch env.Event {
	case EventJoinRoom:
		var roomID string
		if err := json.Unmarshal(env.Data, &roomID); err != nil {
			return err
		}
		if roomID == "" {
			return errEmptyRoom
		}
		s.hub.Join(ctx, c, roomID)
	case EventRegisterUsername:
		var reg registration
		if err := json.Unmarshal(env.Data, &reg); err != nil {
			return err
		}
		if reg.RoomID == "" || reg.Username == "" {
			return errEmptyRegistration
		}
		s.hub.Register(ctx, c, reg.RoomID, reg.Username)
	case EventCursorMove:
		var move room.CursorMove
		if err := json.Unmarshal(env.Data, &move); err != nil {
			return err
		}
		s.hub.MoveCursor(ctx, c, move)
	default:
		c.logger.Debugw("ignoring unknown event", "event", env.Event)
	}
	return nil
}
