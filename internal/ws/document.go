package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HirenKhatri7/DevSync/internal/protocol"
	"github.com/HirenKhatri7/DevSync/internal/ratelimit"
	"github.com/HirenKhatri7/DevSync/internal/session"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

// documentClient is a session.Conn over a websocket.
type documentClient struct {
	*transport
	logger *zap.SugaredLogger
}

func (c *documentClient) ID() string { return c.id }

func (c *documentClient) Send(frame []byte) bool { return c.queue(frame) }

// ServeDocument handles GET /yjs/{name}.
func (s *Server) ServeDocument(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name == "" {
		http.Error(w, "document name is required", http.StatusBadRequest)
		return
	}
	t, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	c := &documentClient{transport: t, logger: s.logger.With("conn", t.id, "document", name)}

	// The request context ends when this handler returns.
	ctx := context.WithoutCancel(r.Context())
	go c.writePump(websocket.BinaryMessage)

	sess, err := s.registry.Attach(ctx, name, c)
	if err != nil {
		c.logger.Warnw("attach failed", "error", err)
		c.close()
		return
	}
	s.stats.Counter("document_connections").Inc(1)
	c.logger.Infow("document connection opened")

	go s.readDocument(ctx, c, sess)
}

func (s *Server) readDocument(ctx context.Context, c *documentClient, sess *session.Session) {
	defer func() {
		c.close()
		s.registry.Detach(ctx, sess, c)
		c.logger.Infow("document connection closed")
	}()

	c.prepareRead()
	guard := ratelimit.NewGuard(s.policy)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if isUnexpectedClose(err) && !c.isClosed() {
				c.logger.Warnw("read failed", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
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
			c.logger.Warnw("disconnecting for excessive rate limit violations", "violations", guard.Violations())
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, devsyncerrors.ErrUnknownMessage) {
				c.logger.Debugw("ignoring unknown frame", "error", err)
				continue
			}
			s.stats.Counter("malformed_frames").Inc(1)
			c.logger.Warnw("dropping malformed frame", "error", err)
			continue
		}
		if err := sess.Handle(c, msg); err != nil {
			c.logger.Infow("session gone", "error", err)
			return
		}
	}
}
