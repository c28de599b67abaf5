// Package room runs the presence and cursor events of collaboration rooms.
package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HirenKhatri7/DevSync/internal/presence"
	"github.com/HirenKhatri7/DevSync/internal/relay"
	"github.com/HirenKhatri7/DevSync/internal/username"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

// Outgoing event names.
const (
	EventPresenceUpdate = "presence:update"
	EventCursorUpdate   = "cursor:update"
)

// Member is a connected events client.
type Member interface {
	ID() string
	// Emit queues an event without blocking and reports whether it was queued.
	Emit(event string, data any) bool
}

// PresenceUpdate is the payload of EventPresenceUpdate.
type PresenceUpdate struct {
	Participants []presence.Participant `json:"participants"`
}

// CursorMove is a cursor position reported by a member.
type CursorMove struct {
	RoomID   string  `json:"roomId"`
	WindowID string  `json:"windowId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	UserID   string  `json:"userId"`
}

// Hub connects members, the presence registry and the cursor relay.
type Hub struct {
	presence *presence.Registry
	relay    *relay.Relay
	names    *username.Allocator
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	members map[string]Member
	// Room each member holds a relay subscription reference for.
	subscribed map[string]string
}

// NewHub returns a hub with no members.
func NewHub(registry *presence.Registry, relay *relay.Relay, names *username.Allocator, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		presence:   registry,
		relay:      relay,
		names:      names,
		logger:     logger.Named("room"),
		members:    make(map[string]Member),
		subscribed: make(map[string]string),
	}
}

// Connect registers m so it can receive room events.
func (h *Hub) Connect(m Member) {
	h.mu.Lock()
	h.members[m.ID()] = m
	h.mu.Unlock()
}

// Join moves m into roomID and sends it the participant list.
func (h *Hub) Join(ctx context.Context, m Member, roomID string) {
	h.apply(h.presence.Join(roomID, m.ID()))
	h.subscribe(ctx, m.ID(), roomID)
	h.logger.Infow("member joined", "member", m.ID(), "room", roomID)
	m.Emit(EventPresenceUpdate, PresenceUpdate{Participants: h.presence.Participants(roomID)})
}

// Register records username for m and broadcasts the new participant list.
func (h *Hub) Register(ctx context.Context, m Member, roomID, name string) {
	ch := h.presence.Register(roomID, m.ID(), name)
	h.names.Reserve(roomID, name)
	h.subscribe(ctx, m.ID(), roomID)
	h.logger.Infow("username registered", "member", m.ID(), "room", roomID, "username", name)
	h.apply(ch)
}

// MoveCursor publishes the cursor of m to every other member of the room in
// any process. When the broker cannot take it, only local members get it.
func (h *Hub) MoveCursor(ctx context.Context, m Member, move CursorMove) {
	roomID := move.RoomID
	if roomID == "" {
		var ok bool
		if roomID, ok = h.presence.RoomOf(m.ID()); !ok {
			return
		}
	}
	userID := h.presence.Username(m.ID())
	if userID == "" {
		userID = move.UserID
	}
	if userID == "" {
		userID = m.ID()
	}
	ev := relay.CursorEvent{
		UserID:   userID,
		WindowID: move.WindowID,
		X:        move.X,
		Y:        move.Y,
		SenderID: m.ID(),
		RoomID:   roomID,
	}

	err := h.relay.Publish(ctx, ev)
	if err == nil {
		return
	}
	if !devsyncerrors.IsBrokerUnavailable(err) {
		h.logger.Errorw("failed to publish cursor", "room", roomID, "error", err)
		return
	}
	h.logger.Debugw("delivering cursor locally", "room", roomID, "error", err)
	h.DeliverCursor(ev)
}

// DeliverCursor emits ev to the local members of its room except the sender.
func (h *Hub) DeliverCursor(ev relay.CursorEvent) {
	for _, id := range h.presence.Members(ev.RoomID) {
		if id == ev.SenderID {
			continue
		}
		h.emit(id, EventCursorUpdate, ev)
	}
}

// Disconnect removes m from its room and releases its username.
func (h *Hub) Disconnect(m Member) {
	h.apply(h.presence.Disconnect(m.ID()))
	h.unsubscribe(m.ID())

	h.mu.Lock()
	delete(h.members, m.ID())
	h.mu.Unlock()
}

// Participants returns the participant list of roomID.
func (h *Hub) Participants(roomID string) []presence.Participant {
	return h.presence.Participants(roomID)
}

// RoomCount returns the number of rooms with local members.
func (h *Hub) RoomCount() int {
	return h.presence.RoomCount()
}

func (h *Hub) apply(ch presence.Change) {
	for _, rel := range ch.Released {
		h.names.Release(rel.RoomID, rel.Username)
	}
	for _, roomID := range ch.Rooms {
		h.broadcastPresence(roomID)
	}
}

func (h *Hub) broadcastPresence(roomID string) {
	update := PresenceUpdate{Participants: h.presence.Participants(roomID)}
	for _, id := range h.presence.Members(roomID) {
		h.emit(id, EventPresenceUpdate, update)
	}
}

func (h *Hub) emit(memberID, event string, data any) {
	h.mu.RLock()
	m, ok := h.members[memberID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if !m.Emit(event, data) {
		h.logger.Warnw("member not accepting events", "member", memberID, "event", event)
	}
}

// subscribe moves the relay reference of memberID to roomID. Relay calls
// happen outside mu because relay handlers call back into the hub.
func (h *Hub) subscribe(ctx context.Context, memberID, roomID string) {
	h.mu.Lock()
	prev, had := h.subscribed[memberID]
	if had && prev == roomID {
		h.mu.Unlock()
		return
	}
	delete(h.subscribed, memberID)
	h.mu.Unlock()

	if had {
		h.release(prev)
	}
	if err := h.relay.Subscribe(ctx, roomID, h.DeliverCursor); err != nil {
		// Cursors of this room stay local until a later join subscribes.
		h.logger.Warnw("cursor relay unavailable", "room", roomID, "error", err)
		return
	}
	h.mu.Lock()
	h.subscribed[memberID] = roomID
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(memberID string) {
	h.mu.Lock()
	roomID, ok := h.subscribed[memberID]
	delete(h.subscribed, memberID)
	h.mu.Unlock()
	if ok {
		h.release(roomID)
	}
}

func (h *Hub) release(roomID string) {
	if err := h.relay.Unsubscribe(roomID); err != nil {
		h.logger.Warnw("failed to close cursor subscription", "room", roomID, "error", err)
	}
}
