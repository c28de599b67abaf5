// Package relay fans cursor events out across processes through a Broker.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

const channelPrefix = "cursor-update:"

// CursorEvent is a cursor position broadcast to a room.
type CursorEvent struct {
	UserID   string  `json:"userId"`
	WindowID string  `json:"windowId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	// SenderID is the connection that moved; it does not get the event back.
	SenderID string `json:"senderId"`
	RoomID   string `json:"roomId"`
}

// Channel returns the broker channel carrying cursor events of roomID.
func Channel(roomID string) string {
	return channelPrefix + roomID
}

// Handler receives events published on a subscribed room by any process.
type Handler func(CursorEvent)

// Relay is safe for concurrent use.
type Relay struct {
	broker  Broker
	timeout time.Duration
	logger  *zap.SugaredLogger
	stats   tally.Scope

	mu    sync.Mutex
	rooms map[string]*roomSubscription
	wg    sync.WaitGroup
}

// roomSubscription is installed before the broker call returns. ready is
// closed once the call finished; sub is set on success and err on failure.
type roomSubscription struct {
	refs  int
	sub   Subscription
	err   error
	ready chan struct{}
	done  chan struct{}
}

func (rs *roomSubscription) live() bool {
	return rs.sub != nil
}

// New returns a relay publishing through broker. Broker calls are bounded by timeout.
func New(broker Broker, timeout time.Duration, logger *zap.SugaredLogger, stats tally.Scope) *Relay {
	return &Relay{
		broker:  broker,
		timeout: timeout,
		logger:  logger.Named("relay"),
		stats:   stats.SubScope("relay"),
		rooms:   make(map[string]*roomSubscription),
	}
}

func (r *Relay) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Publish sends ev to every process subscribed to its room. It returns a
// *BrokerUnavailableError when the event cannot go through the broker, in
// which case the caller delivers locally.
func (r *Relay) Publish(ctx context.Context, ev CursorEvent) error {
	channel := Channel(ev.RoomID)

	r.mu.Lock()
	rs, ok := r.rooms[ev.RoomID]
	live := ok && rs.live()
	r.mu.Unlock()
	if !live {
		return &devsyncerrors.BrokerUnavailableError{Channel: channel, Err: fmt.Errorf("no live subscription")}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.broker.Publish(ctx, channel, payload); err != nil {
		r.stats.Counter("broker_failures").Inc(1)
		return &devsyncerrors.BrokerUnavailableError{Channel: channel, Err: err}
	}
	r.stats.Counter("published").Inc(1)
	return nil
}

// Subscribe adds a reference to the subscription of roomID, opening it on
// the first reference. handler is used by the subscription opened here;
// later references share it. The broker call runs without holding the relay
// lock, so other rooms keep publishing while it is in flight.
func (r *Relay) Subscribe(ctx context.Context, roomID string, handler Handler) error {
	r.mu.Lock()
	if rs, ok := r.rooms[roomID]; ok {
		rs.refs++
		r.mu.Unlock()
		<-rs.ready
		return rs.err
	}
	rs := &roomSubscription{refs: 1, ready: make(chan struct{}), done: make(chan struct{})}
	r.rooms[roomID] = rs
	r.mu.Unlock()

	channel := Channel(roomID)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	sub, err := r.broker.Subscribe(ctx, channel)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(rs.ready)
	if err != nil {
		r.stats.Counter("broker_failures").Inc(1)
		rs.err = &devsyncerrors.BrokerUnavailableError{Channel: channel, Err: err}
		if r.rooms[roomID] == rs {
			delete(r.rooms, roomID)
		}
		return rs.err
	}
	// Started even when Unsubscribe or Close removed rs meanwhile; whoever
	// removed it closes sub once ready is closed.
	rs.sub = sub
	r.wg.Add(1)
	go r.receive(roomID, rs, handler)
	r.logger.Debugw("subscribed", "channel", channel)
	return nil
}

func (r *Relay) receive(roomID string, rs *roomSubscription, handler Handler) {
	defer r.wg.Done()
	defer close(rs.done)
	for payload := range rs.sub.Messages() {
		var ev CursorEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			r.logger.Warnw("dropping cursor event", "room", roomID, "error", err)
			continue
		}
		ev.RoomID = roomID
		r.stats.Counter("delivered").Inc(1)
		handler(ev)
	}

	// The broker ended the subscription on its own; forget it so the next
	// subscriber reopens it and publishers degrade to local delivery meanwhile.
	r.mu.Lock()
	if r.rooms[roomID] == rs {
		delete(r.rooms, roomID)
		r.logger.Warnw("subscription lost", "room", roomID)
	}
	r.mu.Unlock()
}

// Unsubscribe drops a reference taken by Subscribe; the last one closes the
// broker subscription. Handlers must not call Unsubscribe.
func (r *Relay) Unsubscribe(roomID string) error {
	r.mu.Lock()
	rs, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	rs.refs--
	if rs.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.rooms, roomID)
	r.mu.Unlock()

	<-rs.ready
	if rs.err != nil {
		return nil
	}
	err := rs.sub.Close()
	<-rs.done
	r.logger.Debugw("unsubscribed", "channel", Channel(roomID))
	return err
}

// Subscribed reports whether roomID has a live subscription.
func (r *Relay) Subscribed(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	return ok && rs.live()
}

// Close ends every subscription. The broker itself is left open.
func (r *Relay) Close() error {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*roomSubscription)
	r.mu.Unlock()

	var err error
	for _, rs := range rooms {
		<-rs.ready
		if rs.err == nil {
			err = multierr.Append(err, rs.sub.Close())
		}
	}
	r.wg.Wait()
	return err
}
