package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/HirenKhatri7/DevSync/internal/presence"
	"github.com/HirenKhatri7/DevSync/internal/relay"
	"github.com/HirenKhatri7/DevSync/internal/username"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type emitted struct {
	event string
	data  any
}

type fakeMember struct {
	id     string
	events chan emitted
}

func newFakeMember(id string) *fakeMember {
	return &fakeMember{id: id, events: make(chan emitted, 64)}
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Emit(event string, data any) bool {
	select {
	case m.events <- emitted{event: event, data: data}:
		return true
	default:
		return false
	}
}

func (m *fakeMember) next(t *testing.T, event string) any {
	t.Helper()
	for {
		select {
		case e := <-m.events:
			if e.event == event {
				return e.data
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: no %s event", m.id, event)
			return nil
		}
	}
}

func (m *fakeMember) expectNo(t *testing.T, event string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case e := <-m.events:
			if e.event == event {
				t.Fatalf("%s: unexpected %s event %+v", m.id, event, e.data)
			}
		case <-deadline:
			return
		}
	}
}

func participants(t *testing.T, m *fakeMember) []presence.Participant {
	t.Helper()
	update, ok := m.next(t, EventPresenceUpdate).(PresenceUpdate)
	require.True(t, ok)
	return update.Participants
}

type process struct {
	hub   *Hub
	names *username.Allocator
}

// newProcess builds the room side of one server process on a shared broker.
func newProcess(t *testing.T, broker relay.Broker) process {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	r := relay.New(broker, time.Second, logger, tally.NewTestScope("", nil))
	t.Cleanup(func() { _ = r.Close() })
	names := username.NewAllocator(nil)
	return process{hub: NewHub(presence.NewRegistry(), r, names, logger), names: names}
}

func connect(p process, id string) *fakeMember {
	m := newFakeMember(id)
	p.hub.Connect(m)
	return m
}

func TestJoinAndRegister(t *testing.T) {
	broker := relay.NewMemoryBroker()
	defer broker.Close()
	p := newProcess(t, broker)
	ctx := context.Background()

	a, b := connect(p, "a"), connect(p, "b")
	p.hub.Join(ctx, a, "r1")
	assert.Empty(t, participants(t, a))

	p.hub.Register(ctx, a, "r1", "alice")
	assert.Equal(t, []presence.Participant{{Username: "alice", Color: presence.Color("alice")}}, participants(t, a))
	assert.True(t, p.names.Active("r1", "alice"))

	p.hub.Join(ctx, b, "r1")
	assert.Len(t, participants(t, b), 1)
	p.hub.Register(ctx, b, "r1", "bob")
	assert.Len(t, participants(t, a), 2)
	assert.Len(t, participants(t, b), 2)

	p.hub.Disconnect(b)
	assert.Equal(t, []presence.Participant{{Username: "alice", Color: presence.Color("alice")}}, participants(t, a))
	assert.False(t, p.names.Active("r1", "bob"))
}

func TestDuplicateUsername(t *testing.T) {
	broker := relay.NewMemoryBroker()
	defer broker.Close()
	p := newProcess(t, broker)
	ctx := context.Background()

	first, second, watcher := connect(p, "first"), connect(p, "second"), connect(p, "watcher")
	p.hub.Join(ctx, watcher, "r1")
	participants(t, watcher)

	p.hub.Register(ctx, first, "r1", "alice")
	participants(t, watcher)
	p.hub.Register(ctx, second, "r1", "alice")
	assert.Len(t, participants(t, watcher), 1)

	// The older connection going away leaves the newer registration alone.
	p.hub.Disconnect(first)
	watcher.expectNo(t, EventPresenceUpdate)
	assert.Len(t, p.hub.Participants("r1"), 1)
	assert.True(t, p.names.Active("r1", "alice"))

	p.hub.Disconnect(second)
	assert.Empty(t, participants(t, watcher))
	assert.False(t, p.names.Active("r1", "alice"))
}

func TestCursorEchoSuppressionAcrossProcesses(t *testing.T) {
	broker := relay.NewMemoryBroker()
	defer broker.Close()
	one, two := newProcess(t, broker), newProcess(t, broker)
	ctx := context.Background()

	sender, local := connect(one, "sender"), connect(one, "local")
	remote, elsewhere := connect(two, "remote"), connect(two, "elsewhere")
	one.hub.Join(ctx, sender, "r1")
	one.hub.Join(ctx, local, "r1")
	two.hub.Join(ctx, remote, "r1")
	two.hub.Join(ctx, elsewhere, "r2")
	one.hub.Register(ctx, sender, "r1", "alice")

	one.hub.MoveCursor(ctx, sender, CursorMove{RoomID: "r1", WindowID: "w1", X: 3, Y: 4, UserID: "ignored"})

	want := relay.CursorEvent{UserID: "alice", WindowID: "w1", X: 3, Y: 4, SenderID: "sender", RoomID: "r1"}
	assert.Equal(t, want, local.next(t, EventCursorUpdate))
	assert.Equal(t, want, remote.next(t, EventCursorUpdate))
	sender.expectNo(t, EventCursorUpdate)
	elsewhere.expectNo(t, EventCursorUpdate)
}

func TestCursorUserIDFallbacks(t *testing.T) {
	broker := relay.NewMemoryBroker()
	defer broker.Close()
	p := newProcess(t, broker)
	ctx := context.Background()

	a, b := connect(p, "a"), connect(p, "b")
	p.hub.Join(ctx, a, "r1")
	p.hub.Join(ctx, b, "r1")

	p.hub.MoveCursor(ctx, a, CursorMove{RoomID: "r1", UserID: "guest"})
	assert.Equal(t, "guest", b.next(t, EventCursorUpdate).(relay.CursorEvent).UserID)

	// No room in the event falls back to the member's room.
	p.hub.MoveCursor(ctx, a, CursorMove{})
	ev := b.next(t, EventCursorUpdate).(relay.CursorEvent)
	assert.Equal(t, "a", ev.UserID)
	assert.Equal(t, "r1", ev.RoomID)
}

func TestCursorDegradesToLocal(t *testing.T) {
	broker := relay.NewMemoryBroker()
	p := newProcess(t, broker)
	require.NoError(t, broker.Close())
	ctx := context.Background()

	a, b := connect(p, "a"), connect(p, "b")
	p.hub.Join(ctx, a, "r1")
	p.hub.Join(ctx, b, "r1")

	p.hub.MoveCursor(ctx, a, CursorMove{RoomID: "r1", X: 1})
	ev := b.next(t, EventCursorUpdate).(relay.CursorEvent)
	assert.Equal(t, "a", ev.SenderID)
	a.expectNo(t, EventCursorUpdate)
}

func TestJoinOtherRoomLeavesPrevious(t *testing.T) {
	broker := relay.NewMemoryBroker()
	defer broker.Close()
	p := newProcess(t, broker)
	ctx := context.Background()

	a, b := connect(p, "a"), connect(p, "b")
	p.hub.Join(ctx, b, "r1")
	participants(t, b)
	p.hub.Register(ctx, a, "r1", "alice")
	participants(t, b)

	p.hub.Join(ctx, a, "r2")
	assert.Empty(t, participants(t, b))
	assert.False(t, p.names.Active("r1", "alice"))

	// a no longer gets r1 cursors.
	p.hub.MoveCursor(ctx, b, CursorMove{RoomID: "r1"})
	a.expectNo(t, EventCursorUpdate)
}
