package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/HirenKhatri7/DevSync/internal/awareness"
	"github.com/HirenKhatri7/DevSync/internal/crdt"
	"github.com/HirenKhatri7/DevSync/internal/protocol"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const field = "content"

type fakeConn struct {
	id     string
	frames chan []byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

func (c *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case frame := <-c.frames:
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatalf("%s: no frame received", c.id)
		return protocol.Message{}
	}
}

func (c *fakeConn) expectEmpty(t *testing.T) {
	t.Helper()
	select {
	case frame := <-c.frames:
		msg, _ := protocol.Decode(frame)
		t.Fatalf("%s: unexpected %s frame", c.id, msg.Kind)
	default:
	}
}

type fakePersister struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	saves     map[string]int
	saveErr   error
}

func newFakePersister() *fakePersister {
	return &fakePersister{snapshots: make(map[string][]byte), saves: make(map[string]int)}
}

func (p *fakePersister) Load(_ context.Context, name string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots[name]
}

func (p *fakePersister) Save(_ context.Context, name string, snapshot []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves[name]++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.snapshots[name] = snapshot
	return nil
}

func (p *fakePersister) saveCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves[name]
}

func newTestRegistry(t *testing.T, p Persister) (*Registry, tally.TestScope) {
	t.Helper()
	scope := tally.NewTestScope("", nil)
	r := NewRegistry(p, zaptest.NewLogger(t).Sugar(), scope)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, scope
}

func textDelta(t *testing.T, s string) []byte {
	t.Helper()
	doc := crdt.New()
	require.NoError(t, doc.InsertText(field, 0, s))
	delta, err := doc.Delta(nil)
	require.NoError(t, err)
	return delta
}

// attach attaches conn and consumes the greeting frames.
func attach(t *testing.T, r *Registry, name string, conn *fakeConn) *Session {
	t.Helper()
	s, err := r.Attach(context.Background(), name, conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindSyncStep1, conn.next(t).Kind)
	return s
}

// flush waits until every frame queued so far has been handled.
func flush(s *Session) {
	s.ConnectionCount()
}

func TestUpdateReachesOthersOnly(t *testing.T) {
	r, _ := newTestRegistry(t, newFakePersister())
	a, b := newFakeConn("a"), newFakeConn("b")
	s := attach(t, r, "notes", a)
	attach(t, r, "notes", b)

	delta := textDelta(t, "hello")
	require.NoError(t, s.Handle(a, protocol.Update(delta)))

	msg := b.next(t)
	assert.Equal(t, protocol.KindUpdate, msg.Kind)
	assert.Equal(t, delta, msg.Payload)
	flush(s)
	a.expectEmpty(t)

	text, err := s.Text(field)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestSyncStep2IsRelayedAsUpdate(t *testing.T) {
	r, _ := newTestRegistry(t, newFakePersister())
	a, b := newFakeConn("a"), newFakeConn("b")
	s := attach(t, r, "notes", a)
	attach(t, r, "notes", b)

	require.NoError(t, s.Handle(a, protocol.SyncStep2(textDelta(t, "offline"))))
	assert.Equal(t, protocol.KindUpdate, b.next(t).Kind)
}

func TestSyncStep1Reply(t *testing.T) {
	r, _ := newTestRegistry(t, newFakePersister())
	a, b := newFakeConn("a"), newFakeConn("b")
	s := attach(t, r, "notes", a)
	require.NoError(t, s.Handle(a, protocol.Update(textDelta(t, "hello"))))
	flush(s)

	attach(t, r, "notes", b)
	fresh := crdt.New()
	require.NoError(t, s.Handle(b, protocol.SyncStep1(fresh.VersionVector().Encode())))
	msg := b.next(t)
	require.Equal(t, protocol.KindSyncStep2, msg.Kind)
	require.NoError(t, fresh.Apply(msg.Payload))
	text, err := fresh.Text(field)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	// Nothing missing, nothing sent.
	require.NoError(t, s.Handle(b, protocol.SyncStep1(fresh.VersionVector().Encode())))
	flush(s)
	b.expectEmpty(t)
}

func TestSyncStep1OnEmptyDocument(t *testing.T) {
	r, _ := newTestRegistry(t, newFakePersister())
	a := newFakeConn("a")
	s := attach(t, r, "blank", a)

	require.NoError(t, s.Handle(a, protocol.SyncStep1(crdt.New().VersionVector().Encode())))
	require.NoError(t, s.Handle(a, protocol.SyncStep1(nil)))
	flush(s)
	a.expectEmpty(t)
}

func TestInvalidDeltaKeepsConnection(t *testing.T) {
	r, scope := newTestRegistry(t, newFakePersister())
	a, b := newFakeConn("a"), newFakeConn("b")
	s := attach(t, r, "notes", a)
	attach(t, r, "notes", b)

	require.NoError(t, s.Handle(a, protocol.Update([]byte{0xde, 0xad, 0xbe, 0xef})))
	flush(s)
	b.expectEmpty(t)
	assert.Equal(t, 2, s.ConnectionCount())
	assert.Equal(t, int64(1), scope.Snapshot().Counters()["sessions.invalid_deltas+"].Value())

	require.NoError(t, s.Handle(a, protocol.Update(textDelta(t, "ok"))))
	assert.Equal(t, protocol.KindUpdate, b.next(t).Kind)
}

func awarenessFrame(clientID, clock uint64, state string) protocol.Message {
	e := awareness.Entry{ClientID: clientID, Clock: clock}
	if state != "" {
		e.State = json.RawMessage(state)
	}
	return protocol.Awareness(awareness.EncodeUpdate([]awareness.Entry{e}))
}

func decodeAwareness(t *testing.T, msg protocol.Message) []awareness.Entry {
	t.Helper()
	require.Equal(t, protocol.KindAwareness, msg.Kind)
	entries, err := awareness.DecodeUpdate(msg.Payload)
	require.NoError(t, err)
	return entries
}

func TestAwarenessLifecycle(t *testing.T) {
	r, _ := newTestRegistry(t, newFakePersister())
	a, b := newFakeConn("a"), newFakeConn("b")
	s := attach(t, r, "notes", a)
	attach(t, r, "notes", b)

	require.NoError(t, s.Handle(a, awarenessFrame(5, 2, `{"user":"alice"}`)))
	// Awareness goes back to the sender too.
	for _, c := range []*fakeConn{a, b} {
		entries := decodeAwareness(t, c.next(t))
		require.Len(t, entries, 1)
		assert.Equal(t, uint64(2), entries[0].Clock)
	}

	// Stale clock: no change, no broadcast.
	require.NoError(t, s.Handle(a, awarenessFrame(5, 1, `{"user":"bob"}`)))
	flush(s)
	a.expectEmpty(t)
	b.expectEmpty(t)

	// A late joiner gets the live states right after SyncStep1.
	c := newFakeConn("c")
	attach(t, r, "notes", c)
	entries := decodeAwareness(t, c.next(t))
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"user":"alice"}`, string(entries[0].State))

	// Leaving removes the client ids the connection introduced.
	r.Detach(context.Background(), s, a)
	for _, conn := range []*fakeConn{b, c} {
		entries := decodeAwareness(t, conn.next(t))
		require.Len(t, entries, 1)
		assert.Equal(t, uint64(5), entries[0].ClientID)
		assert.Equal(t, uint64(3), entries[0].Clock)
		assert.True(t, entries[0].Removed())
	}
}

func TestAwarenessOverwriteReachesEveryone(t *testing.T) {
	r, _ := newTestRegistry(t, newFakePersister())
	a, b := newFakeConn("a"), newFakeConn("b")
	s := attach(t, r, "notes", a)
	attach(t, r, "notes", b)

	require.NoError(t, s.Handle(a, awarenessFrame(5, 2, `{"user":"A"}`)))
	for _, c := range []*fakeConn{a, b} {
		decodeAwareness(t, c.next(t))
	}

	require.NoError(t, s.Handle(a, awarenessFrame(5, 3, `{"user":"C"}`)))
	for _, c := range []*fakeConn{a, b} {
		entries := decodeAwareness(t, c.next(t))
		require.Len(t, entries, 1)
		assert.Equal(t, uint64(5), entries[0].ClientID)
		assert.Equal(t, uint64(3), entries[0].Clock)
		assert.JSONEq(t, `{"user":"C"}`, string(entries[0].State))
	}

	require.NoError(t, s.Handle(b, protocol.Message{Kind: protocol.KindQueryAwareness}))
	entries := decodeAwareness(t, b.next(t))
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"user":"C"}`, string(entries[0].State))
}

func TestQueryAwareness(t *testing.T) {
	r, _ := newTestRegistry(t, newFakePersister())
	a := newFakeConn("a")
	s := attach(t, r, "notes", a)

	require.NoError(t, s.Handle(a, protocol.Message{Kind: protocol.KindQueryAwareness}))
	flush(s)
	a.expectEmpty(t)

	require.NoError(t, s.Handle(a, awarenessFrame(7, 1, `{}`)))
	a.next(t)
	require.NoError(t, s.Handle(a, protocol.Message{Kind: protocol.KindQueryAwareness}))
	assert.Len(t, decodeAwareness(t, a.next(t)), 1)
}

func TestLastDetachSavesOnce(t *testing.T) {
	p := newFakePersister()
	r, _ := newTestRegistry(t, p)
	a, b := newFakeConn("a"), newFakeConn("b")
	s := attach(t, r, "notes", a)
	attach(t, r, "notes", b)
	require.NoError(t, s.Handle(a, protocol.Update(textDelta(t, "hello"))))
	b.next(t)

	r.Detach(context.Background(), s, a)
	assert.Equal(t, 0, p.saveCount("notes"))
	_, ok := r.Lookup("notes")
	assert.True(t, ok)

	r.Detach(context.Background(), s, b)
	assert.Equal(t, 1, p.saveCount("notes"))
	_, ok = r.Lookup("notes")
	assert.False(t, ok)

	// Detaching twice does nothing.
	r.Detach(context.Background(), s, b)
	assert.Equal(t, 1, p.saveCount("notes"))
	assert.ErrorIs(t, s.Handle(b, protocol.Update(nil)), devsyncerrors.ErrSessionClosed)

	// Reopening loads what was saved.
	c := newFakeConn("c")
	reopened := attach(t, r, "notes", c)
	assert.NotSame(t, s, reopened)
	text, err := reopened.Text(field)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestAttachDetachWithoutEditsKeepsContent(t *testing.T) {
	p := newFakePersister()
	seed := crdt.New()
	require.NoError(t, seed.InsertText(field, 0, "stored"))
	p.snapshots["notes"] = seed.Snapshot()
	r, _ := newTestRegistry(t, p)

	a := newFakeConn("a")
	s := attach(t, r, "notes", a)
	r.Detach(context.Background(), s, a)

	restored, err := crdt.Load(p.snapshots["notes"])
	require.NoError(t, err)
	text, err := restored.Text(field)
	require.NoError(t, err)
	assert.Equal(t, "stored", text)
}

func TestUnreadableSnapshotStartsFresh(t *testing.T) {
	p := newFakePersister()
	p.snapshots["notes"] = []byte("garbage")
	r, _ := newTestRegistry(t, p)

	s := attach(t, r, "notes", newFakeConn("a"))
	text, err := s.Text(field)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestFailedSaveStillUnloads(t *testing.T) {
	p := newFakePersister()
	p.saveErr = fmt.Errorf("disk full")
	r, _ := newTestRegistry(t, p)

	a := newFakeConn("a")
	s := attach(t, r, "notes", a)
	r.Detach(context.Background(), s, a)
	_, ok := r.Lookup("notes")
	assert.False(t, ok)
}

func TestCheckpointSavesDirtySessions(t *testing.T) {
	p := newFakePersister()
	r, _ := newTestRegistry(t, p)
	a := newFakeConn("a")
	s := attach(t, r, "notes", a)
	attach(t, r, "idle", newFakeConn("b"))

	assert.Equal(t, 0, r.Checkpoint(context.Background()))

	require.NoError(t, s.Handle(a, protocol.Update(textDelta(t, "hello"))))
	flush(s)
	assert.Equal(t, 1, r.Checkpoint(context.Background()))
	assert.Equal(t, 1, p.saveCount("notes"))
	assert.Equal(t, 0, p.saveCount("idle"))

	assert.Equal(t, 0, r.Checkpoint(context.Background()))
}

func TestCheckpointRetriesFailedSave(t *testing.T) {
	p := newFakePersister()
	r, _ := newTestRegistry(t, p)
	a := newFakeConn("a")
	s := attach(t, r, "notes", a)
	require.NoError(t, s.Handle(a, protocol.Update(textDelta(t, "hello"))))
	flush(s)

	p.mu.Lock()
	p.saveErr = fmt.Errorf("unavailable")
	p.mu.Unlock()
	assert.Equal(t, 0, r.Checkpoint(context.Background()))
	p.mu.Lock()
	p.saveErr = nil
	p.mu.Unlock()
	assert.Equal(t, 1, r.Checkpoint(context.Background()))
}

func TestStatsAndClose(t *testing.T) {
	p := newFakePersister()
	r, scope := newTestRegistry(t, p)
	attach(t, r, "one", newFakeConn("a"))
	attach(t, r, "one", newFakeConn("b"))
	attach(t, r, "two", newFakeConn("c"))

	assert.Equal(t, Stats{Sessions: 2, Connections: 3}, r.Stats())
	assert.Equal(t, []string{"one", "two"}, r.Names())
	assert.Equal(t, float64(2), scope.Snapshot().Gauges()["sessions.active+"].Value())

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 1, p.saveCount("one"))
	assert.Equal(t, 1, p.saveCount("two"))
	assert.Equal(t, int64(2), scope.Snapshot().Counters()["sessions.saves+"].Value())
	assert.Equal(t, Stats{}, r.Stats())

	_, err := r.Attach(context.Background(), "one", newFakeConn("d"))
	assert.ErrorIs(t, err, devsyncerrors.ErrRegistryClosed)
}

// blockingPersister holds Load until release is closed.
type blockingPersister struct {
	*fakePersister
	loading chan struct{}
	release chan struct{}
}

func (p *blockingPersister) Load(ctx context.Context, name string) []byte {
	close(p.loading)
	<-p.release
	return p.fakePersister.Load(ctx, name)
}

func TestCloseDuringLoadRejectsAttach(t *testing.T) {
	p := &blockingPersister{fakePersister: newFakePersister(), loading: make(chan struct{}), release: make(chan struct{})}
	r, _ := newTestRegistry(t, p)

	attached := make(chan error, 1)
	go func() {
		_, err := r.Attach(context.Background(), "late-doc", newFakeConn("a"))
		attached <- err
	}()
	<-p.loading

	require.NoError(t, r.Close(context.Background()))
	close(p.release)

	assert.ErrorIs(t, <-attached, devsyncerrors.ErrRegistryClosed)
	_, ok := r.Lookup("late-doc")
	assert.False(t, ok)
	assert.Equal(t, Stats{}, r.Stats())
	assert.Equal(t, 0, p.saveCount("late-doc"))
}

func TestConcurrentAttachDetach(t *testing.T) {
	p := newFakePersister()
	r, _ := newTestRegistry(t, p)
	delta := textDelta(t, "x")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i))
			s, err := r.Attach(context.Background(), "shared", conn)
			if !assert.NoError(t, err) {
				return
			}
			_ = s.Handle(conn, protocol.Update(delta))
			r.Detach(context.Background(), s, conn)
		}(i)
	}
	wg.Wait()

	_, ok := r.Lookup("shared")
	assert.False(t, ok)
	assert.Equal(t, Stats{}, r.Stats())
}
