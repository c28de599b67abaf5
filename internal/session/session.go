// Package session owns the live state of every open document: one actor per
// document applies deltas, merges awareness and fans frames out to the
// connections attached to it.
package session

import (
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/HirenKhatri7/DevSync/internal/awareness"
	"github.com/HirenKhatri7/DevSync/internal/crdt"
	"github.com/HirenKhatri7/DevSync/internal/protocol"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

const inboxSize = 256

// Conn is a transport handle attached to a session.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string
	// Send queues an encoded frame without blocking. It returns false if the
	// frame was not queued; the transport is then responsible for closing itself.
	Send(frame []byte) bool
}

// Session is one live document. Its fields are only touched by the run loop.
type Session struct {
	name   string
	logger *zap.SugaredLogger
	stats  tally.Scope

	doc       *crdt.Doc
	awareness *awareness.State
	// Each connection owns the awareness client ids it introduced.
	conns map[Conn]map[uint64]struct{}
	dirty bool

	inbox chan func()
	done  chan struct{}
}

func newSession(name string, doc *crdt.Doc, logger *zap.SugaredLogger, stats tally.Scope) *Session {
	s := &Session{
		name:      name,
		logger:    logger.With("document", name),
		stats:     stats,
		doc:       doc,
		awareness: awareness.NewState(),
		conns:     make(map[Conn]map[uint64]struct{}),
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Name returns the document name.
func (s *Session) Name() string {
	return s.name
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.done:
			return
		}
	}
}

// enqueue hands fn to the run loop, blocking while the inbox is full.
func (s *Session) enqueue(fn func()) error {
	select {
	case <-s.done:
		return devsyncerrors.ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- fn:
		return nil
	case <-s.done:
		return devsyncerrors.ErrSessionClosed
	}
}

// do runs fn on the run loop and waits for it to finish.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	if err := s.enqueue(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		// stop raced with the queued call.
		select {
		case <-finished:
			return nil
		default:
			return devsyncerrors.ErrSessionClosed
		}
	}
}

// stop ends the run loop. Queued work that has not started is discarded.
func (s *Session) stop() {
	close(s.done)
}

// Handle queues a decoded frame from conn. Frames from one connection are
// processed in the order they were handed in.
func (s *Session) Handle(conn Conn, msg protocol.Message) error {
	return s.enqueue(func() { s.handle(conn, msg) })
}

func (s *Session) handle(conn Conn, msg protocol.Message) {
	if _, ok := s.conns[conn]; !ok {
		// Detached while the frame was queued.
		return
	}

	switch msg.Kind {
	case protocol.KindSyncStep1:
		s.handleSyncStep1(conn, msg.Payload)
	case protocol.KindSyncStep2, protocol.KindUpdate:
		s.handleDelta(conn, msg)
	case protocol.KindAwareness:
		s.handleAwareness(conn, msg.Payload)
	case protocol.KindQueryAwareness:
		if s.awareness.Len() > 0 {
			s.send(conn, protocol.Awareness(awareness.EncodeUpdate(s.awareness.Live())))
		}
	default:
		s.logger.Debugw("ignoring message", "conn", conn.ID(), "kind", msg.Kind)
	}
}

func (s *Session) handleSyncStep1(conn Conn, payload []byte) {
	vector, err := crdt.DecodeVersionVector(payload)
	if err != nil {
		s.logger.Warnw("dropping sync step1", "conn", conn.ID(), "error", err)
		return
	}
	delta, err := s.doc.Delta(vector)
	if err != nil {
		s.logger.Errorw("failed to compute delta", "conn", conn.ID(), "error", err)
		return
	}
	if len(delta) == 0 {
		return
	}
	s.send(conn, protocol.SyncStep2(delta))
}

func (s *Session) handleDelta(conn Conn, msg protocol.Message) {
	if len(msg.Payload) == 0 {
		return
	}
	if err := s.doc.Apply(msg.Payload); err != nil {
		s.stats.Counter("invalid_deltas").Inc(1)
		s.logger.Warnw("dropping delta", "conn", conn.ID(), "kind", msg.Kind, "error",
			&devsyncerrors.InvalidDeltaError{Document: s.name, Err: err})
		return
	}
	s.dirty = true
	s.broadcast(protocol.Update(msg.Payload), conn)
}

func (s *Session) handleAwareness(conn Conn, payload []byte) {
	entries, err := awareness.DecodeUpdate(payload)
	if err != nil {
		s.logger.Warnw("dropping awareness update", "conn", conn.ID(), "error", err)
		return
	}
	changed := s.awareness.Apply(entries)
	owned := s.conns[conn]
	for _, e := range changed {
		if e.Removed() {
			delete(owned, e.ClientID)
		} else {
			owned[e.ClientID] = struct{}{}
		}
	}
	if len(changed) == 0 {
		return
	}
	s.broadcast(protocol.Awareness(awareness.EncodeUpdate(changed)), nil)
}

func (s *Session) attach(conn Conn) {
	if _, ok := s.conns[conn]; ok {
		return
	}
	s.conns[conn] = make(map[uint64]struct{})
	s.send(conn, protocol.SyncStep1(s.doc.VersionVector().Encode()))
	if s.awareness.Len() > 0 {
		s.send(conn, protocol.Awareness(awareness.EncodeUpdate(s.awareness.Live())))
	}
}

// detach removes conn and returns the number of connections left. Removing
// an unknown connection is a no-op.
func (s *Session) detach(conn Conn) int {
	owned, ok := s.conns[conn]
	if !ok {
		return len(s.conns)
	}
	delete(s.conns, conn)

	ids := make([]uint64, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	if removed := s.awareness.Remove(ids); len(removed) > 0 {
		s.broadcast(protocol.Awareness(awareness.EncodeUpdate(removed)), nil)
	}
	return len(s.conns)
}

// broadcast sends msg to every attached connection except origin.
func (s *Session) broadcast(msg protocol.Message, origin Conn) {
	frame := protocol.Encode(msg)
	for conn := range s.conns {
		if conn == origin {
			continue
		}
		s.sendFrame(conn, frame)
	}
}

func (s *Session) send(conn Conn, msg protocol.Message) {
	s.sendFrame(conn, protocol.Encode(msg))
}

func (s *Session) sendFrame(conn Conn, frame []byte) {
	if !conn.Send(frame) {
		s.logger.Warnw("connection not accepting frames", "conn", conn.ID())
	}
}

// snapshot serializes the document and clears the dirty flag.
func (s *Session) snapshot() []byte {
	s.dirty = false
	return s.doc.Snapshot()
}

// Text returns the current content of a text field of the document.
func (s *Session) Text(field string) (string, error) {
	var (
		text string
		err  error
	)
	if doErr := s.do(func() { text, err = s.doc.Text(field) }); doErr != nil {
		return "", doErr
	}
	return text, err
}

// ConnectionCount returns the number of attached connections.
func (s *Session) ConnectionCount() int {
	n := 0
	if err := s.do(func() { n = len(s.conns) }); err != nil {
		return 0
	}
	return n
}

// Size returns the byte length of the current document snapshot.
func (s *Session) Size() (int, error) {
	n := 0
	if err := s.do(func() { n = len(s.doc.Snapshot()) }); err != nil {
		return 0, err
	}
	return n, nil
}
