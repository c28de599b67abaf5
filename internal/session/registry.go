package session

import (
	"context"
	"sort"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/HirenKhatri7/DevSync/internal/crdt"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

// Persister loads and saves document snapshots.
type Persister interface {
	// Load returns the stored snapshot or nil for a fresh document.
	Load(ctx context.Context, name string) []byte
	Save(ctx context.Context, name string, snapshot []byte) error
}

// Registry maps document names to live sessions. Sessions are created on the
// first attach and unloaded when their last connection detaches.
type Registry struct {
	persister Persister
	logger    *zap.SugaredLogger
	stats     tally.Scope

	locks *nameLocks

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Sessions    int `json:"active_sessions"`
	Connections int `json:"active_connections"`
}

// NewRegistry returns an empty registry.
func NewRegistry(persister Persister, logger *zap.SugaredLogger, stats tally.Scope) *Registry {
	return &Registry{
		persister: persister,
		logger:    logger.Named("session"),
		stats:     stats.SubScope("sessions"),
		locks:     newNameLocks(),
		sessions:  make(map[string]*Session),
	}
}

// Attach resolves the session for name, loading it if needed, and attaches
// conn to it. conn receives SyncStep1 and the current awareness before any
// other frame of the session.
func (r *Registry) Attach(ctx context.Context, name string, conn Conn) (*Session, error) {
	unlock := r.locks.lock(name)
	defer unlock()

	r.mu.RLock()
	closed := r.closed
	s, ok := r.sessions[name]
	r.mu.RUnlock()
	if closed {
		return nil, devsyncerrors.ErrRegistryClosed
	}

	if !ok {
		doc := r.load(ctx, name)
		// Close may have started while the snapshot was loading.
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, devsyncerrors.ErrRegistryClosed
		}
		s = newSession(name, doc, r.logger, r.stats)
		r.sessions[name] = s
		r.updateGauge()
		r.mu.Unlock()
		r.logger.Infow("document loaded", "document", name)
	}

	if err := s.do(func() { s.attach(conn) }); err != nil {
		return nil, err
	}
	r.logger.Debugw("connection attached", "document", name, "conn", conn.ID())
	return s, nil
}

func (r *Registry) load(ctx context.Context, name string) *crdt.Doc {
	r.stats.Counter("loads").Inc(1)
	snapshot := r.persister.Load(ctx, name)
	if snapshot == nil {
		return crdt.New()
	}
	doc, err := crdt.Load(snapshot)
	if err != nil {
		r.logger.Errorw("discarding unreadable snapshot", "document", name, "error", err)
		return crdt.New()
	}
	return doc
}

// Detach removes conn from s. When it was the last connection the document is
// saved and unloaded before any new attach for the same name can proceed.
// Detaching a connection twice is a no-op.
func (r *Registry) Detach(ctx context.Context, s *Session, conn Conn) {
	unlock := r.locks.lock(s.name)
	defer unlock()

	remaining := 0
	if err := s.do(func() { remaining = s.detach(conn) }); err != nil {
		// Already unloaded.
		return
	}
	r.logger.Debugw("connection detached", "document", s.name, "conn", conn.ID(), "remaining", remaining)
	if remaining > 0 {
		return
	}
	r.unload(ctx, s)
}

// unload must be called with the name lock held.
func (r *Registry) unload(ctx context.Context, s *Session) error {
	var snapshot []byte
	if err := s.do(func() { snapshot = s.snapshot() }); err != nil {
		return err
	}
	// A failed save still frees the session; keeping it around would leak
	// memory for as long as the store stays down.
	err := r.save(ctx, s.name, snapshot)
	s.stop()

	r.mu.Lock()
	if r.sessions[s.name] == s {
		delete(r.sessions, s.name)
	}
	r.updateGauge()
	r.mu.Unlock()
	r.logger.Infow("document unloaded", "document", s.name)
	return err
}

func (r *Registry) save(ctx context.Context, name string, snapshot []byte) error {
	if err := r.persister.Save(ctx, name, snapshot); err != nil {
		r.stats.Counter("save_failures").Inc(1)
		return err
	}
	r.stats.Counter("saves").Inc(1)
	return nil
}

// Checkpoint saves every live session changed since its last save and
// returns how many were saved.
func (r *Registry) Checkpoint(ctx context.Context) int {
	saved := 0
	for _, name := range r.Names() {
		if r.checkpoint(ctx, name) {
			saved++
		}
	}
	return saved
}

func (r *Registry) checkpoint(ctx context.Context, name string) bool {
	unlock := r.locks.lock(name)
	defer unlock()

	r.mu.RLock()
	s, ok := r.sessions[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	var snapshot []byte
	if err := s.do(func() {
		if s.dirty {
			snapshot = s.snapshot()
		}
	}); err != nil || snapshot == nil {
		return false
	}
	if err := r.save(ctx, name, snapshot); err != nil {
		// Retry on the next checkpoint.
		_ = s.do(func() { s.dirty = true })
		return false
	}
	return true
}

// Close saves and unloads every session; later attaches fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var err error
	for names := r.Names(); len(names) > 0; names = r.Names() {
		for _, name := range names {
			err = multierr.Append(err, r.closeSession(ctx, name))
		}
	}
	return err
}

func (r *Registry) closeSession(ctx context.Context, name string) error {
	unlock := r.locks.lock(name)
	defer unlock()

	r.mu.RLock()
	s, ok := r.sessions[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.unload(ctx, s)
}

// Lookup returns the live session for name, if any.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Names returns the names of the live sessions in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Stats counts live sessions and their connections.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	st := Stats{Sessions: len(sessions)}
	for _, s := range sessions {
		st.Connections += s.ConnectionCount()
	}
	return st
}

// updateGauge must be called with mu held.
func (r *Registry) updateGauge() {
	r.stats.Gauge("active").Update(float64(len(r.sessions)))
}
