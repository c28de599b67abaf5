// Package persistence loads document snapshots on first use and saves them
// when a document unloads.
package persistence

import (
	"context"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	devsyncerrors "github.com/HirenKhatri7/DevSync/internal/errors"
)

// Store is the slice of the document store the gateway needs.
type Store interface {
	LoadDocument(ctx context.Context, name string) ([]byte, error)
	SaveDocument(ctx context.Context, name string, state []byte) error
}

// Gateway bridges sessions and the durable store.
type Gateway struct {
	store   Store
	timeout time.Duration
	logger  *zap.SugaredLogger
	stats   tally.Scope
}

// New returns a Gateway. A zero timeout means storage calls are bounded only
// by the caller's context.
func New(store Store, timeout time.Duration, logger *zap.SugaredLogger, stats tally.Scope) *Gateway {
	return &Gateway{
		store:   store,
		timeout: timeout,
		logger:  logger.Named("persistence"),
		stats:   stats.SubScope("persistence"),
	}
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Load returns the stored snapshot for name, or nil when there is none.
// Storage errors are logged and reported as absent so a broken store never
// blocks a session from starting.
func (g *Gateway) Load(ctx context.Context, name string) []byte {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	state, err := g.store.LoadDocument(ctx, name)
	g.stats.Timer("load_latency").Record(time.Since(start))
	if err != nil {
		err = &devsyncerrors.StorageUnavailableError{Op: "load", Document: name, Err: err}
		g.stats.Counter("load_failures").Inc(1)
		g.logger.Errorw("starting with an empty document", "document", name, "error", err)
		return nil
	}
	if len(state) == 0 {
		g.logger.Debugw("no persisted state, starting fresh", "document", name)
		return nil
	}
	g.logger.Infow("loaded persisted state", "document", name, "bytes", len(state))
	return state
}

// Save upserts the snapshot for name. Failures are logged and returned; the
// caller is expected to carry on unloading.
func (g *Gateway) Save(ctx context.Context, name string, snapshot []byte) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := g.store.SaveDocument(ctx, name, snapshot)
	g.stats.Timer("save_latency").Record(time.Since(start))
	if err != nil {
		err = &devsyncerrors.StorageUnavailableError{Op: "save", Document: name, Err: err}
		g.stats.Counter("save_failures").Inc(1)
		g.logger.Errorw("failed to persist state", "document", name, "error", err)
		return err
	}
	g.stats.Counter("saves").Inc(1)
	g.logger.Infow("persisted state", "document", name, "bytes", len(snapshot))
	return nil
}
