// Package checkpoint periodically saves live documents so a crash loses at
// most one interval of edits.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checkpointer saves changed live documents and reports how many it saved.
type Checkpointer interface {
	Checkpoint(ctx context.Context) int
}

// Service calls a Checkpointer on a fixed interval.
type Service struct {
	target   Checkpointer
	interval time.Duration
	logger   *zap.SugaredLogger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a stopped service. A zero interval disables it.
func New(target Checkpointer, interval time.Duration, logger *zap.SugaredLogger) *Service {
	return &Service{
		target:   target,
		interval: interval,
		logger:   logger.Named("checkpoint"),
		stop:     make(chan struct{}),
	}
}

// Start launches the ticker.
func (s *Service) Start() {
	if s.interval <= 0 {
		s.logger.Infow("checkpointing disabled")
		return
	}
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("checkpoint service started", "interval", s.interval)
}

// Stop waits for a running checkpoint to finish. It must be called at most once.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Infow("checkpoint service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce checkpoints immediately.
func (s *Service) RunOnce(ctx context.Context) int {
	start := time.Now()
	saved := s.target.Checkpoint(ctx)
	if saved > 0 {
		s.logger.Infow("checkpointed documents", "count", saved, "elapsed", time.Since(start))
	}
	return saved
}
