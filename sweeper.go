package gavel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sweeper is the durable half of deadline handling. It periodically asks
// the store for active steps whose deadline has passed and feeds them to
// the engine, which covers deadlines whose in-process timers were lost to
// a restart. Running more than one sweeper against the same store is safe:
// the compare-and-set transition lets only one of them win.
type Sweeper struct {
	id        string
	engine    *Engine
	store     Store
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = interval
	}
}

func WithSweepBatchSize(size int) SweeperOption {
	return func(s *Sweeper) {
		s.batchSize = size
	}
}

func NewSweeper(engine *Engine, store Store, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		id:        uuid.New().String(),
		engine:    engine,
		store:     store,
		interval:  30 * time.Second,
		batchSize: 100,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	s.logger.Info("deadline sweeper started", "sweeper_id", s.id, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("deadline sweeper stopped", "sweeper_id", s.id)

			return
		case <-s.stopCh:
			s.logger.Info("deadline sweeper stopped", "sweeper_id", s.id)

			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	overdue, err := s.store.ListOverdueSteps(ctx, time.Now(), s.batchSize)
	if err != nil {
		s.logger.Error("list overdue steps", "sweeper_id", s.id, "error", err)

		return
	}

	for _, item := range overdue {
		// HandleTimeout drops stale activations itself; a step an
		// in-process timer already resolved is a no-op here.
		if err := s.engine.HandleTimeout(ctx, item.InstanceID, item.StepID, item.Activation); err != nil {
			s.logger.Error("sweep step timeout",
				"sweeper_id", s.id,
				"instance_id", item.InstanceID,
				"step_id", item.StepID,
				"error", err)
		}
	}
}
