package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskdeck/internal/store"
)

// SchedulerConfig holds the dependencies for the tick loop.
type SchedulerConfig struct {
	Store    *store.Store
	Engine   *Engine
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30s if zero
}

// Scheduler periodically queries the store for due schedules and fires
// each one through the engine.
type Scheduler struct {
	store    *store.Store
	engine   *Engine
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		engine:   cfg.Engine,
		logger:   logger.With("component", "scheduler"),
		interval: interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		if _, err := s.engine.Fire(ctx, sched.ID, now); err != nil {
			s.logger.Error("fire schedule", "schedule_id", sched.ID, "error", err)
		}
	}
}
