package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/rentescrow/internal/booking"
	"github.com/mbd888/rentescrow/internal/pagination"
)

// DefaultSchedule runs a sweep every five minutes.
const DefaultSchedule = "*/5 * * * *"

// DefaultSweepBatch caps the bookings synced per sweep. Larger open sets
// are covered over several sweeps.
const DefaultSweepBatch = 500

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked int `json:"checked"`
	Applied int `json:"applied"`
	Errors  int `json:"errors"`
}

// Sweeper periodically syncs non-terminal bookings with the chain.
type Sweeper struct {
	engine   *Engine
	cron     *cron.Cron
	schedule string
	batch    int
	logger   *slog.Logger
	running  atomic.Bool
	sweeping atomic.Bool

	mu   sync.Mutex
	next *pagination.Cursor // where the next sweep resumes; nil starts over
}

// NewSweeper creates a sweeper on a standard five-field cron schedule.
func NewSweeper(engine *Engine, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("reconciliation: invalid schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   engine,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		schedule: schedule,
		batch:    DefaultSweepBatch,
		logger:   logger,
	}, nil
}

// Running reports whether the schedule is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start registers the sweep and blocks until ctx is done. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.safeRun(ctx) }); err != nil {
		s.logger.Error("failed to register reconciliation sweep", "error", err)
		return
	}
	s.running.Store(true)
	defer s.running.Store(false)

	s.cron.Start()
	s.logger.Info("reconciliation sweeper started", "schedule", s.schedule)
	<-ctx.Done()
	s.Stop()
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	// Skip a tick while the previous sweep is still going.
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer s.sweeping.Store(false)

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Warn("reconciliation sweep failed", "error", err)
	}
}

// nextPage returns the next batch of open bookings, oldest first, and
// advances the cursor. After the last page the cursor wraps to the start.
func (s *Sweeper) nextPage(ctx context.Context) ([]*booking.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	open, err := s.engine.bookings.ListOpen(ctx, s.next, s.batch)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 && s.next != nil {
		s.next = nil
		if open, err = s.engine.bookings.ListOpen(ctx, nil, s.batch); err != nil {
			return nil, err
		}
	}
	if len(open) < s.batch {
		s.next = nil
	} else {
		last := open[len(open)-1]
		s.next = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return open, nil
}

// RunOnce syncs the next batch of open bookings.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var result SweepResult
	open, err := s.nextPage(ctx)
	if err != nil {
		return result, err
	}
	sweepOpenBookings.Set(float64(len(open)))

	for _, b := range open {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++
		res, err := s.engine.Sync(ctx, b.ID)
		if err != nil {
			result.Errors++
			sweepErrors.Inc()
			s.logger.Warn("booking sync failed", "booking", b.ID, "error", err)
			continue
		}
		result.Applied += len(res.Applied)
	}

	if result.Applied > 0 || result.Errors > 0 {
		s.logger.Info("reconciliation sweep complete",
			"checked", result.Checked, "applied", result.Applied, "errors", result.Errors)
	}
	return result, nil
}
