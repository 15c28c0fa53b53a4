package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tsagent/internal/infrastructure"
)

// SchedulerEvent is pushed to the notification hook after every scheduled
// refresh cycle.
type SchedulerEvent struct {
	Outcome   RefreshOutcome `json:"outcome"`
	State     State          `json:"state"`
	CheckedAt time.Time      `json:"checked_at"`
}

// RefreshScheduler runs periodic artifact refreshes in the background and
// revalidates after each one. Stop blocks until the loop has exited.
type RefreshScheduler struct {
	manager     *Manager
	distributor *Distributor
	interval    time.Duration
	notify      func(event SchedulerEvent)

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRefreshScheduler creates a scheduler. The notify hook may be nil; it
// is invoked from the scheduler goroutine after each cycle.
func NewRefreshScheduler(manager *Manager, distributor *Distributor, interval time.Duration, notify func(event SchedulerEvent)) *RefreshScheduler {
	return &RefreshScheduler{
		manager:     manager,
		distributor: distributor,
		interval:    interval,
		notify:      notify,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start launches the refresh loop. The context bounds each individual
// cycle, not the loop itself; use Stop to end the loop.
func (s *RefreshScheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop ends the loop and waits for the goroutine to exit.
func (s *RefreshScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.doneChan
}

func (s *RefreshScheduler) run(ctx context.Context) {
	defer close(s.doneChan)

	logger := infrastructure.LoggerWithContext(ctx)
	logger.Info("Refresh scheduler started",
		slog.String("component", "refresh_scheduler"),
		slog.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.stopChan:
			logger.Info("Refresh scheduler stopped",
				slog.String("component", "refresh_scheduler"),
			)
			return
		case <-ctx.Done():
			logger.Info("Refresh scheduler context cancelled",
				slog.String("component", "refresh_scheduler"),
			)
			return
		}
	}
}

// RunCycle performs one refresh-and-revalidate pass immediately. Exposed
// so the control API can trigger the same path the timer uses.
func (s *RefreshScheduler) RunCycle(ctx context.Context) {
	s.runCycle(ctx)
}

func (s *RefreshScheduler) runCycle(ctx context.Context) {
	logger := infrastructure.LoggerWithContext(ctx)

	cycleCtx := infrastructure.EnsureTraceID(ctx)

	refresh, err := s.distributor.Refresh(cycleCtx)
	if err != nil {
		logger.Error("Scheduled refresh failed",
			slog.String("component", "refresh_scheduler"),
			slog.String("error", err.Error()),
		)
		return
	}

	// Revalidation picks up whatever the refresh installed (or proves the
	// existing artifacts still hold).
	result, err := s.manager.Validate(cycleCtx)
	if err != nil {
		logger.Error("Post-refresh validation failed",
			slog.String("component", "refresh_scheduler"),
			slog.String("error", err.Error()),
		)
		return
	}

	logger.Info("Scheduled refresh cycle complete",
		slog.String("component", "refresh_scheduler"),
		slog.String("outcome", refresh.Outcome.String()),
		slog.String("state", result.State.String()),
	)

	if s.notify != nil {
		s.notify(SchedulerEvent{
			Outcome:   refresh.Outcome,
			State:     result.State,
			CheckedAt: refresh.CheckedAt,
		})
	}
}
