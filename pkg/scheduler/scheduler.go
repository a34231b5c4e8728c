// Package scheduler runs the periodic sweep that closes open elections whose
// end has passed. Closes go through the election service so the audit trail
// and anonymization semantics are the same as for a manual close.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/AlmaLinux/astra-elections/pkg/data"
	"github.com/AlmaLinux/astra-elections/pkg/election"
)

// ElectionSource lists elections by state.
type ElectionSource interface {
	ListElectionsByState(ctx context.Context, state data.ElectionState) ([]*data.Election, error)
}

// Closer closes a single election.
type Closer interface {
	CloseElection(ctx context.Context, electionID int64) error
}

// Stats is a snapshot of sweep activity.
type Stats struct {
	SweepsRun       int64
	ElectionsClosed int64
	CloseFailures   int64
	LastSweep       time.Time
}

// Sweeper drives the cron schedule. A close failure is logged and retried on
// the next sweep; the sweep never gives up on an election.
type Sweeper struct {
	cron     *cron.Cron
	source   ElectionSource
	closer   Closer
	schedule string
	logger   *zap.Logger
	metrics  *election.Metrics
	now      func() time.Time

	cancel context.CancelFunc

	mu    sync.Mutex
	stats Stats
}

// NewSweeper validates the cron schedule and builds the sweeper. metrics may
// be nil.
func NewSweeper(source ElectionSource, closer Closer, schedule string, metrics *election.Metrics, logger *zap.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cron:     cron.New(),
		source:   source,
		closer:   closer,
		schedule: schedule,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Start begins sweeping on the configured schedule.
func (s *Sweeper) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(ctx)
	}); err != nil {
		cancel()
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("close sweep started", zap.String("schedule", s.schedule))
	return nil
}

// Stop stops the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("close sweep stopped")
}

// Sweep closes every open election whose end datetime has passed. It is safe
// to call directly, outside the schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	open, err := s.source.ListElectionsByState(ctx, data.StateOpen)
	if err != nil {
		s.logger.Error("listing open elections", zap.Error(err))
		return
	}

	var closed, failed int64
	for _, e := range open {
		if e.EndAt.After(now) {
			continue
		}
		if err := s.closer.CloseElection(ctx, e.ID); err != nil {
			failed++
			s.logger.Error("closing ended election",
				zap.Int64("election_id", e.ID),
				zap.Time("end_at", e.EndAt),
				zap.Error(err))
			continue
		}
		closed++
		s.logger.Info("closed ended election",
			zap.Int64("election_id", e.ID),
			zap.Time("end_at", e.EndAt))
	}

	s.mu.Lock()
	s.stats.SweepsRun++
	s.stats.ElectionsClosed += closed
	s.stats.CloseFailures += failed
	s.stats.LastSweep = now
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulerSweepRuns.Inc()
	}
}

// GetStats returns a snapshot of sweep activity.
func (s *Sweeper) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
