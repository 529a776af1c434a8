// Package jobs runs the engine's periodic background work: the daily
// retention archive and the daily savings sweep.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spotwise/cost-engine/internal/config"
	"github.com/spotwise/cost-engine/internal/reconcile"
	"github.com/spotwise/cost-engine/internal/retention"
)

// Scheduler owns the ticker goroutines. Start launches them, Stop
// waits for them to drain.
type Scheduler struct {
	sweeper  *reconcile.Sweeper
	archiver *retention.Archiver
	cfg      config.JobsConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(sweeper *reconcile.Sweeper, archiver *retention.Archiver, cfg config.JobsConfig) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		archiver: archiver,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.retentionLoop()
	go s.sweepLoop()
}

// Stop signals both loops and blocks until they exit. In-flight runs
// finish; their contexts are not cancelled.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runRetention()
		}
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runSweep()
		}
	}
}

func (s *Scheduler) runRetention() {
	report, err := s.archiver.Run(context.Background(), time.Now())
	if err != nil {
		log.Error().Err(err).Msg("retention run failed")
		return
	}
	log.Info().
		Int64("spot_snapshots", report.SpotSnapshotsDeleted).
		Int64("ondemand_snapshots", report.OndemandSnapshotsDeleted).
		Int64("risk_scores", report.RiskScoresDeleted).
		Int64("system_events", report.SystemEventsDeleted).
		Int64("switch_events_archived", report.SwitchEventsArchived).
		Msg("retention run complete")
}

// runSweep reconciles the current month and, early in a month, the
// prior one so late-arriving switch reports still land.
func (s *Scheduler) runSweep() {
	ctx := context.Background()
	now := time.Now().UTC()

	months := []time.Time{now}
	if now.Day() <= 3 {
		months = append(months, now.AddDate(0, -1, 0))
	}
	for _, m := range months {
		if _, err := s.sweeper.RunMonth(ctx, m.Year(), m.Month()); err != nil {
			log.Error().Err(err).Int("year", m.Year()).Str("month", m.Month().String()).
				Msg("savings sweep failed")
		}
	}
}
