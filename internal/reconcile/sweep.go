package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

// DefaultSweepWorkers bounds the per-client fan-out of the monthly sweep.
const DefaultSweepWorkers = 4

// SweepResult records one client's outcome; failures are isolated and
// never abort the other clients.
type SweepResult struct {
	ClientID string
	Cost     MonthCost
	Err      error
}

// Sweeper runs the scheduled monthly reconciliation across all active
// clients with a bounded worker pool.
type Sweeper struct {
	clients    *store.Clients
	reconciler *Reconciler
	aggregator *Aggregator
	events     AnomalyRecorder
	workers    int
}

func NewSweeper(clients *store.Clients, rec *Reconciler, agg *Aggregator, events AnomalyRecorder, workers int) *Sweeper {
	if workers <= 0 {
		workers = DefaultSweepWorkers
	}
	return &Sweeper{clients: clients, reconciler: rec, aggregator: agg, events: events, workers: workers}
}

// RunMonth reconciles and upserts the given month for every active
// client. Client-months are independent, so they run in parallel up to
// the worker bound.
func (s *Sweeper) RunMonth(ctx context.Context, year int, month time.Month) ([]SweepResult, error) {
	ids, err := s.clients.ActiveIDs(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make(chan string)
	results := make([]SweepResult, 0, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for clientID := range jobs {
				res := SweepResult{ClientID: clientID}
				res.Cost, res.Err = s.reconcileOne(ctx, clientID, year, month)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		}()
	}

	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info().
		Int("clients", len(ids)).Int("failed", failed).
		Int("year", year).Int("month", int(month)).
		Msg("monthly savings sweep finished")
	if s.events != nil {
		s.events.Record(ctx, sysevents.Event{
			Type:     "savings_computed",
			Severity: sysevents.SeverityInfo,
			Message:  "monthly savings sweep finished",
			Metadata: map[string]any{
				"clients": len(ids),
				"failed":  failed,
				"year":    year,
				"month":   int(month),
			},
		})
	}
	return results, nil
}

func (s *Sweeper) reconcileOne(ctx context.Context, clientID string, year int, month time.Month) (MonthCost, error) {
	cost, err := s.reconciler.ComputeMonth(ctx, clientID, year, month)
	if err == nil {
		err = s.aggregator.UpsertMonthly(ctx, clientID, year, month, cost.Baseline, cost.Actual)
	}
	if err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("client reconciliation failed")
		if s.events != nil {
			s.events.Record(ctx, sysevents.Event{
				Type:     "savings_computation_failed",
				Severity: sysevents.SeverityError,
				ClientID: clientID,
				Message:  err.Error(),
				Metadata: map[string]any{"year": year, "month": int(month)},
			})
		}
	}
	return cost, err
}
