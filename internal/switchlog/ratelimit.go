package switchlog

import (
	"context"
	"time"
)

// DefaultMaxSwitchesPerWeek applies when an agent config row is absent.
const DefaultMaxSwitchesPerWeek = 3

// RateWindow is the trailing window the limiter counts over.
const RateWindow = 7 * 24 * time.Hour

// RateLimiter answers "may this agent switch again now?" as a stateless
// query over the switch event log.
//
// Advisory only: the check and a subsequent command enqueue are not
// composed atomically, so concurrent callers can both pass the check
// and exceed the cap. Callers must re-check before enqueueing and
// accept the race.
type RateLimiter struct {
	log *Log
}

func NewRateLimiter(log *Log) *RateLimiter { return &RateLimiter{log: log} }

// CanSwitch reports whether the agent is under its weekly cap and how
// many switches it made in the trailing 7 days. The cutoff is
// now - 7d, inclusive: an event exactly on the boundary counts.
// maxPerWeek <= 0 falls back to the default cap.
func (r *RateLimiter) CanSwitch(ctx context.Context, agentID string, maxPerWeek int, now time.Time) (allowed bool, countLastWeek int, err error) {
	if maxPerWeek <= 0 {
		maxPerWeek = DefaultMaxSwitchesPerWeek
	}
	count, err := r.log.CountForAgentSince(ctx, agentID, now.Add(-RateWindow))
	if err != nil {
		return false, 0, err
	}
	return count < maxPerWeek, count, nil
}
