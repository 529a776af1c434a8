// Package risk is the boundary to the external risk-scoring model.
//
// The model itself lives outside this engine; it is consumed as an
// opaque score plus state. Score records are persisted so decisions can
// be audited; the retention sweep ages them out after 90 days.
package risk

import (
	"context"
	"time"

	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/store"
)

// Pool states as reported by the scorer.
const (
	StateNormal       = "normal"
	StateHighRisk     = "high-risk"
	StateEvent        = "event"
	StateSafeToReturn = "safe-to-return"
)

// Input is what the scorer receives for one pool.
type Input struct {
	PoolID        string
	SpotPrice     money.Micros
	OndemandPrice money.Micros
}

// Assessment is the scorer's opaque verdict.
type Assessment struct {
	Score  float64
	State  string
	Reason string
}

// Scorer produces risk assessments for spot pools.
type Scorer interface {
	Score(ctx context.Context, in Input) (Assessment, error)
}

// UnavailableScorer is the fallback when no model is wired in: a
// neutral score that recommends staying put.
type UnavailableScorer struct{}

func (UnavailableScorer) Score(_ context.Context, _ Input) (Assessment, error) {
	return Assessment{Score: 0.5, State: StateNormal, Reason: "risk model unavailable"}, nil
}

// Record is one persisted scoring decision.
type Record struct {
	ClientID               string
	InstanceID             string
	AgentID                string
	Score                  float64
	State                  string
	RecommendedAction      string
	RecommendedMode        store.Mode
	RecommendedPoolID      string
	ExpectedSavingsPerHour money.Micros
	Allowed                bool
	Reason                 string
}

// Records persists scoring decisions.
type Records struct {
	db *store.DB
}

func NewRecords(db *store.DB) *Records { return &Records{db: db} }

// Insert appends one decision record.
func (r *Records) Insert(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO risk_scores (
			client_id, instance_id, agent_id, risk_score, state,
			recommended_action, recommended_mode, recommended_pool_id,
			expected_savings_per_hour, allowed, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ClientID, rec.InstanceID, rec.AgentID, rec.Score, rec.State,
		rec.RecommendedAction, string(rec.RecommendedMode),
		store.NullStr(rec.RecommendedPoolID),
		int64(rec.ExpectedSavingsPerHour), rec.Allowed, store.NullStr(rec.Reason),
		store.FormatTime(time.Now()))
	return err
}
