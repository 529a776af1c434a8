package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"

	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/risk"
	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

// Recommended actions returned by the decide endpoint.
const (
	actionStay       = "stay"
	actionFallback   = "fallback_ondemand"
	actionSwitchPool = "switch_pool"
)

type decision struct {
	InstanceID           string     `json:"instance_id"`
	RiskScore            float64    `json:"risk_score"`
	RecommendedAction    string     `json:"recommended_action"`
	RecommendedMode      store.Mode `json:"recommended_mode"`
	RecommendedPoolID    string     `json:"recommended_pool_id"`
	ExpectedSavingsHour  float64    `json:"expected_savings_per_hour"`
	Allowed              bool       `json:"allowed"`
	Reason               string     `json:"reason"`
}

type decideInput struct {
	instanceID    string
	currentMode   store.Mode
	currentPoolID string
	ondemand      money.Micros
	pools         []poolQuote
}

type poolQuote struct {
	id    string
	price money.Micros
}

// handleDecide runs the switching policy around the opaque risk score:
// agent master switch, weekly rate limit, minimum pool dwell time, and
// the minimum-savings threshold all gate the model's recommendation.
// The rate-limit check is advisory; see switchlog.RateLimiter.
func (s *Server) handleDecide(c echo.Context) error {
	ctx := c.Request().Context()
	client := requestClient(c)
	agentID := c.Param("agent_id")

	in, err := parseDecideInput(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	cfg, err := s.Agents.Config(ctx, agentID, client.ID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "agent not found"})
	}
	if err != nil {
		return s.fail(c, err)
	}
	agent, err := s.Agents.Get(ctx, agentID)
	if err != nil {
		return s.fail(c, err)
	}

	stay := func(reason string) decision {
		return decision{
			InstanceID:        in.instanceID,
			RecommendedAction: actionStay,
			RecommendedMode:   in.currentMode,
			RecommendedPoolID: in.currentPoolID,
			Reason:            reason,
		}
	}

	if !agent.Enabled {
		return c.JSON(http.StatusOK, stay("agent disabled"))
	}

	allowed, count, err := s.Limiter.CanSwitch(ctx, agentID, cfg.MaxSwitchesPerWeek, time.Now())
	if err != nil {
		return s.fail(c, err)
	}
	if !allowed {
		return c.JSON(http.StatusOK, stay(fmt.Sprintf(
			"switch limit reached: %d/%d switches this week", count, cfg.MaxSwitchesPerWeek)))
	}

	if last, ok, err := s.Events.LastSwitchTime(ctx, in.instanceID); err != nil {
		return s.fail(c, err)
	} else if ok {
		hoursSince := time.Since(last).Hours()
		if hoursSince < float64(cfg.MinPoolDurationHours) {
			return c.JSON(http.StatusOK, stay(fmt.Sprintf(
				"too soon to switch: %.1fh < %dh minimum", hoursSince, cfg.MinPoolDurationHours)))
		}
	}

	dec, err := s.recommend(c, in, cfg, agent)
	if err != nil {
		return s.fail(c, err)
	}

	if err := s.RiskRecords.Insert(ctx, risk.Record{
		ClientID:               client.ID,
		InstanceID:             in.instanceID,
		AgentID:                agentID,
		Score:                  dec.RiskScore,
		State:                  stateFor(dec),
		RecommendedAction:      dec.RecommendedAction,
		RecommendedMode:        dec.RecommendedMode,
		RecommendedPoolID:      dec.RecommendedPoolID,
		ExpectedSavingsPerHour: microsFromFloat(dec.ExpectedSavingsHour),
		Allowed:                dec.Allowed,
		Reason:                 dec.Reason,
	}); err != nil {
		s.Sys.Record(ctx, sysevents.Event{
			Type: "decision_error", Severity: sysevents.SeverityError,
			ClientID: client.ID, AgentID: agentID, InstanceID: in.instanceID,
			Message: err.Error(),
		})
	}

	return c.JSON(http.StatusOK, dec)
}

// recommend applies the policy thresholds to the scorer's assessment.
func (s *Server) recommend(c echo.Context, in decideInput, cfg *store.AgentConfig, agent *store.Agent) (decision, error) {
	ctx := c.Request().Context()

	currentPool, currentSpot := in.currentPoolID, money.Micros(0)
	for _, p := range in.pools {
		if p.id == currentPool {
			currentSpot = p.price
			break
		}
	}
	if currentSpot == 0 && len(in.pools) > 0 {
		currentPool, currentSpot = in.pools[0].id, in.pools[0].price
	}

	assessment, err := s.Scorer.Score(ctx, risk.Input{
		PoolID:        currentPool,
		SpotPrice:     currentSpot,
		OndemandPrice: in.ondemand,
	})
	if err != nil {
		return decision{}, fmt.Errorf("risk scorer: %w", err)
	}

	dec := decision{
		InstanceID:        in.instanceID,
		RiskScore:         assessment.Score,
		RecommendedAction: actionStay,
		RecommendedMode:   in.currentMode,
		RecommendedPoolID: in.currentPoolID,
		Allowed:           agent.AutoSwitchEnabled,
		Reason:            assessment.Reason,
	}

	best, hasPools := cheapestPool(in.pools)

	switch {
	case (assessment.State == risk.StateEvent || assessment.State == risk.StateHighRisk) &&
		assessment.Score >= cfg.RiskThreshold:
		dec.RecommendedAction = actionFallback
		dec.RecommendedMode = store.ModeOndemand
		dec.RecommendedPoolID = ""
		dec.ExpectedSavingsHour = (currentSpot - in.ondemand).Float()
		dec.Reason = fmt.Sprintf("high risk detected (score: %.2f), fallback to on-demand recommended", assessment.Score)

	case assessment.State == risk.StateSafeToReturn && in.currentMode == store.ModeOndemand && hasPools:
		savingsPct := savingsPercent(in.ondemand, best.price)
		if savingsPct >= cfg.MinSavingsPercent {
			dec.RecommendedAction = actionSwitchPool
			dec.RecommendedMode = store.ModeSpot
			dec.RecommendedPoolID = best.id
			dec.ExpectedSavingsHour = (in.ondemand - best.price).Float()
			dec.Reason = fmt.Sprintf("safe to return to spot: pool %s offers %.1f%% savings", best.id, savingsPct)
		}

	case in.currentMode == store.ModeSpot && assessment.State == risk.StateNormal && hasPools && best.id != currentPool:
		savingsPct := savingsPercent(in.ondemand, in.ondemand-(currentSpot-best.price))
		if savingsPct >= cfg.MinSavingsPercent {
			dec.RecommendedAction = actionSwitchPool
			dec.RecommendedMode = store.ModeSpot
			dec.RecommendedPoolID = best.id
			dec.ExpectedSavingsHour = (currentSpot - best.price).Float()
			dec.Reason = fmt.Sprintf("better pool available: %s saves %.1f%%", best.id, savingsPct)
		}
	}

	return dec, nil
}

func parseDecideInput(body io.Reader) (decideInput, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return decideInput{}, err
	}
	if !gjson.ValidBytes(raw) {
		return decideInput{}, errors.New("invalid json")
	}

	in := decideInput{
		instanceID:    gjson.GetBytes(raw, "instance.instance_id").String(),
		currentMode:   store.Mode(gjson.GetBytes(raw, "instance.current_mode").String()),
		currentPoolID: gjson.GetBytes(raw, "instance.current_pool_id").String(),
		ondemand:      microsFromFloat(gjson.GetBytes(raw, "pricing.on_demand_price").Float()),
	}
	if in.instanceID == "" {
		return decideInput{}, errors.New("missing instance.instance_id")
	}
	if !in.currentMode.Valid() {
		in.currentMode = store.ModeSpot
	}
	gjson.GetBytes(raw, "pricing.spot_pools").ForEach(func(_, p gjson.Result) bool {
		in.pools = append(in.pools, poolQuote{
			id:    p.Get("pool_id").String(),
			price: microsFromFloat(p.Get("price").Float()),
		})
		return true
	})
	return in, nil
}

func cheapestPool(pools []poolQuote) (poolQuote, bool) {
	if len(pools) == 0 {
		return poolQuote{}, false
	}
	best := pools[0]
	for _, p := range pools[1:] {
		if p.price < best.price {
			best = p
		}
	}
	return best, true
}

// savingsPercent is how much cheaper price is than the on-demand rate.
func savingsPercent(ondemand, price money.Micros) float64 {
	if ondemand <= 0 {
		return 0
	}
	return float64(ondemand-price) / float64(ondemand) * 100
}

func stateFor(dec decision) string {
	switch dec.RecommendedAction {
	case actionFallback:
		return risk.StateHighRisk
	case actionSwitchPool:
		if dec.RecommendedMode == store.ModeSpot {
			return risk.StateSafeToReturn
		}
		return risk.StateNormal
	default:
		return risk.StateNormal
	}
}
