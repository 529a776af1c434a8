package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/spotwise/cost-engine/internal/commands"
	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/switchlog"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

type registerRequest struct {
	Hostname     string `json:"hostname" validate:"required,max=255"`
	InstanceID   string `json:"instance_id" validate:"required,ec2_instance_id"`
	InstanceType string `json:"instance_type" validate:"required,max=64"`
	Region       string `json:"region" validate:"required,aws_region"`
	AZ           string `json:"az" validate:"required,aws_az"`
	AmiID        string `json:"ami_id" validate:"required,ami_id"`
	AgentVersion string `json:"agent_version" validate:"required,max=32"`
}

// agentIDFor derives the stable agent identity from the instance that
// hosts it.
func agentIDFor(instanceID string) string {
	id := instanceID
	if len(id) > 8 {
		id = id[:8]
	}
	return "agent-" + id
}

func (s *Server) handleRegister(c echo.Context) error {
	ctx := c.Request().Context()
	client := requestClient(c)

	var req registerRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s.Sys.Record(ctx, sysevents.Event{
				Type:     "validation_error",
				Severity: sysevents.SeverityWarning,
				ClientID: client.ID,
				Message:  "agent registration validation failed: " + verrs.Error(),
			})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation failed", "details": err.Error()})
	}

	agentID := agentIDFor(req.InstanceID)
	if err := s.Agents.Register(ctx, store.Agent{
		ID:       agentID,
		ClientID: client.ID,
		Hostname: req.Hostname,
		Version:  req.AgentVersion,
	}); err != nil {
		return s.fail(c, err)
	}

	if err := s.ensureInstance(c, client.ID, agentID, req); err != nil {
		return s.fail(c, err)
	}

	cfg, err := s.Agents.Config(ctx, agentID, client.ID)
	if err != nil {
		return s.fail(c, err)
	}
	agent, err := s.Agents.Get(ctx, agentID)
	if err != nil {
		return s.fail(c, err)
	}

	s.Sys.Record(ctx, sysevents.Event{
		Type: "agent_registered", Severity: sysevents.SeverityInfo,
		ClientID: client.ID, AgentID: agentID, InstanceID: req.InstanceID,
		Message: "agent " + agentID + " registered",
	})

	return c.JSON(http.StatusOK, echo.Map{
		"agent_id":  agentID,
		"client_id": client.ID,
		"config":    agentConfigJSON(agent, cfg),
	})
}

// ensureInstance creates the instance on first registration, fixing its
// baseline on-demand price from the latest snapshot. A missing snapshot
// leaves the baseline null; a later registration backfills it once.
func (s *Server) ensureInstance(c echo.Context, clientID, agentID string, req registerRequest) error {
	ctx := c.Request().Context()

	existing, err := s.Instances.Get(ctx, req.InstanceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	baseline, ok, err := s.Ledger.LatestOndemandPrice(ctx, req.Region, req.InstanceType)
	if err != nil {
		return err
	}

	if existing != nil {
		if existing.BaselineOndemandPrice == nil && ok {
			return s.Instances.BackfillBaseline(ctx, req.InstanceID, baseline)
		}
		return nil
	}

	in := store.Instance{
		ID:           req.InstanceID,
		ClientID:     clientID,
		AgentID:      agentID,
		InstanceType: req.InstanceType,
		Region:       req.Region,
		AZ:           req.AZ,
		AmiID:        req.AmiID,
		CurrentMode:  store.ModeOndemand,
		IsActive:     true,
		InstalledAt:  time.Now(),
	}
	if ok {
		in.BaselineOndemandPrice = &baseline
	}
	return s.Instances.Create(ctx, in)
}

type heartbeatRequest struct {
	Status             string   `json:"status"`
	MonitoredInstances []string `json:"monitored_instances"`
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	ctx := c.Request().Context()
	client := requestClient(c)
	agentID := c.Param("agent_id")

	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if req.Status == "" {
		req.Status = "online"
	}

	now := time.Now()
	if err := s.Agents.Heartbeat(ctx, agentID, client.ID, req.Status, len(req.MonitoredInstances), now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "agent not found"})
		}
		return s.fail(c, err)
	}
	if err := s.Clients.TouchLastSync(ctx, client.ID, now); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// handlePricingReport ingests an agent's price observations: the
// instance's current on-demand price plus a spot price per pool.
func (s *Server) handlePricingReport(c echo.Context) error {
	ctx := c.Request().Context()
	client := requestClient(c)
	agentID := c.Param("agent_id")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if !gjson.ValidBytes(body) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json"})
	}

	instanceID := gjson.GetBytes(body, "instance.instance_id").String()
	instanceType := gjson.GetBytes(body, "instance.instance_type").String()
	region := gjson.GetBytes(body, "instance.region").String()
	odPrice := gjson.GetBytes(body, "on_demand_price.price")
	if instanceID == "" || instanceType == "" || region == "" || !odPrice.Exists() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing instance or on_demand_price fields"})
	}

	now := time.Now()
	ondemand := microsFromFloat(odPrice.Float())

	if err := s.Instances.RefreshPrices(ctx, instanceID, client.ID, ondemand); err != nil {
		return s.fail(c, err)
	}

	var poolErr error
	gjson.GetBytes(body, "spot_pools").ForEach(func(_, pool gjson.Result) bool {
		poolID := pool.Get("pool_id").String()
		if poolID == "" {
			return true
		}
		if err := s.Ledger.EnsurePool(ctx, poolID, instanceType, region, pool.Get("az").String()); err != nil {
			poolErr = err
			return false
		}
		if err := s.Ledger.RecordSpotPrice(ctx, poolID, microsFromFloat(pool.Get("price").Float()), now); err != nil {
			poolErr = err
			return false
		}
		return true
	})
	if poolErr != nil {
		return s.fail(c, poolErr)
	}

	if err := s.Ledger.RecordOndemandPrice(ctx, region, instanceType, ondemand, now); err != nil {
		return s.fail(c, err)
	}

	log.Debug().Str("agent", agentID).Str("instance", instanceID).Msg("pricing report ingested")
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (s *Server) handleAgentConfig(c echo.Context) error {
	ctx := c.Request().Context()
	client := requestClient(c)
	agentID := c.Param("agent_id")

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
	return c.JSON(http.StatusOK, agentConfigJSON(agent, cfg))
}

func agentConfigJSON(agent *store.Agent, cfg *store.AgentConfig) echo.Map {
	return echo.Map{
		"enabled":                 agent.Enabled,
		"auto_switch_enabled":     agent.AutoSwitchEnabled,
		"auto_terminate_enabled":  agent.AutoTerminateEnabled,
		"min_savings_percent":     cfg.MinSavingsPercent,
		"risk_threshold":          cfg.RiskThreshold,
		"max_switches_per_week":   cfg.MaxSwitchesPerWeek,
		"min_pool_duration_hours": cfg.MinPoolDurationHours,
	}
}

// handleSwitchReport records an executed switch: appends the switch
// event (which computes savings impact and nudges the client total),
// soft-deletes the old instance and upserts the replacement.
func (s *Server) handleSwitchReport(c echo.Context) error {
	ctx := c.Request().Context()
	client := requestClient(c)
	agentID := c.Param("agent_id")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if !gjson.ValidBytes(body) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json"})
	}

	oldID := gjson.GetBytes(body, "old_instance.instance_id").String()
	newID := gjson.GetBytes(body, "new_instance.instance_id").String()
	fromMode := store.Mode(gjson.GetBytes(body, "old_instance.mode").String())
	toMode := store.Mode(gjson.GetBytes(body, "new_instance.mode").String())
	if oldID == "" || newID == "" || !fromMode.Valid() || !toMode.Valid() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing or invalid instance fields"})
	}

	switchedAt, err := store.ParseTime(gjson.GetBytes(body, "timing.traffic_switched_at").String())
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid timing.traffic_switched_at"})
	}

	ev := &switchlog.Event{
		ClientID:      client.ID,
		InstanceID:    newID,
		AgentID:       agentID,
		Trigger:       gjson.GetBytes(body, "trigger").String(),
		FromMode:      fromMode,
		ToMode:        toMode,
		FromPoolID:    gjson.GetBytes(body, "old_instance.pool_id").String(),
		ToPoolID:      gjson.GetBytes(body, "new_instance.pool_id").String(),
		OndemandPrice: microsFromFloat(gjson.GetBytes(body, "prices.on_demand").Float()),
		OldSpotPrice:  microsFromFloat(gjson.GetBytes(body, "prices.old_spot").Float()),
		NewSpotPrice:  microsFromFloat(gjson.GetBytes(body, "prices.new_spot").Float()),
		OldInstanceID: oldID,
		NewInstanceID: newID,
		Timestamp:     switchedAt,
	}
	if err := s.Events.Append(ctx, ev); err != nil {
		s.Sys.Record(ctx, sysevents.Event{
			Type: "switch_report_failed", Severity: sysevents.SeverityError,
			ClientID: client.ID, AgentID: agentID, Message: err.Error(),
		})
		if errors.Is(err, switchlog.ErrPoolRequired) || errors.Is(err, switchlog.ErrPoolForbidden) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		return s.fail(c, err)
	}

	terminatedAt := switchedAt
	if raw := gjson.GetBytes(body, "timing.old_instance_terminated_at").String(); raw != "" {
		if t, err := store.ParseTime(raw); err == nil {
			terminatedAt = t
		}
	}
	if err := s.Instances.Deactivate(ctx, oldID, client.ID, terminatedAt); err != nil {
		return s.fail(c, err)
	}

	old, err := s.Instances.Get(ctx, oldID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return s.fail(c, err)
	}

	newInst := store.Instance{
		ID:           newID,
		ClientID:     client.ID,
		AgentID:      agentID,
		InstanceType: gjson.GetBytes(body, "new_instance.instance_type").String(),
		Region:       gjson.GetBytes(body, "new_instance.region").String(),
		AZ:           gjson.GetBytes(body, "new_instance.az").String(),
		AmiID:        gjson.GetBytes(body, "new_instance.ami_id").String(),
		CurrentMode:  toMode,
		IsActive:     true,
		InstalledAt:  switchedAt,
		LastSwitchAt: &switchedAt,
	}
	if toMode == store.ModeSpot {
		newInst.CurrentPoolID = ev.ToPoolID
		spot := ev.NewSpotPrice
		newInst.SpotPrice = &spot
	}
	// The replacement inherits the fleet baseline: cost had it never
	// left on-demand.
	if old != nil && old.BaselineOndemandPrice != nil {
		newInst.BaselineOndemandPrice = old.BaselineOndemandPrice
	}
	if err := s.Instances.ApplySwitch(ctx, newInst); err != nil {
		return s.fail(c, err)
	}

	s.Sys.Record(ctx, sysevents.Event{
		Type: "switch_completed", Severity: sysevents.SeverityInfo,
		ClientID: client.ID, AgentID: agentID, InstanceID: newID,
		Message:  "switch from " + oldID + " to " + newID,
		Metadata: map[string]any{"savings_impact": ev.SavingsImpact.Float()},
	})
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (s *Server) handlePendingCommands(c echo.Context) error {
	cmds, err := s.Queue.ListPending(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return s.fail(c, err)
	}
	if cmds == nil {
		cmds = []commands.Command{}
	}
	return c.JSON(http.StatusOK, cmds)
}

type markExecutedRequest struct {
	CommandID string `json:"command_id" validate:"required"`
}

func (s *Server) handleMarkExecuted(c echo.Context) error {
	var req markExecutedRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if err := s.Queue.MarkExecuted(c.Request().Context(), req.CommandID, c.Param("agent_id"), time.Now()); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (s *Server) fail(c echo.Context, err error) error {
	log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
}

func microsFromFloat(f float64) money.Micros {
	return money.FromDecimal(decimal.NewFromFloat(f))
}
