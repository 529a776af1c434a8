package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/spotwise/cost-engine/internal/commands"
	"github.com/spotwise/cost-engine/internal/config"
	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/pricing"
	"github.com/spotwise/cost-engine/internal/reconcile"
	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/switchlog"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

func (s *Server) handleClientDetails(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := s.Clients.Stats(ctx, c.Param("client_id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "client not found"})
	}
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"id":              stats.ID,
		"name":            stats.Name,
		"status":          stats.Status,
		"agentsOnline":    stats.AgentsOnline,
		"agentsTotal":     stats.AgentsTotal,
		"activeInstances": stats.ActiveInstances,
		"totalSavings":    stats.TotalSavings.Float(),
		"lastSyncAt":      stats.LastSyncAt,
		"createdAt":       stats.CreatedAt,
	})
}

func (s *Server) handleClientAgents(c echo.Context) error {
	ctx := c.Request().Context()
	agents, err := s.Agents.ListForClient(ctx, c.Param("client_id"))
	if err != nil {
		return s.fail(c, err)
	}

	out := lo.Map(agents, func(a store.Agent, _ int) echo.Map {
		return echo.Map{
			"agentId":              a.ID,
			"status":               a.Status,
			"hostname":             a.Hostname,
			"version":              a.Version,
			"enabled":              a.Enabled,
			"autoSwitchEnabled":    a.AutoSwitchEnabled,
			"autoTerminateEnabled": a.AutoTerminateEnabled,
			"instanceCount":        a.InstanceCount,
			"lastHeartbeat":        a.LastHeartbeat,
		}
	})
	return c.JSON(http.StatusOK, echo.Map{"agents": out})
}

func (s *Server) handleClientInstances(c echo.Context) error {
	ctx := c.Request().Context()
	instances, err := s.Instances.ListActiveForClient(ctx, c.Param("client_id"))
	if err != nil {
		return s.fail(c, err)
	}

	out := lo.Map(instances, func(in store.Instance, _ int) echo.Map {
		return echo.Map{
			"instanceId":    in.ID,
			"agentId":       in.AgentID,
			"instanceType":  in.InstanceType,
			"region":        in.Region,
			"az":            in.AZ,
			"currentMode":   in.CurrentMode,
			"currentPoolId": in.CurrentPoolID,
			"spotPrice":     floatOrNil(in.SpotPrice),
			"onDemandPrice": floatOrNil(in.OndemandPrice),
			"installedAt":   in.InstalledAt,
			"lastSwitchAt":  in.LastSwitchAt,
		}
	})
	return c.JSON(http.StatusOK, echo.Map{"instances": out})
}

func (s *Server) handleClientSavings(c echo.Context) error {
	ctx := c.Request().Context()

	months := config.DefaultSavingsMonths
	if raw := c.QueryParam("months"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "months must be a positive integer"})
		}
		months = n
	}

	records, err := s.Aggregator.Monthly(ctx, c.Param("client_id"), months)
	if err != nil {
		return s.fail(c, err)
	}

	rows := lo.Map(records, func(r reconcile.MonthlyRecord, _ int) echo.Map {
		return echo.Map{
			"month":        time.Month(r.Month).String()[:3],
			"year":         r.Year,
			"onDemandCost": r.Baseline.Float(),
			"modelCost":    r.Actual.Float(),
			"savings":      r.Savings.Float(),
		}
	})

	var total money.Micros
	for _, r := range records {
		total += r.Savings
	}
	return c.JSON(http.StatusOK, echo.Map{
		"savings":      rows,
		"totalSavings": total.Float(),
	})
}

func (s *Server) handleSwitchHistory(c echo.Context) error {
	ctx := c.Request().Context()
	events, err := s.Events.History(ctx, c.Param("client_id"), c.QueryParam("instance_id"), config.DefaultHistoryLimit)
	if err != nil {
		return s.fail(c, err)
	}

	out := lo.Map(events, func(e switchlog.Event, _ int) echo.Map {
		return echo.Map{
			"instanceId":    e.InstanceID,
			"agentId":       e.AgentID,
			"trigger":       e.Trigger,
			"fromMode":      e.FromMode,
			"toMode":        e.ToMode,
			"fromPoolId":    e.FromPoolID,
			"toPoolId":      e.ToPoolID,
			"savingsImpact": e.SavingsImpact.Float(),
			"timestamp":     e.Timestamp,
		}
	})
	return c.JSON(http.StatusOK, echo.Map{"history": out})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggleAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	if _, err := s.Agents.Get(ctx, agentID); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "agent not found"})
	} else if err != nil {
		return s.fail(c, err)
	}

	if err := s.Agents.SetEnabled(ctx, agentID, req.Enabled); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"agentId": agentID, "enabled": req.Enabled})
}

type settingsRequest struct {
	AutoSwitchEnabled    *bool `json:"auto_switch_enabled"`
	AutoTerminateEnabled *bool `json:"auto_terminate_enabled"`
}

func (s *Server) handleAgentSettings(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	var req settingsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	if _, err := s.Agents.Get(ctx, agentID); errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "agent not found"})
	} else if err != nil {
		return s.fail(c, err)
	}

	if err := s.Agents.UpdateSettings(ctx, agentID, store.AgentSettings{
		AutoSwitchEnabled:    req.AutoSwitchEnabled,
		AutoTerminateEnabled: req.AutoTerminateEnabled,
	}); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"agentId": agentID, "updated": true})
}

func (s *Server) handleInstancePricing(c echo.Context) error {
	ctx := c.Request().Context()
	in, err := s.Instances.Get(ctx, c.Param("instance_id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "instance not found"})
	}
	if err != nil {
		return s.fail(c, err)
	}

	pools, err := s.Ledger.LatestPoolPrices(ctx, in.InstanceType, in.Region)
	if err != nil {
		return s.fail(c, err)
	}

	var ondemand money.Micros
	if in.OndemandPrice != nil {
		ondemand = *in.OndemandPrice
	}

	out := lo.Map(pools, func(p pricing.PoolPrice, _ int) echo.Map {
		m := echo.Map{
			"poolId":     p.PoolID,
			"az":         p.AZ,
			"price":      p.Price.Float(),
			"capturedAt": p.CapturedAt,
		}
		if ondemand > 0 {
			m["savingsPercent"] = savingsPercent(ondemand, p.Price)
		}
		return m
	})

	return c.JSON(http.StatusOK, echo.Map{
		"instanceId":    in.ID,
		"instanceType":  in.InstanceType,
		"region":        in.Region,
		"currentMode":   in.CurrentMode,
		"currentPoolId": in.CurrentPoolID,
		"onDemandPrice": floatOrNil(in.OndemandPrice),
		"spotPools":     out,
	})
}

type forceSwitchRequest struct {
	TargetMode   string `json:"target_mode" validate:"required,oneof=spot ondemand"`
	TargetPoolID string `json:"target_pool_id"`
}

// handleForceSwitch queues a manual switch command for the agent
// managing the instance. The agent picks it up on its next poll.
func (s *Server) handleForceSwitch(c echo.Context) error {
	ctx := c.Request().Context()
	instanceID := c.Param("instance_id")

	var req forceSwitchRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	in, err := s.Instances.Get(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "instance not found"})
	}
	if err != nil {
		return s.fail(c, err)
	}
	if in.AgentID == "" {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "instance has no managing agent"})
	}

	id, err := s.Queue.Enqueue(ctx, in.AgentID, in.ID, store.Mode(req.TargetMode), req.TargetPoolID)
	if errors.Is(err, commands.ErrPoolRequired) || errors.Is(err, commands.ErrPoolForbidden) || errors.Is(err, commands.ErrInvalidMode) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if err != nil {
		return s.fail(c, err)
	}

	s.Sys.Record(ctx, sysevents.Event{
		Type:       "manual_switch_requested",
		Severity:   sysevents.SeverityInfo,
		ClientID:   in.ClientID,
		AgentID:    in.AgentID,
		InstanceID: in.ID,
		Message:    "manual switch to " + req.TargetMode + " requested",
		Metadata: map[string]any{
			"command_id":     id,
			"target_mode":    req.TargetMode,
			"target_pool_id": req.TargetPoolID,
		},
	})

	return c.JSON(http.StatusOK, echo.Map{
		"commandId":  id,
		"instanceId": in.ID,
		"agentId":    in.AgentID,
		"status":     "queued",
	})
}

func floatOrNil(m *money.Micros) any {
	if m == nil {
		return nil
	}
	return m.Float()
}
