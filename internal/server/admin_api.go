package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/spotwise/cost-engine/internal/config"
	"github.com/spotwise/cost-engine/internal/money"
	"github.com/spotwise/cost-engine/internal/store"
)

func (s *Server) handleAdminStats(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		clientsTotal    int
		clientsActive   int
		agentsOnline    int
		agentsTotal     int
		activeInstances int
		poolsTracked    int
		totalSwitches   int
		totalSavings    int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM clients),
			(SELECT COUNT(*) FROM clients WHERE status = 'active'),
			(SELECT COUNT(*) FROM agents WHERE status = 'online'),
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM instances WHERE is_active = 1),
			(SELECT COUNT(*) FROM spot_pools),
			(SELECT COUNT(*) FROM switch_events),
			(SELECT COALESCE(SUM(total_savings), 0) FROM clients)`,
	).Scan(&clientsTotal, &clientsActive, &agentsOnline, &agentsTotal,
		&activeInstances, &poolsTracked, &totalSwitches, &totalSavings)
	if err != nil {
		return s.fail(c, err)
	}

	bySeverity, err := s.Sys.CountBySeverity(ctx)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"clientsTotal":     clientsTotal,
		"clientsActive":    clientsActive,
		"agentsOnline":     agentsOnline,
		"agentsTotal":      agentsTotal,
		"activeInstances":  activeInstances,
		"poolsTracked":     poolsTracked,
		"totalSwitches":    totalSwitches,
		"totalSavings":     money.Micros(totalSavings).Float(),
		"eventsBySeverity": bySeverity,
	})
}

func (s *Server) handleAdminClients(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := s.Clients.AllStats(ctx)
	if err != nil {
		return s.fail(c, err)
	}

	out := lo.Map(stats, func(st store.ClientStats, _ int) echo.Map {
		return echo.Map{
			"id":              st.ID,
			"name":            st.Name,
			"status":          st.Status,
			"agentsOnline":    st.AgentsOnline,
			"agentsTotal":     st.AgentsTotal,
			"activeInstances": st.ActiveInstances,
			"totalSavings":    st.TotalSavings.Float(),
			"lastSyncAt":      st.LastSyncAt,
		}
	})
	return c.JSON(http.StatusOK, echo.Map{"clients": out})
}

func (s *Server) handleAdminActivity(c echo.Context) error {
	ctx := c.Request().Context()
	activity, err := s.Sys.RecentActivity(ctx, config.DefaultActivityLimit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"activity": activity})
}
