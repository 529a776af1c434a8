// Package server exposes the engine over HTTP: the agent-facing API
// (register, heartbeat, pricing reports, decisions, switch reports,
// command polling) and the dashboard/admin API (client views,
// force-switch, savings, history, activity).
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/spotwise/cost-engine/internal/commands"
	"github.com/spotwise/cost-engine/internal/config"
	"github.com/spotwise/cost-engine/internal/pricing"
	"github.com/spotwise/cost-engine/internal/reconcile"
	"github.com/spotwise/cost-engine/internal/risk"
	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/switchlog"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

// Deps carries the engine components the server fronts.
type Deps struct {
	DB          *store.DB
	Clients     *store.Clients
	Agents      *store.Agents
	Instances   *store.Instances
	Ledger      *pricing.Ledger
	Events      *switchlog.Log
	Limiter     *switchlog.RateLimiter
	Queue       *commands.Queue
	Aggregator  *reconcile.Aggregator
	Sys         *sysevents.Recorder
	Scorer      risk.Scorer
	RiskRecords *risk.Records
}

// Server is the HTTP front end.
type Server struct {
	Deps
	echo     *echo.Echo
	validate *validator.Validate
}

// New builds the server and registers all routes.
func New(deps Deps) *Server {
	if deps.Scorer == nil {
		deps.Scorer = risk.UnavailableScorer{}
	}

	s := &Server{
		Deps:     deps,
		echo:     echo.New(),
		validate: newValidator(),
	}
	s.echo.HideBanner = true
	s.echo.Use(middleware.Recover())

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.handleHealth)

	// Agent API: authenticated with a client token.
	agents := e.Group("/api/agents", s.requireClientToken)
	agents.POST("/register", s.handleRegister)
	agents.POST("/:agent_id/heartbeat", s.handleHeartbeat)
	agents.POST("/:agent_id/pricing-report", s.handlePricingReport)
	agents.GET("/:agent_id/config", s.handleAgentConfig)
	agents.POST("/:agent_id/decide", s.handleDecide)
	agents.POST("/:agent_id/switch-report", s.handleSwitchReport)
	agents.GET("/:agent_id/pending-commands", s.handlePendingCommands)
	agents.POST("/:agent_id/mark-command-executed", s.handleMarkExecuted)

	// Dashboard API (session auth lives in the surrounding system).
	client := e.Group("/api/client")
	client.GET("/:client_id", s.handleClientDetails)
	client.GET("/:client_id/agents", s.handleClientAgents)
	client.GET("/:client_id/instances", s.handleClientInstances)
	client.GET("/:client_id/savings", s.handleClientSavings)
	client.GET("/:client_id/switch-history", s.handleSwitchHistory)
	client.POST("/agents/:agent_id/toggle-enabled", s.handleToggleAgent)
	client.POST("/agents/:agent_id/settings", s.handleAgentSettings)
	client.GET("/instances/:instance_id/pricing", s.handleInstancePricing)
	client.POST("/instances/:instance_id/force-switch", s.handleForceSwitch)

	admin := e.Group("/api/admin")
	admin.GET("/stats", s.handleAdminStats)
	admin.GET("/clients", s.handleAdminClients)
	admin.GET("/activity", s.handleAdminActivity)
}

// Start blocks serving HTTP until Shutdown or failure.
func (s *Server) Start(cfg config.ServerConfig) error {
	s.echo.Server.ReadTimeout = cfg.ReadTimeout
	s.echo.Server.WriteTimeout = cfg.WriteTimeout
	log.Info().Str("addr", cfg.Addr).Msg("http server starting")
	return s.echo.Start(cfg.Addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  "connected",
	})
}
