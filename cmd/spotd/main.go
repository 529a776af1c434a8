// spotd is the cost reconciliation and command dispatch daemon. It
// serves the agent and dashboard APIs, runs the periodic savings and
// retention jobs, and offers one-shot subcommands for both.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/spotwise/cost-engine/internal/commands"
	"github.com/spotwise/cost-engine/internal/config"
	"github.com/spotwise/cost-engine/internal/jobs"
	"github.com/spotwise/cost-engine/internal/pricing"
	"github.com/spotwise/cost-engine/internal/reconcile"
	"github.com/spotwise/cost-engine/internal/retention"
	"github.com/spotwise/cost-engine/internal/risk"
	"github.com/spotwise/cost-engine/internal/server"
	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/switchlog"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "spotd",
		Short:        "Spot cost reconciliation and command dispatch engine",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSweepCmd(&configPath))
	root.AddCommand(newArchiveCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles everything built on top of one open database.
type engine struct {
	cfg      *config.Config
	db       *store.DB
	deps     server.Deps
	sweeper  *reconcile.Sweeper
	archiver *retention.Archiver
}

func buildEngine(configPath string) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	clients := store.NewClients(db)
	instances := store.NewInstances(db)
	sys := sysevents.NewRecorder(db)
	events := switchlog.NewLog(db)
	reconciler := reconcile.NewReconciler(instances, events, sys)

	deps := server.Deps{
		DB:          db,
		Clients:     clients,
		Agents:      store.NewAgents(db),
		Instances:   instances,
		Ledger:      pricing.NewLedger(db),
		Events:      events,
		Limiter:     switchlog.NewRateLimiter(events),
		Queue:       commands.NewQueue(db),
		Aggregator:  reconcile.NewAggregator(db),
		Sys:         sys,
		Scorer:      risk.UnavailableScorer{},
		RiskRecords: risk.NewRecords(db),
	}

	return &engine{
		cfg:      cfg,
		db:       db,
		deps:     deps,
		sweeper:  reconcile.NewSweeper(clients, reconciler, deps.Aggregator, sys, cfg.Jobs.SweepWorkers),
		archiver: retention.NewArchiver(db, sys, cfg.Retention),
	}, nil
}

func (e *engine) Close() {
	if err := e.db.Close(); err != nil {
		log.Warn().Err(err).Msg("database close failed")
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := buildEngine(*configPath)
			if err != nil {
				return err
			}
			defer eng.Close()

			scheduler := jobs.NewScheduler(eng.sweeper, eng.archiver, eng.cfg.Jobs)
			scheduler.Start()
			defer scheduler.Stop()

			srv := server.New(eng.deps)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(eng.cfg.Server) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			case err := <-errCh:
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
}

func newSweepCmd(configPath *string) *cobra.Command {
	var year, month int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile monthly savings for all active clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := buildEngine(*configPath)
			if err != nil {
				return err
			}
			defer eng.Close()

			now := time.Now().UTC()
			if year == 0 {
				year = now.Year()
			}
			if month == 0 {
				month = int(now.Month())
			}
			if month < 1 || month > 12 {
				return fmt.Errorf("invalid month %d", month)
			}

			results, err := eng.sweeper.RunMonth(cmd.Context(), year, time.Month(month))
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", r.ClientID, r.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: baseline=%s actual=%s savings=%s\n",
					r.ClientID, r.Cost.Baseline, r.Cost.Actual, r.Cost.Savings())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "year to reconcile (default: current)")
	cmd.Flags().IntVar(&month, "month", 0, "month to reconcile, 1-12 (default: current)")
	return cmd
}

func newArchiveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Run the data retention sweep once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := buildEngine(*configPath)
			if err != nil {
				return err
			}
			defer eng.Close()

			report, err := eng.archiver.Run(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"snapshots=%d risk_scores=%d system_events=%d switch_events_archived=%d\n",
				report.SpotSnapshotsDeleted+report.OndemandSnapshotsDeleted,
				report.RiskScoresDeleted, report.SystemEventsDeleted, report.SwitchEventsArchived)
			return nil
		},
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
