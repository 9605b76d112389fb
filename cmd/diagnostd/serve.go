package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/diagnostd/internal/cardstore"
	"github.com/fyrsmithlabs/diagnostd/internal/confidence"
	"github.com/fyrsmithlabs/diagnostd/internal/config"
	"github.com/fyrsmithlabs/diagnostd/internal/events"
	"github.com/fyrsmithlabs/diagnostd/internal/importer"
	"github.com/fyrsmithlabs/diagnostd/internal/logging"
	"github.com/fyrsmithlabs/diagnostd/internal/matching"
	"github.com/fyrsmithlabs/diagnostd/internal/patterns"
	"github.com/fyrsmithlabs/diagnostd/internal/server"
	"github.com/fyrsmithlabs/diagnostd/internal/ticket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the diagnostics daemon",
	RunE:  runServe,
}

// stores groups the persistence layer so memory and sqlite wiring
// share one code path.
type stores struct {
	cards    cardstore.Store
	eventLog events.Store
	patterns patterns.Store
	jobs     importer.JobStore
}

func openStores(cfg *config.Config) (*stores, error) {
	if cfg.Storage.Backend == config.StorageMemory {
		return &stores{
			cards:    cardstore.NewMemoryStore(),
			eventLog: events.NewMemoryStore(),
			patterns: patterns.NewMemoryStore(),
			jobs:     importer.NewMemoryJobStore(),
		}, nil
	}

	db, err := cardstore.OpenDB(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return openSQLStores(db)
}

func openSQLStores(db *gorm.DB) (*stores, error) {
	cards, err := cardstore.NewSQLStore(db)
	if err != nil {
		return nil, err
	}
	eventLog, err := events.NewSQLStore(db)
	if err != nil {
		return nil, err
	}
	patternStore, err := patterns.NewSQLStore(db)
	if err != nil {
		return nil, err
	}
	jobs, err := importer.NewSQLJobStore(db)
	if err != nil {
		return nil, err
	}
	return &stores{cards: cards, eventLog: eventLog, patterns: patternStore, jobs: jobs}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logging.Sync(logger) //nolint:errcheck

	st, err := openStores(cfg)
	if err != nil {
		return err
	}

	var notifier events.Notifier
	if cfg.NATS.Enabled {
		natsNotifier, err := events.NewNATSNotifier(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer natsNotifier.Close()
		notifier = natsNotifier
	}

	// The ticket service adapter is in-process for now; deployments
	// integrating an external ticket system swap this out.
	tickets := ticket.NewMemoryService()

	pipeline, err := matching.NewPipeline(st.cards, nil, logger)
	if err != nil {
		return err
	}
	engine, err := confidence.NewEngine(st.cards, tickets, logger)
	if err != nil {
		return err
	}
	router, err := events.NewRouter(st.eventLog, notifier, logger)
	if err != nil {
		return err
	}
	detector, err := patterns.NewDetector(tickets, st.patterns, router, logger)
	if err != nil {
		return err
	}
	imp, err := importer.NewImporter(st.cards, st.jobs, logger,
		importer.WithBatchSize(cfg.Import.BatchSize))
	if err != nil {
		return err
	}

	router.Register(events.TypeTicketCreated, events.TicketCreatedHandler(tickets, pipeline, router, logger))
	router.Register(events.TypeTicketResolved, events.TicketResolvedHandler(engine))
	router.Register(events.TypeNewFailureDiscovered, events.NewFailureDiscoveredHandler(tickets, st.cards, logger))
	router.Register(events.TypeCardApproved, events.CardApprovedHandler(engine))
	router.Register(events.TypeCardUsed, events.CardUsedHandler(logger))

	srv, err := server.NewServer(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Services{
		Pipeline: pipeline,
		Engine:   engine,
		Router:   router,
		Detector: detector,
		Patterns: st.patterns,
		Importer: imp,
		Jobs:     st.jobs,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting diagnostd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("nats", cfg.NATS.Enabled))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(gctx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return runEventPump(gctx, router, cfg.Events, logger)
	})

	g.Go(func() error {
		return runPatternSchedule(gctx, detector, cfg.Patterns, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("daemon exited with error", zap.Error(err))
		return err
	}
	logger.Info("diagnostd stopped")
	return nil
}

// runEventPump drains the event queue on a fixed interval until ctx
// is cancelled.
func runEventPump(ctx context.Context, router *events.Router, cfg config.EventsConfig, logger *zap.Logger) error {
	ticker := time.NewTicker(cfg.PumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := router.Pump(ctx, cfg.BatchSize)
			if err != nil {
				logger.Error("event pump failed", zap.Error(err))
				continue
			}
			if stats.Processed > 0 || stats.Errors > 0 {
				logger.Debug("event pump completed",
					zap.Int("processed", stats.Processed),
					zap.Int("errors", stats.Errors),
					zap.Int("skipped", stats.Skipped))
			}
		}
	}
}

// runPatternSchedule runs pattern detection for the default org on a
// fixed interval. Detection is also reachable on demand through the
// HTTP API for any org.
func runPatternSchedule(ctx context.Context, detector *patterns.Detector, cfg config.PatternsConfig, logger *zap.Logger) error {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	params := patterns.Params{
		MinOccurrences: cfg.MinOccurrences,
		Lookback:       time.Duration(cfg.LookbackDays) * 24 * time.Hour,
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			found, err := detector.Detect(ctx, defaultOrgID, params)
			if err != nil {
				logger.Error("scheduled pattern detection failed", zap.Error(err))
				continue
			}
			if len(found) > 0 {
				logger.Info("scheduled pattern detection completed",
					zap.Int("patterns", len(found)))
			}
		}
	}
}

// defaultOrgID is the tenant the scheduled detector runs for. The
// in-process ticket service is single-tenant; multi-tenant deployments
// drive detection through the API instead.
const defaultOrgID = "default"
