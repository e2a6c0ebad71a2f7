package cli

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/config"
	"github.com/rpattn/dwhsync/internal/db"
	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/extract"
	"github.com/rpattn/dwhsync/internal/ingestion"
	"github.com/rpattn/dwhsync/internal/ledger"
	"github.com/rpattn/dwhsync/internal/metrics"
	"github.com/rpattn/dwhsync/internal/pipeline"
	"github.com/rpattn/dwhsync/internal/repository"
)

// App is the wired process: warehouse connection, repositories, ledger and
// runner.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Conn       *db.Connection
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Ledger     *ledger.Ledger
	Dimensions *repository.DimensionRepository
	Runs       repository.RunLogRepository
	Runner     *pipeline.Runner

	closeSource func() error
}

// Open connects to the warehouse and wires every component. The source is
// opened only when withSource is set; without it Runner is nil.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, withSource bool) (*App, error) {
	conn, err := db.NewConnection(ctx, cfg.Warehouse, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect to warehouse", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Conn:       conn,
		Registry:   registry,
		Metrics:    m,
		Dimensions: repository.NewDimensionRepository(conn.Pool, logger),
		Runs:       repository.NewRunLogRepository(conn.Pool),
	}

	plan := pipeline.NewPlan(cfg)
	factStore := repository.NewFactRepository(conn.Pool)

	app.Ledger = ledger.New(repository.NewErrorRecordRepository(conn.Pool), logger.Named("ledger"), m)
	retrier := pipeline.NewFactRetrier(plan.FactTables(), app.Dimensions, factStore, logger.Named("retrier"))
	app.Ledger.Register(domain.ErrorTypeForeignKeyMissing, retrier)
	app.Ledger.Register(domain.ErrorTypeLoadFailure, retrier)

	if !withSource {
		return app, nil
	}

	source, closeSource, err := openSource(ctx, cfg.Source, logger.Named("source"))
	if err != nil {
		app.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open source", err)
	}
	app.closeSource = closeSource

	coordinator := pipeline.NewCoordinator(app.Dimensions, factStore, app.Ledger, logger.Named("coordinator"), m, pipeline.Options{
		ReprocessAfterWindow: cfg.Ledger.ReprocessAfter,
		ReprocessLimit:       cfg.Ledger.ReprocessLimit,
	})
	app.Runner = pipeline.NewRunner(pipeline.RunnerDeps{
		TaskName:    cfg.Schedule.TaskName,
		Plan:        plan,
		Source:      source,
		Coordinator: coordinator,
		Bookmarks:   repository.NewBookmarkRepository(conn.Pool),
		Runs:        app.Runs,
		Logger:      logger.Named("runner"),
		Metrics:     m,
	})

	return app, nil
}

// Close releases the source and the warehouse pool.
func (a *App) Close() {
	if a.closeSource != nil {
		if err := a.closeSource(); err != nil {
			a.Logger.Warn("failed to close source", zap.Error(err))
		}
	}
	a.Conn.Close()
}

func openSource(ctx context.Context, cfg config.SourceConfig, logger *zap.Logger) (pipeline.Source, func() error, error) {
	if cfg.Kind == config.SourceFiles {
		return ingestion.NewReader(cfg.Dir, logger), nil, nil
	}

	extractor, err := extract.Open(ctx, extract.Config{
		Driver:   cfg.Driver,
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		DBName:   cfg.DBName,
		SSLMode:  cfg.SSLMode,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return extractor, extractor.Close, nil
}
