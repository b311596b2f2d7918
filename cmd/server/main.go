// Package main is the entry point for the backtester service. It wires
// the universe store, the simulation engine, and the HTTP API, then
// serves until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/backtester/internal/config"
	"github.com/aristath/backtester/internal/database"
	"github.com/aristath/backtester/internal/domain"
	"github.com/aristath/backtester/internal/modules/allocation"
	"github.com/aristath/backtester/internal/modules/analysis"
	"github.com/aristath/backtester/internal/modules/backtest"
	"github.com/aristath/backtester/internal/modules/constraints"
	"github.com/aristath/backtester/internal/modules/construction"
	"github.com/aristath/backtester/internal/modules/costs"
	"github.com/aristath/backtester/internal/modules/export"
	"github.com/aristath/backtester/internal/modules/universe"
	"github.com/aristath/backtester/internal/scheduler"
	"github.com/aristath/backtester/internal/server"
	"github.com/aristath/backtester/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Backtester starting")

	// Universe database: screening snapshots and daily prices.
	universeDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath("universe"),
		Profile: database.ProfileStandard,
		Name:    "universe",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open universe database")
	}
	defer universeDB.Close()
	if err := universeDB.ApplySchema(universe.Schema); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply universe schema")
	}

	// Results database: completed runs and their trade logs.
	resultsDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath("results"),
		Profile: database.ProfileResults,
		Name:    "results",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open results database")
	}
	defer resultsDB.Close()
	if err := resultsDB.ApplySchema(backtest.ResultsSchema); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply results schema")
	}

	snapshots := universe.NewSnapshotRepository(universeDB.Conn(), log)
	prices := universe.NewPriceRepository(universeDB.Conn(), log)
	cache := universe.NewPriceCache(filepath.Join(cfg.DataDir, "cache"), log)
	provider := universe.NewProvider(snapshots, prices, cache, log)

	constructor := construction.NewConstructor(
		constraints.NewManager(domain.DefaultRiskConstraintConfig(), log),
		allocation.NewClusterAllocator(log),
		allocation.NewMinVarianceAllocator(log),
		log,
	)

	taxes := domain.TaxProfile{
		ShortTermRate:    cfg.TaxShortTermRate,
		LongTermRate:     cfg.TaxLongTermRate,
		SurtaxRate:       cfg.TaxSurtaxRate,
		JurisdictionRate: cfg.TaxJurisdictionRate,
	}
	engine := backtest.NewEngine(constructor, costs.NewModel(costs.DefaultConfig(), log), taxes, log)

	results := backtest.NewResultRepository(resultsDB.Conn(), log)
	manager := backtest.NewManager(engine, provider, results, log)
	analyzer := analysis.NewAnalyzer(log)

	refreshJob := universe.NewRefreshJob(cfg.SnapshotDir, snapshots, prices, log)

	sched := scheduler.New(log)
	if cfg.RefreshCron != "" {
		if err := sched.AddJob(cfg.RefreshCron, refreshJob); err != nil {
			log.Fatal().Err(err).Str("cron", cfg.RefreshCron).Msg("Failed to schedule snapshot refresh")
		}
	}
	sched.Start()
	defer sched.Stop()

	var archiver *export.Archiver
	if cfg.S3Bucket != "" {
		archiver, err = export.NewArchiverFromEnv(context.Background(), cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure report archiver")
		}
		log.Info().Str("bucket", cfg.S3Bucket).Msg("Report archiving enabled")
	}

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Manager:  manager,
		Results:  results,
		Analyzer: analyzer,
		Archiver: archiver,
		Refresh:  refreshJob,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	log.Info().Msg("Backtester stopped")
}
