// Package main is the entry point for the crypto market-data
// acquisition and feature-materialization platform. It wires the Symbol
// Registry, the nine source collectors, the Placeholder Manager, the
// Materialized Updater, the retention archiver, and the Health & Control
// Plane, then runs until an interrupt or terminate signal triggers a
// bounded graceful shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cryptodata/platform/internal/archiver"
	"github.com/cryptodata/platform/internal/config"
	"github.com/cryptodata/platform/internal/controlplane"
	"github.com/cryptodata/platform/internal/database"
	"github.com/cryptodata/platform/internal/materializer"
	"github.com/cryptodata/platform/internal/placeholder"
	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/scheduler"
	"github.com/cryptodata/platform/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode, Service: "cryptodata-platform"})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting crypto data platform")

	db, err := database.New(database.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		SSLMode:  cfg.DBSSLMode,
		PoolSize: cfg.DBPoolSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	conn := db.Conn()
	reg := registry.New(conn, log)

	placeholderMgr := placeholder.New(conn, reg, macroSeriesIDs, log, cfg.PlaceholderSweepCron)

	collectorSet, err := buildCollectors(conn, reg, placeholderMgr, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct collectors")
	}

	sched := scheduler.New(log)
	for name, c := range collectorSet {
		cc := cfg.Collectors[name]
		if !cc.Enabled {
			continue
		}
		sched.Register(c, time.Duration(cc.CadenceSeconds)*time.Second)
	}

	updater := materializer.New(conn, log, materializer.Config{
		FeatureSet:         materializer.DefaultFeatureSet(cfg.FeatureSetVersion),
		MaxBatchSymbols:    cfg.MaterializedMaxBatchSymbols,
		BackfillWorkers:    cfg.MaterializedBackfillWorkers,
		SchemaRefreshEvery: cfg.SchemaDriftRefreshInterval(),
	})

	var retentionArchiver *archiver.Archiver
	if cfg.ArchiveEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load aws config for archiver")
		}
		s3Client := s3.NewFromConfig(awsCfg)
		retentionArchiver = archiver.New(conn, s3Client, log, archiver.Config{
			Bucket:        cfg.ArchiveS3Bucket,
			RetentionDays: cfg.ArchiveRetentionDays,
		})
	}

	controlPlane := controlplane.New(controlplane.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		DB:          db,
		Registry:    reg,
		Scheduler:   sched,
		Updater:     updater,
		Placeholder: placeholderMgr,
		ConfigSnapshot: map[string]interface{}{
			"feature_set_version":    cfg.FeatureSetVersion,
			"circuit_breaker":        cfg.CircuitBreakerThreshold,
			"collectors":             cfg.Collectors,
			"archive_enabled":        cfg.ArchiveEnabled,
			"placeholder_sweep_cron": cfg.PlaceholderSweepCron,
		},
	})

	if err := placeholderMgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start placeholder manager")
	}
	if err := updater.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start materialized updater")
	}
	if retentionArchiver != nil {
		if err := retentionArchiver.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start archiver")
		}
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	go func() {
		if err := controlPlane.Start(); err != nil {
			log.Error().Err(err).Msg("control plane server stopped")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("platform running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, stopping gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	sched.Stop()
	updater.Stop()
	placeholderMgr.Stop()
	if retentionArchiver != nil {
		retentionArchiver.Stop()
	}
	if err := controlPlane.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control plane shutdown error")
	}

	log.Info().Msg("shutdown complete")
}
