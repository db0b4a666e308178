package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/api"
	"github.com/recordvault/recordvault/internal/blobstore"
	"github.com/recordvault/recordvault/internal/config"
	"github.com/recordvault/recordvault/internal/coordinator"
	"github.com/recordvault/recordvault/internal/crypto"
	"github.com/recordvault/recordvault/internal/database"
	"github.com/recordvault/recordvault/internal/ledger"
	"github.com/recordvault/recordvault/internal/queue"
	"github.com/recordvault/recordvault/internal/repository"
	"github.com/recordvault/recordvault/internal/search"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "recordvault-api").Logger()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	repo := repository.NewRecordRepository(pool)

	blobs, err := blobstore.NewMinio(cfg)
	if err != nil {
		log.Fatalf("init blob store: %v", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	ledgerClient, err := ledger.OpenBadger(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledgerClient.Close()

	cryptoSvc, err := crypto.NewService(cfg.MasterKey)
	if err != nil {
		log.Fatalf("init crypto: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer asynqClient.Close()

	coord := coordinator.New(
		repo,
		blobs,
		ledgerClient,
		cryptoSvc,
		search.NewPostgresIndex(pool),
		queue.NewClient(asynqClient),
		logger,
		coordinator.Options{
			VerifyLedgerOnRead: cfg.VerifyLedgerOnRead,
			MaxRecordSize:      cfg.MaxRecordSize,
			ReconcileGrace:     cfg.ReconcileGrace,
		},
	)

	srv := api.New(cfg.Address, coord, cfg.MaxRecordSize+1024, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
