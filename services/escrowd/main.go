package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowd/gateway/auth"
	"escrowd/ledger"
	"escrowd/observability/logging"
	"escrowd/state"
	"escrowd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logging.Setup(logging.Options{Service: "escrowd"}).Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.Options{
		Service:     "escrowd",
		Environment: cfg.Environment,
		File:        cfg.LogFile,
		MaxSizeMB:   cfg.LogMaxSizeMB,
		MaxBackups:  cfg.LogMaxBackups,
	})

	var db storage.Database
	if cfg.LedgerPath != "" {
		leveldb, err := storage.NewLevelDB(cfg.LedgerPath)
		if err != nil {
			logger.Error("open ledger database", "path", cfg.LedgerPath, "error", err)
			os.Exit(1)
		}
		db = leveldb
	} else {
		logger.Warn("ledger path not configured, using in-memory store")
		db = storage.NewMemDB()
	}
	defer db.Close()

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	manager := state.NewManager(db)
	queue := NewWebhookQueue(
		WithTaskCapacity(cfg.WebhookQueueCapacity),
		WithHistoryCapacity(cfg.WebhookHistorySize),
		WithQueueTTL(cfg.WebhookQueueTTL.Duration),
	)
	engine := ledger.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(newEventSink(store, queue, logger))

	authenticator := auth.NewAuthenticator(cfg.Secrets(), cfg.TimestampSkew.Duration, cfg.NonceTTL.Duration, cfg.NonceCapacity, nil, store)
	server := NewServer(authenticator, engine, manager, store, queue, logger, cfg.RatePerSecond, cfg.RateBurst)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	worker := NewWebhookWorker(store, queue)
	go worker.Run(workerCtx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server,
	}
	go func() {
		logger.Info("escrowd listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	stopWorker()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
