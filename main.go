package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gestor360/internal/backoff"
	"gestor360/internal/config"
	"gestor360/internal/gateway"
	"gestor360/internal/governor"
	"gestor360/internal/hostsignal"
	"gestor360/internal/id"
	"gestor360/internal/log"
	"gestor360/internal/metrics"
	"gestor360/internal/notify"
	"gestor360/internal/probe"
	"gestor360/internal/remote"
	"gestor360/internal/schema"
	"gestor360/internal/server"
	"gestor360/internal/store"
	"gestor360/internal/syncworker"
	"gestor360/internal/wal"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	local, err := store.Open(ctx, cfg.LocalStoreDriver, cfg.LocalStoreDSN, logger.Named("store"))
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer local.Close()

	journal, err := wal.Open(cfg.JournalPath)
	if err != nil {
		logger.Fatal("Failed to open spill journal", zap.Error(err))
	}
	defer journal.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	cloud := remote.NewBreaker("remote-store", remote.NewRedisStore(rdb, logger.Named("remote")), logger)

	schemas := schema.NewRegistry()
	if cfg.SchemaDir != "" {
		n, err := schemas.LoadDir(cfg.SchemaDir)
		if err != nil {
			logger.Fatal("Failed to load table schemas", zap.Error(err))
		}
		logger.Info("Loaded table schemas", zap.Int("count", n))
	}

	m := metrics.New(nil, logger.Named("metrics"))
	online := hostsignal.NewFlag(false)
	visible := hostsignal.NewFlag(true)

	// the remote may well be down at startup; that only means we start offline
	prober := probe.NewProber(cloud, online, cfg.ProbeInterval, logger.Named("probe"))
	prober.Check(ctx)

	gw := gateway.New(cloud, local, online, logger.Named("gateway"),
		gateway.WithJournal(journal),
		gateway.WithSchemas(schemas),
		gateway.WithMetrics(m))

	worker := syncworker.New(local, cloud, online, syncworker.Config{
		MaxRetries:     cfg.SyncMaxRetries,
		Backoff:        backoff.New(cfg.SyncBackoffBase, cfg.SyncBackoffMax),
		AttemptTimeout: cfg.SyncAttemptTimeout,
	}, logger.Named("sync"), syncworker.WithJournal(journal), syncworker.WithMetrics(m))
	if _, err := worker.Recover(ctx); err != nil {
		logger.Error("Failed to recover spill journal", zap.Error(err))
	}

	gov := governor.New(governor.Config{
		ConcurrencyCap: cfg.GovernorConcurrency,
		Retries:        cfg.GovernorRetries,
		Backoff:        backoff.New(cfg.GovernorBackoffBase, cfg.GovernorBackoffMax),
		Timeout:        cfg.GovernorTimeout,
	}, visible, logger.Named("governor"), governor.WithMetrics(m))

	var notifier server.Notifier
	if cfg.NotifyURL != "" {
		node, err := id.NewNode(cfg.NodeID)
		if err != nil {
			logger.Fatal("Invalid node id", zap.Error(err), zap.Int64("node_id", cfg.NodeID))
		}
		notifier = notify.NewSender(gov, cfg.NotifyURL, node, logger.Named("notify"))
	}

	go prober.Run(ctx)
	go m.Run(ctx, cfg.MetricsAddr, local, 10*time.Second)
	stopWorker := worker.Start(ctx, syncworker.StartOptions{
		InitialDelay: cfg.SyncInitialDelay,
		Interval:     cfg.SyncInterval,
	})
	defer stopWorker()

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, server.Deps{
		Store:        local,
		Records:      local,
		Remote:       cloud,
		Source:       cloud,
		Worker:       worker,
		Writer:       gw,
		Connectivity: online,
		Visibility:   visible,
		Notifier:     notifier,
		Logger:       logger.Named("http"),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
