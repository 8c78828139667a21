package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mailmind/mailsync/internal/api"
	"github.com/mailmind/mailsync/internal/auth"
	"github.com/mailmind/mailsync/internal/config"
	"github.com/mailmind/mailsync/internal/mailclient"
	"github.com/mailmind/mailsync/internal/mailclient/gmail"
	"github.com/mailmind/mailsync/internal/mailclient/graph"
	"github.com/mailmind/mailsync/internal/store"
	"github.com/mailmind/mailsync/internal/syncer"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("service exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// runCtx bounds every sync run; cancelling it stops runs at the next
	// page boundary during shutdown.
	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()

	db, err := store.Open(runCtx, cfg.DB, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var events *syncer.NATSPublisher
	if cfg.NATS.URL != "" {
		events, err = syncer.NewNATSPublisher(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("connect event broker: %w", err)
		}
		defer events.Close()
	} else {
		logger.Warn("NATS URL not configured, lifecycle events disabled")
	}

	var dedupe *syncer.Deduper
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		dedupe = syncer.NewDeduper(rdb, cfg.Sync.DedupeTTL, logger)
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWKSURL != "" {
		verifier, err = auth.NewJWTVerifier(cfg.Auth.JWKSURL)
		if err != nil {
			return fmt.Errorf("init JWT verifier: %w", err)
		}
	} else {
		logger.Warn("JWKS URL not configured, caller auth disabled")
	}

	tokens := auth.NewTokenClient(cfg.Auth.TokenServiceURL)

	factory := func(ctx context.Context, runCfg syncer.Config) (mailclient.Client, error) {
		switch auth.Provider(runCfg.Provider) {
		case auth.ProviderMicrosoft:
			return graph.New(tokens, runCfg.UserID, runCfg.IncludeAttachments)
		case auth.ProviderGoogle:
			return gmail.New(ctx, tokens, runCfg.UserID)
		default:
			return nil, fmt.Errorf("unsupported provider %q", runCfg.Provider)
		}
	}

	registry := syncer.NewRegistry(cfg.Sync.Retention, nil)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				registry.Sweep()
			}
		}
	}()

	var guard syncer.DuplicateGuard
	if dedupe != nil {
		guard = dedupe
	}
	var publisher syncer.EventPublisher
	if events != nil {
		publisher = events
	}

	orch := syncer.NewOrchestrator(tokens, factory, db, registry, publisher, guard, logger, syncer.Options{
		PageSize:        cfg.Sync.PageSize,
		PageDelay:       cfg.Sync.PageDelay,
		MaxErrorDetails: cfg.Sync.MaxErrorDetails,
	})

	var broker api.ConnChecker
	if events != nil {
		broker = events
	}
	server := api.NewServer(runCtx, orch, verifier, db, broker, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("port", cfg.Server.Port))
		errCh <- server.Run(cfg.Server.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	// stop in-flight runs cooperatively and wait for them to record results
	stopRuns()
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("timed out waiting for runs to finish")
	}

	return nil
}
