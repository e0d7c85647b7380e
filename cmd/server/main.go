package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fhe-relay/fhe-relay/internal/api"
	"github.com/fhe-relay/fhe-relay/internal/app"
	"github.com/fhe-relay/fhe-relay/internal/authz"
	"github.com/fhe-relay/fhe-relay/internal/cache"
	"github.com/fhe-relay/fhe-relay/internal/config"
	"github.com/fhe-relay/fhe-relay/internal/engine"
	"github.com/fhe-relay/fhe-relay/internal/eth"
	"github.com/fhe-relay/fhe-relay/internal/keywrap"
	"github.com/fhe-relay/fhe-relay/internal/logger"
	"github.com/fhe-relay/fhe-relay/internal/metrics"
	"github.com/fhe-relay/fhe-relay/internal/middleware"
	"github.com/fhe-relay/fhe-relay/internal/session"
	"github.com/fhe-relay/fhe-relay/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Connect to the chain
	chainClient, err := eth.NewClient(cfg.RPCURL)
	if err != nil {
		slog.Error("failed to connect to RPC", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	slog.Info("connected to chain", "chain_id", chainClient.ChainID())

	// Optional audit trail
	var audit storage.AuditRecorder = storage.NoopAuditRecorder{}
	if cfg.PostgresDSN != "" {
		store, err := storage.New(context.Background(), cfg.PostgresDSN, cfg.PostgresMaxConns, cfg.PostgresMinConns)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		audit = storage.NewAuditRepo(store.DB())
		slog.Info("audit trail enabled")
	}

	// Custody key wrapping
	wrapper, err := keywrap.New(&keywrap.Config{
		Provider:        cfg.KeywrapProvider,
		MasterKeyHex:    cfg.KeywrapMasterKeyHex,
		AWSKMSKeyID:     cfg.AWSKMSKeyID,
		AWSKMSRegion:    cfg.AWSKMSRegion,
		VaultAddress:    cfg.VaultAddress,
		VaultToken:      cfg.VaultToken,
		VaultTransitKey: cfg.VaultTransitKey,
	})
	if err != nil {
		slog.Error("failed to initialize keywrap provider", "error", err)
		os.Exit(1)
	}

	slog.Info("initialized keywrap provider", "provider", wrapper.Name())

	// Crypto engine, initialized lazily on first use
	engineTimeout := time.Duration(cfg.EngineTimeoutSeconds) * time.Second
	lazyEngine := engine.NewLazy(func(ctx context.Context) (engine.Engine, error) {
		return engine.NewRemote(ctx, cfg.EngineURL, engineTimeout)
	})

	// Sessions and authorization. The managers reference each other, so the
	// challenge side binds late.
	sessionStore := session.NewStore(time.Duration(cfg.SessionTTLSeconds) * time.Second)
	defer sessionStore.Close()
	sessionMgr := session.NewManager(sessionStore, wrapper, nil)
	authzMgr := authz.NewManager(lazyEngine, sessionMgr, cfg.PermissionDurationDays)
	sessionMgr.SetChallengeCreator(authzMgr)

	// Decrypted-value cache
	decrypted := cache.NewDecrypted(time.Duration(cfg.DecryptCacheTTLSeconds) * time.Second)

	// Metrics
	m := metrics.New()

	// Relay service
	relay := app.NewRelayService(sessionMgr, authzMgr, lazyEngine, chainClient, decrypted, audit, m)

	// Middleware
	apiKeyAuth := middleware.NewAPIKeyAuth(cfg.APIKeyHashes)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitEnabled)

	// API server
	server := api.NewServer(cfg, relay, apiKeyAuth, rateLimiter, m)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Wait for either server error or shutdown signal
	select {
	case err := <-serverErrors:
		slog.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		slog.Info("received shutdown signal", "signal", sig.String())

		// Create a context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Attempt graceful shutdown
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("error during shutdown", "error", err)
			slog.Warn("forcing shutdown")
		}

		slog.Info("server stopped")
	}
}
