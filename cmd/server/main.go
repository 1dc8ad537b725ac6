package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yegors/sessionpay/internal/api"
	"github.com/yegors/sessionpay/internal/authority"
	"github.com/yegors/sessionpay/internal/chain"
	"github.com/yegors/sessionpay/internal/config"
	"github.com/yegors/sessionpay/internal/custody"
	"github.com/yegors/sessionpay/internal/events"
	"github.com/yegors/sessionpay/internal/facilitator"
	"github.com/yegors/sessionpay/internal/gate"
	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/internal/lock"
	"github.com/yegors/sessionpay/internal/orchestrator"
	"github.com/yegors/sessionpay/internal/settlement"
	"github.com/yegors/sessionpay/internal/storage/postgres"
	"github.com/yegors/sessionpay/internal/storage/sqlite"
	"github.com/yegors/sessionpay/internal/withdrawal"
	"github.com/yegors/sessionpay/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

// store is what both ledger backends provide
type store interface {
	ledger.Store
	ledger.KeyStore
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting sessionpay server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to open ledger", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	keys, err := custody.NewKeystore(db, cfg.Custody.Passphrase, custody.KDFParams{
		Salt:      cfg.KDFSaltBytes(),
		MemoryKiB: cfg.Custody.KDFMemoryKiB,
		Time:      cfg.Custody.KDFTime,
		Threads:   4,
	}, log)
	if err != nil {
		log.Error("Failed to open keystore", logger.Error(err))
		os.Exit(1)
	}
	operator, err := custody.NewStaticSigner(cfg.Custody.OperatorKey)
	if err != nil {
		log.Error("Invalid operator key", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Custody account loaded", logger.String("address", operator.Address()))

	locks, closeLocks, err := openLocker(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create session locker", logger.Error(err))
		os.Exit(1)
	}
	defer closeLocks()

	// Event stream
	hub := events.NewHub(log)
	go hub.Run()

	// Session authority and expiry sweeper
	auth := authority.New(authority.Config{
		CustodyAddress: operator.Address(),
		Budget:         cfg.Session.BudgetAmount,
		PerCallCeiling: cfg.Session.PerCallCeilingAmount,
		Duration:       cfg.SessionDuration(),
	}, db, keys, hub, log)

	var sweeper *authority.Sweeper
	if cfg.Sweeper.Enabled {
		sweeper = authority.NewSweeper(auth, cfg.SweepInterval(), log)
		if err := sweeper.Start(); err != nil {
			log.Error("Failed to start expiry sweeper", logger.Error(err))
			os.Exit(1)
		}
	} else {
		log.Info("Expiry sweeper disabled in configuration")
	}

	// Withdrawal and settlement
	bundler := chain.NewBundler(chain.BundlerConfig{
		URL:                 cfg.Chain.BundlerURL,
		EntryPoint:          cfg.Chain.EntryPoint,
		ChainID:             cfg.Chain.ChainID,
		RequestTimeout:      time.Duration(cfg.Chain.RequestTimeoutSecs) * time.Second,
		PollInterval:        time.Duration(cfg.Chain.PollIntervalMs) * time.Millisecond,
		SponsorshipPolicyID: cfg.Chain.SponsorshipPolicyID,
	}, log)
	executor := withdrawal.NewExecutor(withdrawal.Config{
		TokenAddress:     cfg.Chain.TokenAddress,
		CustodyAddress:   operator.Address(),
		PermissionPeriod: time.Duration(cfg.Session.PermissionPeriodSecs) * time.Second,
		ReceiptTimeout:   cfg.ReceiptTimeout(),
	}, bundler, keys, log)

	fac := facilitator.New(facilitator.Config{
		URL:     cfg.Facilitator.URL,
		Timeout: cfg.FacilitatorTimeout(),
	}, log)
	settler := settlement.New(settlement.Config{
		Network:        cfg.Facilitator.Network,
		RequestTimeout: cfg.FacilitatorTimeout(),
	}, fac, log)

	orch := orchestrator.New(db, locks, executor, settler, operator, hub, log)

	paid, err := paidRoutes(cfg, fac, log)
	if err != nil {
		log.Error("Failed to configure paid routes", logger.Error(err))
		os.Exit(1)
	}

	// Create API router
	router := api.NewRouter(auth, orch, db, hub, api.Options{
		InternalToken:      cfg.Server.InternalToken,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		Version:            Version,
		PaidRoutes:         paid,
	}, log)
	if cfg.Server.InternalToken == "" {
		log.Warn("No internal token configured, debit and fulfil endpoints reject every request")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	// Drain in-flight requests before stopping background services
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.String("addr", server.Addr), logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete", logger.String("addr", server.Addr))
	}

	if sweeper != nil {
		log.Info("Stopping expiry sweeper...")
		if err := sweeper.Stop(); err != nil {
			log.Error("Error stopping expiry sweeper", logger.Error(err))
		}
	}

	log.Info("Stopping event hub...")
	hub.Stop()

	cancel()
	log.Info("Server fully stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			DSN:      cfg.Storage.PostgresDSN,
			MaxConns: cfg.Storage.PostgresMaxConns,
		}, log)
	default:
		return sqlite.Open(cfg.Storage.SQLitePath, log)
	}
}

func openLocker(ctx context.Context, cfg *config.Config, log *logger.Logger) (lock.Locker, func(), error) {
	if cfg.Locking.Type != "redis" {
		return lock.NewMemory(), func() {}, nil
	}
	r, err := lock.NewRedis(ctx, lock.RedisConfig{
		Addr:     cfg.Locking.RedisAddr,
		Password: cfg.Locking.RedisPassword,
		DB:       cfg.Locking.RedisDB,
		Prefix:   cfg.Locking.Prefix,
		TTL:      time.Duration(cfg.Locking.TTLSecs) * time.Second,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return r, func() {
		if err := r.Close(); err != nil {
			log.Warn("Error closing redis locker", logger.Error(err))
		}
	}, nil
}

func paidRoutes(cfg *config.Config, fac gate.Facilitator, log *logger.Logger) ([]api.PaidRoute, error) {
	if !cfg.Gate.Enabled {
		return nil, nil
	}
	g := gate.New(gate.Config{
		Network:           cfg.Facilitator.Network,
		PayTo:             cfg.Gate.PayTo,
		Asset:             cfg.Gate.Asset,
		AssetName:         cfg.Gate.AssetName,
		AssetVersion:      cfg.Gate.AssetVersion,
		MaxTimeoutSeconds: cfg.Gate.MaxTimeoutSeconds,
	}, fac, log)

	routes := make([]api.PaidRoute, 0, len(cfg.Gate.Routes))
	for _, r := range cfg.Gate.Routes {
		upstream, err := url.Parse(r.Upstream)
		if err != nil {
			return nil, fmt.Errorf("gate route %s: invalid upstream: %w", r.Path, err)
		}
		mw, err := g.Require(gate.Route{Price: r.Price, Description: r.Description, MimeType: r.MimeType})
		if err != nil {
			return nil, fmt.Errorf("gate route %s: %w", r.Path, err)
		}
		routes = append(routes, api.PaidRoute{Path: r.Path, Upstream: upstream, Gate: mw})
	}
	return routes, nil
}
