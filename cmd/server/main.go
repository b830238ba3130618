// Package main provides the API server entry point for the wallet ledger service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roi-ledger/internal/adapter"
	"github.com/roi-ledger/internal/api"
	"github.com/roi-ledger/internal/circuitbreaker"
	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/logging"
	"github.com/roi-ledger/internal/ratelimit"
	"github.com/roi-ledger/internal/service"
	"github.com/roi-ledger/internal/storage"
	"github.com/roi-ledger/internal/tax"
)

const (
	slowQueryThreshold = 2 * time.Second
	purgeInterval      = time.Hour
)

func main() {
	fmt.Println("ROI Ledger API Server")
	log.Println("Server starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()
	logger.WithFields(logging.Fields{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
		"chains": cfg.EnabledChains,
	}).Info("Structured logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cache backend
	backend, conns, err := storage.OpenCacheBackend(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open cache backend")
	}
	defer func() {
		if err := conns.Close(); err != nil {
			logger.WithError(err).Warn("Error closing cache connections")
		}
	}()
	cache, err := storage.NewCacheStore(backend,
		storage.WithTTL(storage.PurposeBalances, cfg.Cache.BalancesTTL),
		storage.WithTTL(storage.PurposePrices, cfg.Cache.PricesTTL),
		storage.WithTTL(storage.PurposeTransactions, cfg.Cache.TransactionsTTL),
		storage.WithTTL(storage.PurposeTaxReport, cfg.Cache.TaxReportTTL),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create cache store")
	}
	if conns.Postgres != nil {
		go purgeExpired(ctx, storage.NewPostgresBackend(conns.Postgres, cfg.Cache.StaleRetention), logger)
	}
	logger.WithField("backend", cfg.Cache.Backend).Info("Cache backend ready")

	// Admission control
	limitCfg := ratelimit.LoadFromEnv()
	limiter, err := ratelimit.NewLimiter(limitCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create provider limiter")
	}
	monitor, err := ratelimit.NewHealthMonitor(limiter, limitCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create limiter health monitor")
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	// Sources
	sources, balances := buildSources(cfg, logger)
	if len(sources) == 0 {
		logger.Warn("No transaction source has credentials - only cached data will be served")
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		Threshold: cfg.Fetch.BreakerThreshold,
		Timeout:   cfg.Fetch.BreakerTimeout,
	}, nil)

	fetcherOpts := []service.FetcherOption{
		service.WithBreakers(breakers),
		service.WithFetchDefaults(cfg.Fetch.MaxPages, cfg.Fetch.MaxDuration, cfg.Providers.PreferredSources),
	}

	// Optional ClickHouse archive
	var taxArchive service.TaxEventArchiver
	if cfg.Database.ClickHouse.Enabled {
		db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer db.Close()
		if err := storage.RunClickHouseMigrations(ctx, db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to prepare ClickHouse archive tables")
		}
		archive := storage.NewTransactionArchive(db)
		fetcherOpts = append(fetcherOpts, service.WithArchive(archive))
		taxArchive = archive
		logger.Info("ClickHouse archive enabled")
	}

	fetcher, err := service.NewFetcher(limiter, cache, sources, fetcherOpts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create transaction fetcher")
	}

	var prices *service.PriceService
	if cfg.Providers.CoinGecko.BaseURL != "" {
		oracle := adapter.NewCoinGeckoClient(cfg.Providers.CoinGecko, cfg.Providers.CoinGeckoPerMinute)
		prices = service.NewPriceService(oracle, cache, cfg.Chains, cfg.Cache.HistoricalPriceTTL)
	}

	engine := tax.NewEngine(tax.Config{
		ExemptionDays:    cfg.Tax.ExemptionDays,
		SmallRewardUSD:   cfg.Tax.SmallRewardUSD,
		MinRewardRepeats: cfg.Tax.MinRewardRepeats,
		RewardContracts:  cfg.Tax.RewardContracts,
		Assets:           cfg.Chains,
	})

	queries := service.NewQueryMonitor(slowQueryThreshold)
	portfolioService := service.NewPortfolioService(limiter, cache, fetcher, prices, balances, queries)
	taxService := service.NewTaxService(limiter, cache, fetcher, prices, engine, taxArchive, queries)
	logger.Info("Services initialized")

	serverConfig := api.ServerConfigFrom(cfg.Server)
	server := api.NewServer(serverConfig, api.Deps{
		Portfolio:     portfolioService,
		Tax:           taxService,
		Limiter:       limiter,
		Breakers:      breakers,
		Monitor:       queries,
		Chains:        cfg.Chains,
		EnabledChains: cfg.EnabledChains,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(logging.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

// buildSources creates the adapters that have credentials. Moralis also serves balances.
func buildSources(cfg *config.Config, logger *logging.Logger) ([]adapter.SourceAdapter, []adapter.BalanceSource) {
	var (
		sources  []adapter.SourceAdapter
		balances []adapter.BalanceSource
	)
	providers := cfg.Providers

	if providers.Moralis.Enabled() {
		moralis := adapter.NewMoralisAdapter(providers.Moralis, cfg.Chains)
		sources = append(sources, moralis)
		balances = append(balances, moralis)
	}
	if providers.Etherscan.Enabled() {
		sources = append(sources, adapter.NewEtherscanAdapter(providers.Etherscan, cfg.Chains))
	}
	if providers.Dune.Enabled() {
		sources = append(sources, adapter.NewDuneAdapter(providers.Dune, cfg.Chains))
	}

	for _, src := range sources {
		logger.WithField("source", src.Name()).Info("Transaction source enabled")
	}
	return sources, balances
}

// purgeExpired removes cache rows past their retention until ctx is done.
func purgeExpired(ctx context.Context, backend *storage.PostgresBackend, logger *logging.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := backend.PurgeExpired(ctx)
			if err != nil {
				logger.WithError(err).Warn("Cache purge failed")
				continue
			}
			if n > 0 {
				logger.WithField("rows", n).Debug("Purged expired cache rows")
			}
		}
	}
}
