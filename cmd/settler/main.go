package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"predictstake/internal/chain"
	"predictstake/internal/config"
	cronrunner "predictstake/internal/cron"
	"predictstake/internal/db"
	"predictstake/internal/handler"
	"predictstake/internal/logger"
	"predictstake/internal/oracle"
	gormrepository "predictstake/internal/repository/gorm"
	"predictstake/internal/settle"
	"predictstake/internal/stakes"
)

func main() {
	cfgPath := os.Getenv("PS_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("PS_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	evmClient, err := chain.Dial(cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatal("rpc dial failed", zap.Error(err))
	}
	defer evmClient.Close()

	ledger, err := chain.NewLedger(evmClient, cfg.Chain, logger)
	if err != nil {
		logger.Fatal("ledger init failed", zap.Error(err))
	}

	chainlink, err := oracle.NewChainlinkSource(evmClient, cfg.Oracles.Chainlink, cfg.App.Network, logger)
	if err != nil {
		logger.Fatal("chainlink source init failed", zap.Error(err))
	}
	binanceFeed, err := oracle.NewBinanceFeedSource(evmClient, cfg.Oracles.BinanceFeed, cfg.App.Network, logger)
	if err != nil {
		logger.Fatal("binance feed source init failed", zap.Error(err))
	}
	geckoHTTP := &http.Client{Timeout: cfg.Oracles.CoinGecko.Timeout}
	coinGecko := oracle.NewCoinGeckoSource(geckoHTTP, cfg.Oracles.CoinGecko, logger)

	// Each settlement pass gets its own resolver so the price cache is
	// scoped to the pass and every pass starts from live quotes.
	newResolver := func() settle.PriceResolver {
		return &oracle.Resolver{
			Sources:       []oracle.Source{chainlink, binanceFeed, coinGecko},
			Cache:         oracle.NewCache(cfg.Oracles.CacheTTL),
			Logger:        logger,
			RetryCooldown: cfg.Oracles.CoinGecko.RateCooldown,
		}
	}

	store := gormrepository.New(dbConn.Gorm)
	stakeRepo := &stakes.Repository{Ledger: ledger, Logger: logger}
	engine := &settle.Engine{
		Stakes:      stakeRepo,
		NewResolver: newResolver,
		Ledger:      ledger,
		Store:       store,
		Logger:      logger,
		Config:      cfg.Settlement,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(router)
	passHandler := &handler.PassHandler{Repo: store, Logger: logger}
	if cfg.Settlement.Enabled {
		passHandler.Runner = engine
	}
	passHandler.Register(router)
	oracleHandler := &handler.OracleHandler{Repo: store}
	oracleHandler.Register(router)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Settlement.Enabled {
		_, err = cronRunner.Add(cfg.Settlement.Schedule, func(ctx context.Context) {
			summary, err := engine.RunOnce(ctx, "scheduled")
			if err != nil {
				logger.Warn("scheduled settlement pass failed", zap.Error(err))
				return
			}
			logger.Info("scheduled settlement pass done",
				zap.Int("eligible", summary.Eligible),
				zap.Int("resolved", summary.Resolved),
				zap.Int("failed", summary.Failed),
				zap.Int("skipped", summary.Skipped),
			)
		})
		if err != nil {
			logger.Fatal("cron register settlement failed", zap.Error(err))
		}
	} else {
		logger.Info("settlement disabled; serving ops API only")
	}

	if retention := cfg.Oracles.SnapshotRetention; retention > 0 {
		_, err = cronRunner.Add("@every 6h", func(ctx context.Context) {
			n, err := store.DeleteOldPriceSnapshots(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				logger.Warn("snapshot cleanup failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("deleted old price snapshots", zap.Int64("count", n))
			}
		})
		if err != nil {
			logger.Warn("cron register snapshot cleanup failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	if cfg.Settlement.Enabled && cfg.Settlement.RunOnStart {
		go func() {
			summary, err := engine.RunOnce(ctx, "startup")
			if err != nil {
				logger.Warn("startup settlement pass failed", zap.Error(err))
				return
			}
			logger.Info("startup settlement pass done",
				zap.Int("eligible", summary.Eligible),
				zap.Int("resolved", summary.Resolved),
				zap.Int("failed", summary.Failed),
			)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
