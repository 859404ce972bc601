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
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/config"
	cronrunner "rebalancer/internal/cron"
	"rebalancer/internal/db"
	"rebalancer/internal/handler"
	"rebalancer/internal/investment"
	"rebalancer/internal/logger"
	"rebalancer/internal/notify"
	"rebalancer/internal/rebalance"
	gormrepository "rebalancer/internal/repository/gorm"
	"rebalancer/internal/trigger"
)

func main() {
	cfgPath := os.Getenv("RB_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("RB_ENV_ONLY"); envOnlyRaw != "" {
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

	investHTTP := &http.Client{Timeout: cfg.Investment.Timeout}
	investClient := investment.NewClient(investHTTP, cfg.Investment.BaseURL, cfg.Investment.APIKey)
	notifier := initNotifier(cfg.Notify, logger)
	store := gormrepository.New(dbConn.Gorm)

	orchestrator := &rebalance.Orchestrator{
		Repo:       store,
		Investment: investClient,
		Logger:     logger,
		Config: rebalance.Config{
			DefaultDriftThreshold: cfg.Rebalance.DefaultDriftThreshold,
			MinTradeValue:         cfg.Rebalance.MinTradeValue,
			AutoExecute:           cfg.Rebalance.AutoExecute,
		},
	}
	// A nil *notify.Client stored in the interface would dodge the
	// orchestrator's nil check; only set it when notifications are on.
	if notifier != nil {
		orchestrator.Notifier = notifier
	}

	dispatcher := trigger.New(orchestrator, logger, trigger.Config{
		QueueSize:          cfg.Dispatcher.QueueSize,
		Workers:            cfg.Dispatcher.Workers,
		ComputeMaxAttempts: cfg.Dispatcher.ComputeMaxAttempts,
		DepositThreshold:   decimal.NewFromFloat(cfg.Dispatcher.DepositThreshold),
		DriftThreshold:     cfg.Rebalance.DefaultDriftThreshold,
	})

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	rebalanceHandler := &handler.RebalanceHandler{
		Engine:   orchestrator,
		Deposits: dispatcher,
		Repo:     store,
	}
	rebalanceHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Sweep.Enabled {
		sweep := &trigger.Sweep{
			Engine:         orchestrator,
			Users:          investClient,
			Logger:         logger,
			DriftThreshold: cfg.Sweep.DriftThreshold,
		}
		if _, err := cronRunner.Add(cfg.Sweep.Spec, sweep.Run); err != nil {
			logger.Warn("cron register sweep failed", zap.Error(err))
		}
	}
	if cfg.Cleanup.Enabled {
		maxAge := cfg.Cleanup.MaxAge
		_, err := cronRunner.Add(cfg.Cleanup.Spec, func(ctx context.Context) {
			cutoff := time.Now().UTC().Add(-maxAge)
			n, err := store.DeleteTerminalRunsBefore(ctx, cutoff)
			if err != nil {
				logger.Warn("run retention cleanup failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("deleted old rebalance runs", zap.Int64("count", n))
			}
		})
		if err != nil {
			logger.Warn("cron register cleanup failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	errCh := make(chan error, 2)

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
	dispatcher.Stop()
}

func initNotifier(cfg config.NotifyConfig, logger *zap.Logger) *notify.Client {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		if logger != nil {
			logger.Info("notify base url empty, notifications disabled")
		}
		return nil
	}
	return &notify.Client{
		BaseURL: base,
		APIKey:  cfg.APIKey,
		HTTP:    &http.Client{Timeout: cfg.Timeout},
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
