package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"onix_miner/internal/accounts"
	"onix_miner/internal/admin"
	"onix_miner/internal/api"
	"onix_miner/internal/cache"
	"onix_miner/internal/config"
	"onix_miner/internal/db"
	"onix_miner/internal/live"
	"onix_miner/internal/memtap"
	"onix_miner/internal/mining"
	"onix_miner/internal/monitoring"
	"onix_miner/internal/security"
	"onix_miner/internal/types"
)

// ledger is what both the Postgres store and the in-memory store provide.
type ledger interface {
	mining.Ledger
	mining.ControlLedger
	accounts.Store
	admin.StoreLister
	api.SettingsStore
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

func main() {
	// Загружаем переменные окружения
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	cfg := config.Load()
	eco := cfg.Economy

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализация хранилища
	var (
		store  ledger
		report admin.Reader
	)
	if cfg.DatabaseURL != "" {
		pg, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		pg.EnergyCap = eco.EnergyCap
		store = pg

		rep, err := admin.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: reporting db unavailable, admin listings read the ledger: %v", err)
			report = admin.StoreReader{Store: pg}
		} else {
			defer rep.Close()
			report = rep
		}
	} else {
		log.Printf("DATABASE_URL not set, using the in-memory ledger")
		mem := memtap.New(eco.EnergyCap)
		store = mem
		report = admin.StoreReader{Store: mem}
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Redis: отзыв токенов и снимок статистики
	var statsCache *cache.StatsCache
	gateway := security.NewGateway(cfg.JWTSecret, cfg.JWTTTL, nil)
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: redis disabled: %v", err)
		} else {
			defer rdb.Close()
			gateway = security.NewGateway(cfg.JWTSecret, cfg.JWTTTL, rdb)
			statsCache = cache.NewStatsCache(rdb, 10*eco.TickInterval+time.Minute)
		}
	}

	guardCfg := security.DefaultGuardConfig()
	guardCfg.Rate = cfg.AuthRatePerSec
	guardCfg.Burst = int(cfg.AuthBurst)
	guard := security.NewGuard(guardCfg)

	// Инициализация системы мониторинга
	var metrics *monitoring.PrometheusMetrics
	if cfg.RunMetrics {
		metrics = monitoring.NewPrometheusMetrics(int(cfg.MetricsPort))
		go func() {
			if err := metrics.StartServer(); err != nil && err != http.ErrServerClosed {
				log.Printf("Prometheus server error: %v", err)
			}
		}()
	}

	hubCfg := live.DefaultConfig()
	hubCfg.AllowedOrigins = cfg.CORSOrigins
	hub := live.NewHub(hubCfg, gateway)
	if metrics != nil {
		hub.WithObserver(metrics)
	}

	engine := mining.NewEngine(store, hub, eco)
	if metrics != nil {
		engine.WithRecorder(metrics)
	}
	if statsCache != nil {
		engine.WithSnapshots(statsCache)
	}

	stats := func(ctx context.Context) (types.StatsMessage, bool, error) {
		if cfg.RunEngine {
			return engine.LastStats(), true, nil
		}
		if statsCache != nil {
			return statsCache.LoadStats(ctx)
		}
		return types.StatsMessage{}, false, nil
	}
	hub.WithInitialStats(func() (types.StatsMessage, bool) {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		st, ok, err := stats(sctx)
		return st, ok && err == nil
	})

	if cfg.RunEngine {
		go engine.Run(ctx)
	} else {
		if err := engine.Seed(ctx); err != nil {
			log.Printf("Warning: seed settings: %v", err)
		}
		log.Printf("RUN_ENGINE=false, accrual runs on another replica")
	}

	opts := api.Options{
		Accounts:     accounts.NewService(store, gateway, eco.EnergyCap, cfg.IsAdminEmail),
		Mining:       mining.NewMiningManager(store, eco),
		Sessions:     gateway,
		Guard:        guard,
		Admin:        report,
		Settings:     store,
		Stats:        stats,
		Health:       store.Ping,
		Live:         hub,
		IsAdminEmail: cfg.IsAdminEmail,
		CORSOrigins:  cfg.CORSOrigins,
	}
	if metrics != nil {
		opts.Metrics = metrics
	}
	router := api.NewServer(opts).SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %d (economy %s)", cfg.Port, eco.Version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if metrics != nil {
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown: %v", err)
		}
	}

	log.Println("Server exited")
}
