package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sealbid/engine/internal/admin"
	"github.com/sealbid/engine/internal/auth"
	"github.com/sealbid/engine/internal/bidservice"
	"github.com/sealbid/engine/internal/config"
	"github.com/sealbid/engine/internal/gateway"
	"github.com/sealbid/engine/internal/kvlock"
	"github.com/sealbid/engine/internal/lifecycle"
	"github.com/sealbid/engine/internal/logging"
	"github.com/sealbid/engine/internal/metrics"
	"github.com/sealbid/engine/internal/pos"
	"github.com/sealbid/engine/internal/pubsub"
	"github.com/sealbid/engine/internal/settlement"
	"github.com/sealbid/engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		println("fatal: " + err.Error())
		os.Exit(1)
	}

	log, err := logging.New(!cfg.IsProduction())
	if err != nil {
		println("fatal: logger: " + err.Error())
		os.Exit(1)
	}
	defer log.Sync()

	db, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("connect to database", zap.Error(err))
	}
	if err := store.Migrate(db); err != nil {
		log.Fatal("migrate database", zap.Error(err))
	}

	lock, err := kvlock.New(cfg.RedisURL, log)
	if err != nil {
		log.Fatal("connect kvlock redis", zap.Error(err))
	}
	defer lock.Close()

	bus, err := pubsub.New(cfg.RedisURL, log)
	if err != nil {
		log.Fatal("connect pubsub redis", zap.Error(err))
	}
	defer bus.Close()

	var provider pos.Provider = pos.NewMockProvider()
	if cfg.POSChaosEnabled {
		provider = pos.NewChaosProvider(provider, cfg.POSChaosFailureRate, cfg.POSChaosMaxDelay)
		log.Warn("POS chaos provider enabled",
			zap.Float64("failure_rate", cfg.POSChaosFailureRate),
			zap.Duration("max_delay", cfg.POSChaosMaxDelay))
	}
	breaker := pos.NewBreaker(provider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier := auth.NewVerifier(cfg.TokenSigningSecret, cfg.TokenIssuer, cfg.TokenAudience)
	bids := bidservice.New(db, lock, bus, cfg.SniperWindow)
	lifecycleWorker := lifecycle.New(db, lock, bus, log)
	settlementSvc := settlement.NewService(db, breaker, bus, log)
	settlementWorker := settlement.NewWorker(settlementSvc, db, lock, log)
	gw := gateway.New(ctx, verifier, bids, lock, bus,
		store.NewAuctionRepository(db), store.NewParticipantRepository(db), log)
	adminHandlers := admin.New(db, verifier, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lifecycleWorker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		settlementWorker.Run(ctx)
	}()

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.CORSAllowedOrigin},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	router.Get("/healthz", healthzHandler(db, lock))
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	router.Get("/ws", gw.ServeHTTP)
	router.Route("/admin", adminHandlers.Routes)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", zap.Int("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", zap.Error(err))
	}

	wg.Wait()
	log.Info("shutdown complete")
}

func healthzHandler(db *gorm.DB, lock *kvlock.Lock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(db); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db unhealthy"))
			return
		}
		if !lock.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("kv unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
