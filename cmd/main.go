package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mwangikbr/dukapay-gobackend/internal/cache"
	"github.com/mwangikbr/dukapay-gobackend/internal/config"
	"github.com/mwangikbr/dukapay-gobackend/internal/db"
	"github.com/mwangikbr/dukapay-gobackend/internal/handlers"
	"github.com/mwangikbr/dukapay-gobackend/internal/logging"
	"github.com/mwangikbr/dukapay-gobackend/internal/models"
	"github.com/mwangikbr/dukapay-gobackend/internal/providers"
	"github.com/mwangikbr/dukapay-gobackend/internal/retry"
	"github.com/mwangikbr/dukapay-gobackend/internal/services"
	"github.com/mwangikbr/dukapay-gobackend/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New("dukapay", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logging.Sync(log)
	cfg.Log(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := db.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatal("failed to connect to MongoDB", zap.Error(err))
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			log.Warn("error disconnecting from MongoDB", zap.Error(err))
		}
	}()
	log.Info("connected to MongoDB")

	database := client.Database(cfg.MongoDatabase)
	txStore := store.NewMongoStore(database, log)
	if err := txStore.EnsureIndexes(ctx); err != nil {
		log.Fatal("failed to ensure indexes", zap.Error(err))
	}

	var processed cache.ProcessedStore
	if cfg.Redis.Addr != "" {
		redisStore := cache.NewRedisProcessedStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := redisStore.Ping(ctx); err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		processed = redisStore
		log.Info("callback dedup backed by redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		processed = cache.NewMemoryProcessedStore()
		log.Info("callback dedup backed by in-process store")
	}

	tokenRetryer := retry.New(3, 2*time.Second, log)
	tokens := providers.NewTokenCache(tokenRetryer, 30*time.Second, log,
		providers.NewMpesaTokenSource(cfg.Mpesa),
		providers.NewPesapalTokenSource(cfg.Pesapal),
	)

	mpesa := providers.NewMpesaAdapter(cfg.Mpesa, tokens,
		retry.New(3, 2*time.Second, log).WithBreaker("mpesa"), log)
	pesapal := providers.NewPesapalAdapter(cfg.Pesapal, tokens,
		retry.New(3, 2*time.Second, log).WithBreaker("pesapal"), log)

	paymentService := services.NewPaymentService(
		txStore,
		map[models.Provider]providers.Adapter{
			models.ProviderMobileMoney:    mpesa,
			models.ProviderHostedCheckout: pesapal,
		},
		services.NewMongoOrderGateway(database, log),
		processed,
		cfg.DefaultCurrency,
		cfg.Currencies,
		log,
	)

	go paymentService.RunExpirySweep(ctx, cfg.SweepInterval, cfg.PendingTTL)

	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")
	handlers.NewPaymentHandler(paymentService, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("server running", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
