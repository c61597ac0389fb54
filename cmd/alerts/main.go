package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricealerts/internal/cache"
	"pricealerts/internal/config"
	"pricealerts/internal/database"
	"pricealerts/internal/handlers"
	"pricealerts/internal/logger"
	"pricealerts/internal/notify"
	"pricealerts/internal/tracing"

	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.InitLogger()
		logger.Log.Fatal("Invalid configuration", zap.Error(err))
	}

	port := flag.String("port", cfg.Port, "Port for alerts service")
	instance := flag.String("instance", cfg.Instance, "Instance ID for this server")
	migrate := flag.Bool("migrate", false, "Create the schema on startup")
	flag.Parse()

	logger.InitLoggerWithOptions(logger.Options{
		Level:      cfg.LogLevel,
		Production: cfg.IsProduction(),
		FilePath:   cfg.LogFile,
	})
	defer logger.Sync()

	shutdownTracer, err := tracing.InitTracer("price-alerts-api")
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer store.Close()
	if *migrate {
		if err := store.Migrate(ctx); err != nil {
			logger.Log.Fatal("Failed to migrate schema", zap.Error(err))
		}
	}

	rc, err := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rc.Close()

	sub, err := rc.Subscribe(ctx, notify.AlertsChannel)
	if err != nil {
		logger.Log.Fatal("Failed to subscribe to alerts", zap.Error(err))
	}
	defer sub.Close()

	hub := handlers.NewAlertHub()
	go hub.Run(ctx, sub)

	mux := http.NewServeMux()
	handlers.NewInstrumentsAPI(store, rc, *instance).Register(mux)
	mux.Handle("GET /alerts/stream", hub)
	mux.Handle("GET /metrics", promhttp.Handler())

	limiter := redis_rate.NewLimiter(rc.Redis())
	srv := &http.Server{
		Addr:    ":" + *port,
		Handler: handlers.RateLimit(limiter, cfg.RateLimit, mux),
		// open streams end when the process is signalled
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("Alerts service starting", zap.String("port", *port), zap.String("instance", *instance))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal("Alerts service failed", zap.Error(err))
	}
	logger.Log.Info("Alerts service stopped")
}
