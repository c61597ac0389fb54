package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricealerts/internal/cache"
	"pricealerts/internal/config"
	"pricealerts/internal/database"
	"pricealerts/internal/logger"
	"pricealerts/internal/notify"
	"pricealerts/internal/quote"
	"pricealerts/internal/tracing"
	"pricealerts/internal/tracker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.InitLogger()
		logger.Log.Fatal("Invalid configuration", zap.Error(err))
	}

	env := flag.String("env", cfg.Env, "Deployment environment; anything but prod marks messages as test")
	interval := flag.Duration("interval", cfg.PollInterval, "Polling interval; 0 runs a single cycle and exits")
	migrate := flag.Bool("migrate", false, "Create the schema before polling")
	metricsAddr := flag.String("metrics", cfg.MetricsAddr, "Address for the Prometheus metrics endpoint; empty disables it")
	flag.Parse()

	logger.InitLoggerWithOptions(logger.Options{
		Level:      cfg.LogLevel,
		Production: config.IsProductionEnv(*env),
		FilePath:   cfg.LogFile,
	})
	defer logger.Sync()

	shutdownTracer, err := tracing.InitTracer("price-level-tracker")
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	store, err := database.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Log.Fatal("Failed to open tracking store", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrate {
		if err := store.Migrate(ctx); err != nil {
			logger.Log.Fatal("Failed to migrate schema", zap.Error(err))
		}
	}

	var crypto quote.Provider
	if cfg.CryptoProvider == "coinbase" {
		crypto = quote.NewCoinbaseProvider(cfg.CoinbaseWSURL)
	}
	fetcher := quote.NewFetcher(quote.NewYahooProvider(cfg.YahooBaseURL), crypto, cfg.CryptoFiat, cfg.QuoteTimeout)

	transports := map[string]notify.Transport{}
	if cfg.SMSWebhookURL != "" {
		transports[notify.ChannelSMS] = notify.NewWebhookTransport(cfg.SMSWebhookURL)
	}
	if cfg.PushWebhookURL != "" {
		transports[notify.ChannelPush] = notify.NewWebhookTransport(cfg.PushWebhookURL)
	}
	if cfg.SMTPHost != "" {
		transports[notify.ChannelEmail] = notify.NewEmailTransport(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)
	}
	if cfg.KafkaBrokers != "" {
		kt, err := notify.NewKafkaTransport(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Log.Fatal("Failed to create Kafka transport", zap.Error(err))
		}
		defer kt.Close()
		transports[notify.ChannelKafka] = kt
	}

	opts := notify.Options{
		Production: config.IsProductionEnv(*env),
		Timeout:    cfg.SendTimeout,
		ClaimTTL:   cfg.DedupeTTL,
	}
	if cfg.RedisAddr != "" {
		rc, err := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			// alerts still go out, just without cross-cycle dedupe or the live stream
			logger.Log.Warn("Redis unavailable, continuing without delivery claims", zap.Error(err))
		} else {
			defer rc.Close()
			opts.Claimer = rc
			transports[notify.ChannelStream] = notify.NewStreamTransport(rc)
		}
	}

	directory, err := buildDirectory(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to load contacts", zap.Error(err))
	}

	t := tracker.New(store, fetcher, notify.NewDispatcher(transports, opts), directory, tracker.Options{
		PageSize:     cfg.PageSize,
		Concurrency:  cfg.Concurrency,
		StoreTimeout: cfg.StoreTimeout,
	})

	logger.Log.Info("Tracker configured",
		zap.String("env", *env),
		zap.String("db_driver", cfg.DBDriver),
		zap.Int("transports", len(transports)),
		zap.Duration("interval", *interval),
	)

	if *interval == 0 {
		report, err := t.RunCycle(ctx)
		if err != nil {
			logger.Log.Fatal("Polling cycle failed", zap.Error(err))
		}
		if report.Status != tracker.StatusSuccess {
			for _, f := range report.Failures {
				logger.Log.Warn("Cycle failure", zap.String("failure", f.String()))
			}
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}

		g.Go(func() error {
			logger.Log.Info("Metrics server starting", zap.String("addr", *metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	scheduler := tracker.NewScheduler(t, *interval)
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Log.Error("Tracker exited with error", zap.Error(err))
	}
	logger.Log.Info("Tracker stopped")
}

func buildDirectory(cfg *config.Config) (notify.Directory, error) {
	if cfg.ContactsFile != "" {
		return notify.LoadFileDirectory(cfg.ContactsFile)
	}
	contacts, err := notify.ParseContacts(cfg.DefaultContacts)
	if err != nil {
		return nil, err
	}
	return notify.NewStaticDirectory(contacts), nil
}
