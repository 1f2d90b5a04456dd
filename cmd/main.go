package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hermes/internal/adapters/config"
	"hermes/internal/adapters/crm"
	"hermes/internal/adapters/errors/noop"
	"hermes/internal/adapters/errors/sentry"
	redisadapter "hermes/internal/adapters/redis"
	"hermes/internal/adapters/telegram"
	"hermes/internal/metrics"
	redisrepo "hermes/internal/repository/redis"
	"hermes/internal/services/lookup"
	sessionsvc "hermes/internal/services/session"
	"hermes/internal/workers"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()
	log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	// Initialize error tracker
	errorTracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(errorTracker)

	// Connect to Redis; the process is useless without it
	store, err := redisadapter.NewClient(cfg.Redis, cfg.Cache.DefaultTTL, log)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()

	// Repositories
	sessionRepo := redisrepo.NewSessionRepository(store, log)

	// Telegram bot and notifications (optional; without a token the bot
	// runs headless and notices are dropped)
	var notifier sessionsvc.Notifier
	bot := initTelegramBot(cfg, log)
	if bot != nil {
		notifier = telegram.NewNotificationService(bot, log)
	}

	// Services
	sessions := sessionsvc.NewService(sessionRepo, notifier, cfg.Session.DefaultTTL, cfg.Session.AuthTTL, log)
	lookups := initLookupService(cfg, store, log)

	// Background workers
	scheduler := workers.NewScheduler()
	scheduler.RegisterWorker(workers.NewSessionSweeperWorker(
		sessions,
		notifier,
		cfg.Session.SweepInterval,
		cfg.Session.SweepEnabled,
	))

	log.Info("System initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start(ctx)

	metricsServer := startMetricsServer(cfg, store, sessions, lookups, log)

	waitForShutdown(ctx, cancel, scheduler, metricsServer, errorTracker, log)
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}

// initTelegramBot initializes the Telegram bot, nil when no token is set
func initTelegramBot(cfg *config.Config, log *logger.Logger) *telegram.Bot {
	if cfg.Telegram.BotToken == "" {
		log.Warn("No Telegram token configured, notifications disabled")
		return nil
	}

	bot, err := telegram.NewBot(telegram.Config{
		Token:          cfg.Telegram.BotToken,
		Debug:          cfg.Telegram.Debug,
		HTTPTimeout:    cfg.Telegram.Timeout,
		RateLimitRate:  cfg.Telegram.RateLimitRate,
		RateLimitBurst: cfg.Telegram.RateLimitBurst,
	}, log)
	if err != nil {
		log.Warnf("Failed to create Telegram bot, notifications disabled: %v", err)
		return nil
	}

	log.Info("Telegram bot initialized")
	return bot
}

// initLookupService wires the cached CRM lookup service when a backend is
// configured, nil otherwise.
func initLookupService(cfg *config.Config, store *redisadapter.Client, log *logger.Logger) *lookup.Service {
	if cfg.CRM.BaseURL == "" {
		log.Info("No CRM backend configured, lookups disabled")
		return nil
	}

	api := crm.NewClient(cfg.CRM, log)
	svc := lookup.NewService(
		store,
		api,
		cfg.Cache.OrderTTL,
		cfg.Cache.UserTTL,
		int64(cfg.CRM.ComplaintsPerDay),
		log,
	)

	log.Info("Lookup service initialized")
	return svc
}

// startMetricsServer serves the Prometheus endpoint plus health, session
// stats and the forced cache refresh, nil when disabled.
func startMetricsServer(cfg *config.Config, store *redisadapter.Client, sessions *sessionsvc.Service, lookups *lookup.Service, log *logger.Logger) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Health(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := sessions.GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			log.Warnf("Failed to encode stats: %v", err)
		}
	})
	if lookups != nil {
		mux.HandleFunc("/refresh/orders", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			dropped := lookups.RefreshOrders(r.Context())
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(map[string]int64{"dropped": dropped}); err != nil {
				log.Warnf("Failed to encode refresh result: %v", err)
			}
		})
	}

	srv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: mux,
	}

	go func() {
		log.Infof("Metrics server listening on %s", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server error: %v", err)
		}
	}()

	return srv
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, scheduler *workers.Scheduler, metricsServer *http.Server, errorTracker errors.Tracker, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("Shutting down...")

	cancel()

	if err := scheduler.Stop(); err != nil {
		log.Warnf("Scheduler shutdown: %v", err)
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Metrics server shutdown: %v", err)
		}
	}

	if errorTracker != nil {
		if err := errorTracker.Flush(ctx); err != nil {
			log.Warnf("Failed to flush error tracker: %v", err)
		}
	}

	log.Info("Shutdown complete")
}
