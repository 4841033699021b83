package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"school-messaging/internal/api"
	"school-messaging/internal/auth"
	"school-messaging/internal/bridge"
	"school-messaging/internal/config"
	"school-messaging/internal/dispatch"
	"school-messaging/internal/manager"
	"school-messaging/internal/messaging"
	"school-messaging/internal/metrics"
	"school-messaging/internal/model"
	"school-messaging/internal/session"
	"school-messaging/internal/storage"
)

const queueDepthInterval = 10 * time.Second

// backend is everything the process needs from persistence.
type backend interface {
	session.Store
	dispatch.QuotaGate
	dispatch.Journal
	dispatch.QuotaLimiter
	manager.Partitioner
	ListMessagesPaginated(ctx context.Context, tenantID, cursor string, limit int) ([]model.Message, string, error)
	QuotaUsage(ctx context.Context, tenantID string) (*model.QuotaUsage, error)
}

// @title School Messaging Session API
// @version 1.0
// @description Per-tenant chat-network session lifecycle and quota-gated messaging
// @host localhost:8080
// @BasePath /
// @schemes http

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded")
	}

	// Init Metrics
	metrics.Init()

	// Load Configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setupLogging(cfg)
	log.Info("Configuration loaded")

	authority := auth.NewAuthority(cfg.Auth.JWTSecret)

	// Init persistence
	var store backend
	if cfg.Database.URL == "" {
		log.Warn("No database configured, sessions and quotas are kept in memory")
		store = storage.NewMemory()
	} else {
		db, err := storage.NewStorage(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to init DB: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(context.Background()); err != nil {
			log.Fatalf("Failed to migrate DB: %v", err)
		}
		log.Info("PostgreSQL connected")
		store = db
	}

	if err := dispatch.ApplyQuotaLimits(context.Background(), store, cfg.Dispatch.QuotaLimits); err != nil {
		log.Fatalf("Failed to apply quota limits: %v", err)
	}

	// Init session registry
	factory := bridge.NewFactory(bridge.Config{
		URL:            cfg.Bridge.URL,
		CredentialsDir: cfg.Session.CredentialsDir,
		DialTimeout:    cfg.Bridge.DialTimeout,
		RequestTimeout: cfg.Bridge.RequestTimeout,
	})
	registry := session.NewRegistry(store, factory, session.Options{
		PairingTimeout: cfg.Session.PairingTimeout,
		DestroyTimeout: cfg.Session.DestroyTimeout,
		Reconnect: session.ReconnectPolicy{
			Exponential: cfg.Reconnect.Policy == "exponential",
			Delay:       cfg.Reconnect.Delay,
			MaxDelay:    cfg.Reconnect.MaxDelay,
		},
		Encoder:  session.QRDataURL,
		Approver: session.NewApprovedSet(cfg.Session.ApprovedTenants),
	})

	// Init dispatch
	sender := dispatch.NewService(registry, dispatch.Options{
		CountryCode:   cfg.CountryCode,
		AddressSuffix: cfg.Dispatch.AddressSuffix,
		SendTimeout:   cfg.Dispatch.SendTimeout,
	})
	gated := dispatch.NewGated(sender, store, store, cfg.Dispatch.BroadcastConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init RabbitMQ
	var (
		queue api.Queue
		tm    *manager.TenantManager
	)
	if cfg.RabbitMQ.URL == "" {
		log.Warn("No RabbitMQ configured, queued broadcasts are disabled")
	} else {
		rabbitClient, err := messaging.NewRabbitClient(cfg.RabbitMQ.URL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer rabbitClient.Close()
		log.Info("RabbitMQ connected")

		tm = manager.NewTenantManager(rabbitClient.GetConnection(), rabbitClient, store, gated, cfg.Workers, cfg.Dispatch.SendTimeout*2)
		queue = tm

		// Start background loop for updating queue depth metrics
		go func() {
			ticker := time.NewTicker(queueDepthInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for _, tenantID := range tm.ListTenantIDs() {
						rabbitClient.UpdateQueueDepth(tenantID)
					}
				}
			}
		}()
	}

	// Recover existing sessions
	if err := registry.Restore(ctx); err != nil {
		log.WithError(err).Error("Failed to restore messaging sessions")
	}
	if tm != nil {
		for _, tenantID := range registry.Tenants() {
			if err := tm.AddTenant(ctx, tenantID); err != nil {
				log.WithError(err).WithField("tenant", tenantID).Warn("Failed to recover outbound pipeline")
			}
		}
	}

	// Init API
	apiHandler := api.NewAPI(registry, gated, queue, store, store, authority)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiHandler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done() // Wait for interrupt signal
	log.Info("Shutdown initiated...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.DestroyTimeout+5*time.Second)
	defer cancel()

	// Stop HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown error")
	}

	// Stop all tenant consumers
	if tm != nil {
		tm.ShutdownAll()
	}

	// Release live connections, keeping persisted status for the next start
	if err := registry.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Session shutdown incomplete")
	}

	log.Info("Graceful shutdown complete")
}

func setupLogging(cfg *config.Config) {
	if cfg.Log.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.WithError(err).Warnf("Unknown log level %q, using info", cfg.Log.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
