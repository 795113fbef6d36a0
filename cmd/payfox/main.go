package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/attribution"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/eventstore"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/lifecycle"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
	"github.com/ManuelReschke/PayFox/internal/pkg/purchase"
	"github.com/ManuelReschke/PayFox/internal/pkg/router"
	"github.com/ManuelReschke/PayFox/internal/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[PayFox] server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("[PayFox] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warnf("[PayFox] HTTP shutdown: %v", err)
	}
	manager.Stop()
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	rdb := cache.GetClient()
	tm := telemetry.New()

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/payfox to project root
		"../../../", // Fallback
	}

	// Find the correct base path
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	// domain services
	store := eventstore.NewStore(db, eventstore.WithIPSalt(env.GetEnv("ANALYTICS_IP_SALT", "")))
	billingSvc := billing.NewServiceFromDB(db)
	recorder := purchase.NewRecorder(store, attribution.NewResolver(db, store))
	machine := lifecycle.New(
		lifecycle.NewRepository(db),
		billingSvc,
		recorder,
		notify.NewDispatcherFromEnv(),
		lifecycle.WithGateway(models.BillingProviderStripe, billing.NewStripeClientFromEnv()),
		lifecycle.WithDunning(lifecycle.DunningConfigFromEnv()),
	)

	queue := jobqueue.NewQueue(rdb, env.GetEnvInt("JOB_QUEUE_WORKERS", 4))
	manager := jobqueue.NewManager(queue, billingSvc, jobqueue.NewInboxProcessor(billingSvc, machine, tm),
		env.GetEnvMillis("WEBHOOK_INBOX_SWEEP_INTERVAL_MS", jobqueue.DefaultInboxSweepInterval))

	metricOpts := []metrics.Option{
		metrics.WithSnapshots(cache.NewStore(rdb)),
		metrics.WithTelemetry(tm),
	}
	if spend, ok := metrics.AdSpendFromEnv(); ok {
		metricOpts = append(metricOpts, metrics.WithAdSpend(spend))
	}
	metricsSvc := metrics.NewService(db, store, metricOpts...)

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:         1 << 20,
		EnablePrintRoutes: env.IsDev(),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber runtime monitor
	if pass := env.GetEnv("MONITOR_PASSWORD", ""); pass != "" {
		app.Get("/monitor", basicauth.New(basicauth.Config{
			Users: map[string]string{
				env.GetEnv("MONITOR_USER", "admin"): pass,
			},
		}), monitor.New())
	}

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Collect:  controllers.NewCollectController(store, tm),
		Webhooks: controllers.NewWebhookController(billingSvc, queue, controllers.WebhookVerifiersFromEnv(), tm),
		Metrics:  controllers.NewAdminMetricsController(metricsSvc),
		Inbox:    controllers.NewAdminInboxController(billingSvc, queue, queue),
		Health: controllers.NewHealthController(map[string]controllers.HealthCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"cache":  func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"events": store.EnsureReady,
		}),
		Telemetry:      tm,
		JWTSecret:      env.GetEnv("JWT_SECRET", ""),
		AdminToken:     env.GetEnv("ADMIN_API_TOKEN", ""),
		APIKeys:        db,
		LimiterStorage: router.NewLimiterStorage(rdb),
		CollectLimit:   router.LimitFromEnv("COLLECT", router.LimitConfig{Max: 120, Window: time.Minute}),
		WebhookLimit:   router.LimitFromEnv("WEBHOOK", router.LimitConfig{Max: 600, Window: time.Minute}),
	})

	return app, manager
}
