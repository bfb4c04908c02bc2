package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/slotforge/admission-engine/internal/cache"
	"github.com/slotforge/admission-engine/internal/config"
	"github.com/slotforge/admission-engine/internal/events"
	"github.com/slotforge/admission-engine/internal/handler"
	"github.com/slotforge/admission-engine/internal/productcache"
	"github.com/slotforge/admission-engine/internal/repository"
	"github.com/slotforge/admission-engine/internal/service"
	internalvalidator "github.com/slotforge/admission-engine/internal/validator"
	"github.com/slotforge/admission-engine/pkg/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	initLogger(cfg)

	ctx := context.Background()

	pool, err := database.NewPool(ctx, cfg.DB.DSN(), 5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MinIdleConns: cfg.Redis.PoolMin,
		PoolSize:     cfg.Redis.PoolMax,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to atomic cache")
	}
	atomicCache := cache.NewRedisAtomicCache(redisClient)

	rawEmitter, err := events.NewRabbitMQEmitter(
		cfg.MQ.URL, cfg.MQ.Exchange,
		time.Duration(cfg.MQ.ReconnectDelay)*time.Second,
		time.Duration(cfg.MQ.MaxReconnectWait)*time.Second,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect event emitter")
	}
	emitter := events.NewRetryingEmitter(rawEmitter, 10000, 5, 500*time.Millisecond)

	productRepo := repository.NewProductRepository(pool)
	slotRepo := repository.NewSlotRepository(pool)
	purchaseRepo := repository.NewPurchaseRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	productLoader := productcache.New(cfg.Engine.ProductCacheTTL(), productRepo.GetByID)

	admissionService := service.NewAdmissionService(productLoader, productRepo, atomicCache, slotRepo, auditRepo, emitter, cfg.Engine.SlotTTL())
	paymentService := service.NewPaymentService(pool, atomicCache, slotRepo, purchaseRepo, auditRepo, emitter, cfg.Engine.PaymentCallbackSecret, 24*time.Hour)
	reclaimService := service.NewReclaimService(slotRepo, productRepo, atomicCache, auditRepo, emitter, cfg.Engine.ReclaimBatch)

	app := fiber.New(fiber.Config{
		AppName:      "Slot Admission Engine",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New())

	validate := internalvalidator.New()

	slotHandler := handler.NewSlotHandler(admissionService, validate, cfg.Engine.AdmissionDeadline())
	paymentHandler := handler.NewPaymentHandler(paymentService, validate)
	adminHandler := handler.NewAdminHandler(reclaimService, slotRepo, cfg.Engine.AdminReclaimToken)
	healthHandler := handler.NewHealthHandler(pool)

	app.Get("/health", healthHandler.Check)
	app.Post("/slots/acquire", slotHandler.Acquire)
	app.Post("/payments/callback", paymentHandler.Callback)
	app.Post("/admin/slots/:id/reclaim", adminHandler.Reclaim)

	// Seed stock:{P} for every known product before serving traffic, so
	// a fresh cache does not report everything sold out until the first
	// reconciliation tick. Correction is downward-only, so a live
	// counter is never disturbed.
	if err := reclaimService.ReconcileAll(ctx); err != nil {
		log.Error().Err(err).Msg("initial stock reconciliation failed")
	}

	// Reclaim Loop: long-lived background task reclaiming ACTIVE
	// slots past their deadline, independent of request handling.
	reclaimCtx, reclaimCancel := context.WithCancel(context.Background())
	go reclaimService.Run(reclaimCtx, cfg.Engine.ReclaimInterval())

	// Payment-timeout sweeper: transitions PENDING purchases stuck past
	// the payment timeout to FAILED, separate from the slot's own timer.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go runPaymentTimeoutSweeper(sweepCtx, paymentService, cfg.Engine.PaymentTimeout(), cfg.Engine.ReclaimBatch, cfg.Engine.ReclaimInterval())

	// Reconciliation sweep: periodically re-derives each product's cache
	// counter from durable truth, correcting drift in the safe direction.
	reconcileCtx, reconcileCancel := context.WithCancel(context.Background())
	go reclaimService.RunReconciliation(reconcileCtx, cfg.Engine.ReconcileInterval())

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("starting server")
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	log.Info().Int("timeout_seconds", cfg.Server.ShutdownTimeout).Msg("shutting down server...")

	reclaimCancel()
	sweepCancel()
	reconcileCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	log.Info().Msg("waiting for in-flight requests to complete...")
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}

	log.Info().Msg("closing event emitter...")
	if err := emitter.Close(); err != nil {
		log.Error().Err(err).Msg("error closing event emitter")
	}

	log.Info().Msg("closing atomic cache connection...")
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("error closing atomic cache connection")
	}

	log.Info().Msg("closing database connections...")
	pool.Close()
	log.Info().Msg("database connections closed")
	log.Info().Msg("server stopped")
}

// runPaymentTimeoutSweeper periodically transitions PENDING purchases
// older than timeout to FAILED, until ctx is cancelled.
func runPaymentTimeoutSweeper(ctx context.Context, svc *service.PaymentService, timeout time.Duration, batch int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.SweepPaymentTimeouts(ctx, timeout, batch); err != nil {
				log.Error().Err(err).Msg("payment timeout sweep failed")
			}
		}
	}
}

// initLogger configures zerolog based on the application configuration.
func initLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Pretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
