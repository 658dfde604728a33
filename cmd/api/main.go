package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/storefront/payments-api/internal/di"
	"github.com/storefront/payments-api/internal/handlers"
	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/platform/auth"
	"github.com/storefront/payments-api/internal/platform/config"
	"github.com/storefront/payments-api/internal/platform/idempotency"
	"github.com/storefront/payments-api/internal/platform/jobs"
	"github.com/storefront/payments-api/internal/platform/observability"
	"github.com/storefront/payments-api/internal/services"
)

const meterName = "github.com/storefront/payments-api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	meter := otel.GetMeterProvider().Meter(meterName)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	backend, err := openBackend(ctx, cfg, logger.Named("store"))
	if err != nil {
		logger.Fatal("failed to initialise store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := backend.registry.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	processor, err := payments.NewStripeProcessor(payments.StripeProcessorConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		Timeout:       cfg.PSP.RequestTimeout,
		Logger:        observability.EventLogger(logger.Named("stripe")),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe processor", zap.Error(err))
	}

	var (
		events      services.OrderEventPublisher
		eventsTopic *pubsub.Topic
	)
	if cfg.Events.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		eventsTopic = client.Topic(cfg.Events.OrdersTopic)
		eventsTopic.EnableMessageOrdering = true
		publisher, err := jobs.NewPubSubOrderEventPublisher(eventsTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		defer publisher.Close()
		events = publisher
	} else {
		logger.Info("order events disabled; API_EVENTS_PROJECT_ID not set")
	}

	container, err := di.NewContainer(di.Dependencies{
		Config:    cfg,
		Registry:  backend.registry,
		Processor: processor,
		Events:    events,
		Meter:     meter,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	svc := container.Services

	idempotencyLogger := logger.Named("idempotency")
	idempotencyMiddleware := idempotency.Middleware(
		backend.idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(idempotencyLogger),
	)
	stopCleanup := startIdempotencyCleanup(backend.idempotency, cfg.Idempotency, idempotencyLogger)

	paymentHandlers := handlers.NewPaymentHandlers(svc.Checkout, svc.Webhooks,
		handlers.WithCheckoutRateLimit(cfg.Checkout.RateLimit, cfg.Checkout.RateWindow),
		handlers.WithIdempotencyHeader(cfg.Idempotency.Header),
	)
	orderHandlers := handlers.NewOrderHandlers(svc.Orders)
	operatorHandlers := handlers.NewOperatorHandlers(svc.Refunds, svc.Fulfillment, svc.Invoices)

	verifier := auth.NewOperatorVerifier(cfg.Security.HMAC.Secrets,
		auth.WithHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithNonceTTL(cfg.Security.HMAC.NonceTTL),
		auth.WithLogger(logger.Named("auth")),
		auth.WithMeter(meter),
	)
	if len(cfg.Security.HMAC.Secrets) == 0 {
		logger.Warn("auth: no operator keys configured; internal routes will reject requests")
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt)),
		handlers.WithReadinessCheck(handlers.ReadinessCheck{
			Name:  cfg.Store.Driver,
			Check: backend.registry.Ping,
		}),
		handlers.WithReadinessCheck(eventsReadinessCheck(eventsTopic)),
	)

	httpLogger := logger.Named("http")
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RequestLoggerMiddleware(httpLogger),
			observability.RecoveryMiddleware(httpLogger),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithPaymentMiddlewares(idempotencyMiddleware),
		handlers.WithWebhookRoutes(paymentHandlers.WebhookRoutes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInternalRoutes(operatorHandlers.Routes),
		handlers.WithInternalMiddlewares(verifier.RequireOperator()),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr), zap.String("store", cfg.Store.Driver))
	go func() {
		serverLogger.Info("payments api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Drain(shutdownCtx); err != nil {
		logger.Warn("pending invoice emissions abandoned", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
}

// eventsReadinessCheck reports the order events topic. It never fails readiness on its own.
func eventsReadinessCheck(topic *pubsub.Topic) handlers.ReadinessCheck {
	return handlers.ReadinessCheck{
		Name:     "orderEvents",
		Optional: true,
		Check: func(ctx context.Context) error {
			if topic == nil {
				return nil
			}
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s not found", topic.ID())
			}
			return nil
		},
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Events.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Store.Firestore.ProjectID)
}
