package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/blazecity/api/internal/handlers"
	"github.com/blazecity/api/internal/payments"
	"github.com/blazecity/api/internal/platform/auth"
	"github.com/blazecity/api/internal/platform/config"
	pfirestore "github.com/blazecity/api/internal/platform/firestore"
	"github.com/blazecity/api/internal/platform/idempotency"
	"github.com/blazecity/api/internal/platform/jobs"
	"github.com/blazecity/api/internal/platform/observability"
	"github.com/blazecity/api/internal/repositories"
	firestoreRepo "github.com/blazecity/api/internal/repositories/firestore"
	"github.com/blazecity/api/internal/services"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			logger.Fatal("invalid configuration", zap.Strings("fields", verr.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	pubsubClient, err := pubsub.NewClient(ctx, notificationProjectID(cfg))
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	notificationTopic := pubsubClient.Topic(cfg.Notifications.Topic)
	defer notificationTopic.Stop()

	notificationPublisher, err := jobs.NewPubSubNotificationPublisher(notificationTopic)
	if err != nil {
		logger.Fatal("failed to initialise notification publisher", zap.Error(err))
	}

	paymentsLogger := logger.Named("payments")
	paystackProvider, err := payments.NewPaystackProvider(payments.PaystackProviderConfig{
		SecretKey: cfg.PSP.PaystackSecretKey,
		BaseURL:   cfg.PSP.PaystackBaseURL,
		Timeout:   cfg.PSP.GatewayTimeout,
		Logger:    providerLogAdapter(paymentsLogger),
	})
	if err != nil {
		logger.Fatal("failed to initialise paystack provider", zap.Error(err))
	}

	providers := map[string]payments.Provider{
		"paystack": paystackProvider,
	}
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: providerLogAdapter(paymentsLogger),
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe provider", zap.Error(err))
		}
		providers["stripe"] = stripeProvider
	}
	paymentManager, err := payments.NewManager(providers)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	userDirectory, err := repositories.NewFirebaseUserDirectory(firebaseVerifier)
	if err != nil {
		logger.Fatal("failed to initialise user directory", zap.Error(err))
	}
	healthRepo, err := newHealthRepository(firestoreClient, notificationTopic)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        orderRepo,
		Users:         userDirectory,
		Notifications: notificationPublisher,
		Clock:         time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}
	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:          orderRepo,
		Payments:        paymentManager,
		Notifications:   notificationPublisher,
		DefaultCurrency: cfg.PSP.DefaultCurrency,
		AdminEmail:      cfg.Notifications.AdminEmail,
		Clock:           time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	purgeCtx, purgeCancel := context.WithCancel(context.Background())
	var purgeWG sync.WaitGroup
	purgeTicker := time.NewTicker(time.Hour)
	purgeWG.Add(1)
	go func() {
		defer purgeWG.Done()
		purgeLogger := logger.Named("idempotency")
		for {
			select {
			case <-purgeTicker.C:
				runCtx, cancel := context.WithTimeout(purgeCtx, time.Minute)
				removed, err := idempotencyStore.PurgeExpired(runCtx, time.Now().UTC(), 200)
				cancel()
				if err != nil {
					purgeLogger.Error("purge of expired idempotency records failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					purgeLogger.Info("purged expired idempotency records", zap.Int("count", removed))
				}
			case <-purgeCtx.Done():
				return
			}
		}
	}()

	paymentHandlers := handlers.NewPaymentHandlers(authenticator, checkoutService)
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService, checkoutService)
	webhookHandlers := handlers.NewWebhookHandlers(webhookSecret(cfg), checkoutService)
	healthHandlers := handlers.NewHealthHandlers(healthRepo)

	httpLogger := logger.Named("http")
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(httpLogger),
		observability.RecoveryMiddleware(httpLogger),
		observability.RequestLoggerMiddleware(),
		idempotency.Middleware(idempotencyStore, idempotency.WithLogger(logger.Named("idempotency"))),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
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

	serverLogger := httpLogger.With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("order api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	purgeTicker.Stop()
	purgeCancel()
	purgeWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func notificationProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Notifications.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

// webhookSecret picks the HMAC key for webhook signatures. Paystack signs
// events with the account secret key unless a dedicated secret is configured.
func webhookSecret(cfg config.Config) string {
	if secret := strings.TrimSpace(cfg.PSP.WebhookSecret); secret != "" {
		return secret
	}
	return strings.TrimSpace(cfg.PSP.PaystackSecretKey)
}

func providerLogAdapter(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("gateway log", zFields...)
	}
}

func newHealthRepository(client *firestore.Client, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				_, err := t.Exists(ctx)
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}
