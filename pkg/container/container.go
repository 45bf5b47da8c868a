package container

import (
	"github.com/plumeblog/backend/config"
	"github.com/plumeblog/backend/pkg/api/handlers"
	"github.com/plumeblog/backend/pkg/cache"
	"github.com/plumeblog/backend/pkg/database"
	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/entitlement"
	"github.com/plumeblog/backend/pkg/ingest"
	"github.com/plumeblog/backend/pkg/logger"
	"github.com/plumeblog/backend/pkg/metrics"
	"github.com/plumeblog/backend/pkg/notify"
	"github.com/plumeblog/backend/pkg/payments"
	"github.com/plumeblog/backend/pkg/pins"
	"github.com/plumeblog/backend/pkg/provider"
	"github.com/plumeblog/backend/pkg/ranking"
	"github.com/plumeblog/backend/pkg/reconcile"
	"github.com/plumeblog/backend/pkg/retry"
	"github.com/plumeblog/backend/pkg/store"
	"github.com/plumeblog/backend/pkg/subscription"
)

// Container holds all application dependencies
type Container struct {
	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Metrics

	// Infrastructure
	DB    *database.Client
	Store *store.Store
	Cache domain.CacheRepository

	// Services
	Provider         *provider.Stripe
	Resolver         *entitlement.Service
	Notifier         *notify.Service
	Pipeline         *ingest.Service
	RetryService     *retry.Service
	ReconcileService *reconcile.Service
	PinService       *pins.Service
	RankingService   *ranking.Service
	PaymentService   *payments.Service

	// Handlers
	WebhookHandler     *handlers.WebhookHandler
	EntitlementHandler *handlers.EntitlementHandler
	FeedHandler        *handlers.FeedHandler
	PinHandler         *handlers.PinHandler
	PaymentHandler     *handlers.PaymentHandler
	PlanHandler        *handlers.PlanHandler
	DeadLetterHandler  *handlers.DeadLetterHandler
}

// New creates and initializes all application dependencies
func New(cfg *config.Config) (*Container, error) {
	c := &Container{
		Config:  cfg,
		Logger:  logger.New(cfg.LogLevel, cfg.LogFormat),
		Metrics: metrics.New(),
	}

	if err := c.initInfrastructure(); err != nil {
		return nil, err
	}

	c.initServices()
	c.initHandlers()

	c.Logger.Info("Container initialized successfully",
		"environment", cfg.APIEnvironment,
		"database", "connected",
		"cache", "connected")

	return c, nil
}

// initInfrastructure initializes database and cache connections
func (c *Container) initInfrastructure() error {
	var err error

	// Database
	c.DB, err = database.NewClient(c.Config.DatabaseDSN)
	if err != nil {
		c.Logger.Error("Failed to connect to database", "error", err)
		return err
	}
	c.Store = store.New(c.DB.DB)

	// Cache
	cacheClient, err := cache.NewClient(c.Config.RedisURL)
	if err != nil {
		c.Logger.Error("Failed to connect to cache", "error", err)
		return err
	}
	c.Cache = cacheClient

	c.Logger.Info("Infrastructure initialized",
		"database", "connected",
		"cache", "connected")

	return nil
}

// initServices initializes all domain services
func (c *Container) initServices() {
	c.Provider = provider.New(&provider.Config{
		SecretKey:     c.Config.StripeSecretKey,
		WebhookSecret: c.Config.StripeWebhookSecret,
	}, c.Logger)

	c.Resolver = entitlement.NewService(
		c.Store,
		c.Store,
		c.Cache,
		c.Metrics,
		c.Logger,
		c.Config.EntitlementTTL,
	)

	// Recipient lookup lives with the blog platform's user service; until it
	// is wired in, the notifier logs instead of sending.
	c.Notifier = notify.NewService(
		c.Config.EmailFrom,
		c.Config.EmailFromName,
		c.Config.SendGridAPIKey,
		nil,
		c.Logger,
	)

	c.PinService = pins.NewService(c.Store, c.Store, c.Resolver, c.Metrics, c.Logger)

	machine := subscription.NewMachine(c.Config.GracePeriod)
	c.Pipeline = ingest.NewService(
		c.Store, c.Store, c.Store, c.Store, c.Store, c.Store,
		c.Resolver,
		c.Notifier,
		c.PinService,
		machine,
		c.Metrics,
		c.Logger,
		ingest.Config{
			BackoffBase:   c.Config.RetryBackoffBase,
			BackoffFactor: c.Config.RetryBackoffFactor,
			MaxAttempts:   c.Config.RetryMaxAttempts,
		},
	)

	c.RetryService = retry.NewService(
		c.Store, c.Store, c.Pipeline, c.Metrics, c.Logger,
		c.Config.RetryBatchSize,
	)

	c.ReconcileService = reconcile.NewService(
		c.Store, c.Provider, c.Pipeline, c.Metrics, c.Logger,
		c.Config.SweepConcurrency,
	)

	c.RankingService = ranking.NewService(c.Store, c.Resolver, c.Metrics, c.Logger)
	c.PaymentService = payments.NewService(c.Store, c.Logger, c.Config.PaymentRetention)

	c.Logger.Info("Services initialized",
		"pipeline", "ready",
		"resolver", "ready",
		"reconcile", "ready",
		"ranking", "ready")
}

// initHandlers initializes all HTTP handlers
func (c *Container) initHandlers() {
	c.WebhookHandler = handlers.NewWebhookHandler(c.Provider, c.Pipeline)
	c.EntitlementHandler = handlers.NewEntitlementHandler(c.Resolver)
	c.FeedHandler = handlers.NewFeedHandler(c.RankingService)
	c.PinHandler = handlers.NewPinHandler(c.PinService)
	c.PaymentHandler = handlers.NewPaymentHandler(c.PaymentService)
	c.PlanHandler = handlers.NewPlanHandler(c.Store)
	c.DeadLetterHandler = handlers.NewDeadLetterHandler(c.RetryService)

	c.Logger.Info("Handlers initialized")
}

// Close closes all resources (database, cache connections)
func (c *Container) Close() error {
	c.Logger.Info("Shutting down container...")

	if err := c.DB.Close(); err != nil {
		c.Logger.Error("Failed to close database", "error", err)
		return err
	}

	if err := c.Cache.Close(); err != nil {
		c.Logger.Error("Failed to close cache", "error", err)
		return err
	}

	c.Logger.Info("Container shutdown complete")
	return nil
}
