package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	domain "github.com/hanko-field/oms/internal/domain"
	"github.com/hanko-field/oms/internal/handlers"
	"github.com/hanko-field/oms/internal/platform/auth"
	"github.com/hanko-field/oms/internal/platform/config"
	pfirestore "github.com/hanko-field/oms/internal/platform/firestore"
	"github.com/hanko-field/oms/internal/platform/health"
	"github.com/hanko-field/oms/internal/platform/observability"
	"github.com/hanko-field/oms/internal/platform/scheduler"
	"github.com/hanko-field/oms/internal/platform/tokens"
	firestoreRepo "github.com/hanko-field/oms/internal/repositories/firestore"
	"github.com/hanko-field/oms/internal/services"
)

const firebaseVerifyTimeout = 5 * time.Second

// Runner is a long-lived background loop such as a broker consumer.
type Runner interface {
	Run(ctx context.Context) error
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Inventory     services.InventoryService
	Confirmation  services.ConfirmationService
	Submission    services.SubmissionService
	Orders        services.OrderService
	DeferredClose *services.DeferredCloseHandler
}

// Container wires repositories, services, transport and background workers for runtime use.
type Container struct {
	Config   config.Config
	Services Services
	Router   http.Handler
	// Consumer is nil when deferred-close deliveries arrive through the push endpoint.
	Consumer Runner
	Reaper   *tokens.Reaper

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	build          handlers.BuildInfo
	tracerProvider trace.TracerProvider
}

// WithBuildInfo sets the version metadata reported by the health endpoints.
func WithBuildInfo(info handlers.BuildInfo) Option {
	return func(o *options) {
		o.build = info
	}
}

// WithTracerProvider overrides the provider used to instrument broker clients.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// NewContainer constructs the runtime dependencies from cfg. Resources acquired before a
// failure are released before returning the error.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (c *Container, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{tracerProvider: otel.GetTracerProvider()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c = &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
			c = nil
		}
	}()

	events := observability.EventLogger(logger.Named("services"))

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	c.closers = append(c.closers, firestoreProvider.Close)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firestore client: %w", err)
	}

	checks := []health.Check{firestoreCheck(firestoreClient)}

	orders, orderChecks, err := c.buildOrderRepository(ctx, cfg, firestoreProvider)
	if err != nil {
		return nil, err
	}
	checks = append(checks, orderChecks...)

	cartRepo, err := firestoreRepo.NewCartRepository(firestoreProvider)
	if err != nil {
		return nil, fmt.Errorf("initialise cart repository: %w", err)
	}
	addressRepo, err := firestoreRepo.NewAddressRepository(firestoreProvider)
	if err != nil {
		return nil, fmt.Errorf("initialise address repository: %w", err)
	}
	catalogRepo, err := firestoreRepo.NewCatalogRepository(firestoreProvider)
	if err != nil {
		return nil, fmt.Errorf("initialise catalog repository: %w", err)
	}
	inventoryRepo, err := firestoreRepo.NewInventoryRepository(firestoreProvider)
	if err != nil {
		return nil, fmt.Errorf("initialise inventory repository: %w", err)
	}
	tokenStore, err := tokens.NewFirestoreStore(firestoreProvider)
	if err != nil {
		return nil, fmt.Errorf("initialise token store: %w", err)
	}

	inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
		Catalog:   catalogRepo,
		Inventory: inventoryRepo,
		Clock:     time.Now,
		Logger:    events,
	})
	if err != nil {
		return nil, fmt.Errorf("build inventory service: %w", err)
	}
	confirmationSvc, err := services.NewConfirmationService(services.ConfirmationServiceDeps{
		Cart:      cartRepo,
		Addresses: addressRepo,
		Inventory: inventorySvc,
		Tokens:    tokenStore,
		Pool:      scheduler.NewPool(cfg.Scheduler.Capacity),
		TokenTTL:  cfg.Tokens.TTL,
		Logger:    events,
	})
	if err != nil {
		return nil, fmt.Errorf("build confirmation service: %w", err)
	}
	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: orders,
		Clock:  time.Now,
		Logger: events,
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}
	deferredClose, err := services.NewDeferredCloseHandler(orderSvc, events)
	if err != nil {
		return nil, fmt.Errorf("build deferred close handler: %w", err)
	}

	broker, err := c.buildMessaging(ctx, cfg, deferredClose, logger.Named("messaging"), o.tracerProvider)
	if err != nil {
		return nil, err
	}
	checks = append(checks, broker.checks...)
	c.Consumer = broker.consumer

	submissionSvc, err := services.NewSubmissionService(services.SubmissionServiceDeps{
		Tokens:         tokenStore,
		Inventory:      inventorySvc,
		Orders:         orders,
		Publisher:      broker.publisher,
		CloseDelay:     cfg.Orders.CloseDelay,
		DefaultChannel: domain.SourceChannel(cfg.Orders.SourceChannel),
		Clock:          time.Now,
		Logger:         events,
	})
	if err != nil {
		return nil, fmt.Errorf("build submission service: %w", err)
	}

	c.Services = Services{
		Inventory:     inventorySvc,
		Confirmation:  confirmationSvc,
		Submission:    submissionSvc,
		Orders:        orderSvc,
		DeferredClose: deferredClose,
	}
	c.Reaper = tokens.NewReaper(tokenStore, cfg.Tokens.CleanupInterval, cfg.Tokens.CleanupBatch, logger.Named("tokens"))

	prober, err := health.NewProber(checks)
	if err != nil {
		return nil, fmt.Errorf("build readiness probe: %w", err)
	}

	router, err := c.buildRouter(ctx, cfg, logger, o.build, prober)
	if err != nil {
		return nil, err
	}
	c.Router = router
	return c, nil
}

func (c *Container) buildRouter(ctx context.Context, cfg config.Config, logger *zap.Logger, build handlers.BuildInfo, probe handlers.ReadinessProbe) (http.Handler, error) {
	authLogger := logger.Named("auth")
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, firebaseVerifyTimeout)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(verifier,
		auth.WithVerificationTimeout(firebaseVerifyTimeout),
		auth.WithLogger(authLogger),
	)

	var oidc *auth.OIDCValidator
	if cfg.Security.OIDC.Audience != "" {
		cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(authLogger))
		oidc = auth.NewOIDCValidator(cache,
			auth.WithOIDCLogger(authLogger),
			auth.WithOIDCMeter(otel.GetMeterProvider().Meter("github.com/hanko-field/oms/internal/platform/auth")),
		)
	} else {
		authLogger.Warn("oidc audience not configured; internal routes will reject every request")
	}

	orderHandlers := handlers.NewOrderHandlers(c.Services.Confirmation, c.Services.Submission, c.Services.Orders)
	internalHandlers := handlers.NewInternalHandlers(c.Services.DeferredClose, c.Reaper)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthProbe(probe),
	)

	httpLogger := logger.Named("http")
	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.InjectLoggerMiddleware(httpLogger),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderMiddlewares(authenticator.RequireMember(), observability.OwnerFieldMiddleware),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInternalMiddlewares(oidc.RequireOIDC(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	), nil
}

// Close releases clients in reverse acquisition order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
