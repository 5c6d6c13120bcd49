package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/config"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/messaging"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/platform/storage"
	"github.com/hanko-field/checkout/internal/repositories"
	firestoreRepo "github.com/hanko-field/checkout/internal/repositories/firestore"
	"github.com/hanko-field/checkout/internal/repositories/memory"
	"github.com/hanko-field/checkout/internal/repositories/postgres"
	"github.com/hanko-field/checkout/internal/services"
)

const instrumentationName = "github.com/hanko-field/checkout"

// Services bundles the service-layer contracts that handlers and workers rely upon.
type Services struct {
	Ledger   services.StockLedgerService
	Resolver services.CartResolver
	Checkout services.CheckoutService
	Orders   services.OrderService
	Sweeper  services.ReconciliationSweeper
	Invoices services.InvoiceGenerator
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Repositories  repositories.Registry
	Services      Services
	Authenticator *auth.Authenticator
	Idempotency   idempotency.Store
	Readiness     *repositories.ReadinessProbe

	logger  *zap.Logger
	workers []worker
	closers []closer

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type worker struct {
	name string
	run  func(ctx context.Context) error
}

type closer struct {
	name  string
	close func(ctx context.Context) error
}

// events groups the publishers and the stock subscriber selected by Backends.Events.
type events struct {
	stock      services.StockEventPublisher
	orders     services.OrderEventPublisher
	carts      services.CartEventPublisher
	subscriber services.StockEventSubscriber
	// removeCartItems is false when a cart-cleared handler on the in-process hub owns cart cleanup.
	removeCartItems bool
}

// NewContainer constructs the runtime dependencies for cfg. Nothing runs until Start.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{Config: cfg, logger: logger}
	var checks []repositories.DependencyCheck

	var provider *pfirestore.Provider
	if cfg.Backends.Documents == config.BackendFirestore || cfg.Backends.Ledger == config.BackendFirestore || cfg.Backends.Idempotency == config.BackendFirestore {
		provider = pfirestore.NewProvider(cfg.Firestore)
		c.onClose("firestore", provider.Close)
		checks = append(checks, repositories.DependencyCheck{Name: "firestore", Check: provider.Ping})
	}

	var ledger repositories.StockLedgerRepository
	if cfg.Backends.Ledger == config.BackendPostgres {
		pool, err := postgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			c.closeAll(ctx)
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		c.onClose("postgres", func(context.Context) error { pool.Close(); return nil })
		if err := postgres.Migrate(ctx, pool); err != nil {
			c.closeAll(ctx)
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		repo, err := postgres.NewLedgerRepository(pool)
		if err != nil {
			c.closeAll(ctx)
			return nil, err
		}
		ledger = repo
		checks = append(checks, repositories.DependencyCheck{Name: "postgres", Check: pingPool(pool)})
	}

	reg, err := buildRegistry(cfg, provider, ledger)
	if err != nil {
		c.closeAll(ctx)
		return nil, err
	}
	c.Repositories = reg
	checks = append(checks, repositories.DependencyCheck{Name: "ledger", Check: ledgerCheck(reg.Ledger())})

	store, storeCheck, err := c.buildIdempotencyStore(cfg, provider)
	if err != nil {
		c.closeAll(ctx)
		return nil, err
	}
	c.Idempotency = store
	if storeCheck != nil {
		checks = append(checks, *storeCheck)
	}

	ev, err := c.buildEvents(ctx, cfg, reg)
	if err != nil {
		c.closeAll(ctx)
		return nil, err
	}

	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		c.closeAll(ctx)
		return nil, err
	}

	svc, err := c.buildServices(cfg, reg, ev, gateway)
	if err != nil {
		c.closeAll(ctx)
		return nil, err
	}
	if cfg.Storage.InvoiceBucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			c.closeAll(ctx)
			return nil, fmt.Errorf("build storage client: %w", err)
		}
		c.onClose("storage", func(context.Context) error { return client.Close() })
		invoices, err := storage.NewInvoiceStore(storage.NewGCSReader(client), cfg.Storage)
		if err != nil {
			c.closeAll(ctx)
			return nil, err
		}
		svc.Invoices = invoices
	}
	c.Services = svc

	authn, err := buildAuthenticator(ctx, cfg)
	if err != nil {
		c.closeAll(ctx)
		return nil, err
	}
	c.Authenticator = authn

	probe, err := repositories.NewReadinessProbe(checks)
	if err != nil {
		c.closeAll(ctx)
		return nil, err
	}
	c.Readiness = probe

	c.addWorker("sweeper", svc.Sweeper.Run)
	if cfg.Idempotency.CleanupInterval > 0 {
		c.addWorker("idempotency-cleanup", func(ctx context.Context) error {
			idempotency.CleanupLoop(ctx, store, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
			return nil
		})
	}
	return c, nil
}

// Router builds the HTTP handler with every route group mounted.
func (c *Container) Router(build handlers.BuildInfo, middlewares ...func(http.Handler) http.Handler) http.Handler {
	cfg := c.Config
	idem := idempotency.Middleware(c.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(c.logger.Named("idempotency")),
	)

	checkout := handlers.NewCheckoutHandlers(c.Authenticator, c.Services.Checkout,
		handlers.WithIntentIdempotency(idem),
		handlers.WithCallbackBodyLimit(cfg.Server.CallbackBodyLimit),
		handlers.WithCallbackRateLimit(cfg.Server.CallbackRateLimit, cfg.Server.CallbackRateWindow, nil),
	)
	orders := handlers.NewOrderHandlers(c.Authenticator, c.Services.Orders, c.Services.Invoices)
	stock := handlers.NewStockHandlers(c.Authenticator, c.Services.Ledger)
	health := handlers.NewHealthHandlers(
		handlers.WithReadinessProbe(c.Readiness),
		handlers.WithHealthBuildInfo(build),
	)

	return handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(health),
		handlers.WithCheckoutRoutes(checkout.Routes),
		handlers.WithOrderRoutes(orders.Routes),
		handlers.WithStockRoutes(stock.Routes),
		handlers.WithStreamRoutes(stock.StreamRoutes),
		handlers.WithAdminRoutes(stock.AdminRoutes),
	)
}

// Start launches background workers. They stop when ctx is cancelled or Close is called.
func (c *Container) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for _, w := range c.workers {
		c.wg.Add(1)
		go func(w worker) {
			defer c.wg.Done()
			logger := c.logger.With(zap.String("worker", w.name))
			logger.Info("worker started")
			if err := w.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped", zap.Error(err))
				return
			}
			logger.Info("worker stopped")
		}(w)
	}
}

// Close stops workers and releases clients in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("workers did not stop before shutdown deadline")
	}
	return c.closeAll(ctx)
}

func (c *Container) addWorker(name string, run func(ctx context.Context) error) {
	c.workers = append(c.workers, worker{name: name, run: run})
}

func (c *Container) onClose(name string, fn func(ctx context.Context) error) {
	c.closers = append(c.closers, closer{name: name, close: fn})
}

func (c *Container) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.close(ctx); err != nil {
			c.logger.Warn("close failed", zap.String("resource", cl.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", cl.name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func buildRegistry(cfg config.Config, provider *pfirestore.Provider, ledger repositories.StockLedgerRepository) (repositories.Registry, error) {
	switch cfg.Backends.Documents {
	case config.BackendFirestore:
		reg, err := firestoreRepo.NewRegistry(provider, firestoreRepo.WithLedger(ledger))
		if err != nil {
			return nil, fmt.Errorf("build firestore registry: %w", err)
		}
		return reg, nil
	default:
		if ledger == nil && cfg.Backends.Ledger == config.BackendFirestore {
			fsLedger, err := firestoreRepo.NewLedgerRepository(provider)
			if err != nil {
				return nil, err
			}
			ledger = fsLedger
		}
		return memory.NewRegistry(memory.WithLedger(ledger)), nil
	}
}

func (c *Container) buildIdempotencyStore(cfg config.Config, provider *pfirestore.Provider) (idempotency.Store, *repositories.DependencyCheck, error) {
	switch cfg.Backends.Idempotency {
	case config.BackendRedis:
		client := idempotency.NewRedisClient(cfg.Redis)
		c.onClose("redis", func(context.Context) error { return client.Close() })
		store, err := idempotency.NewRedisStore(client, "")
		if err != nil {
			return nil, nil, err
		}
		return store, &repositories.DependencyCheck{Name: "redis", Check: store.Ping}, nil
	case config.BackendFirestore:
		store, err := idempotency.NewFirestoreStore(provider, "")
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return idempotency.NewMemoryStore(), nil, nil
	}
}

func (c *Container) buildEvents(ctx context.Context, cfg config.Config, reg repositories.Registry) (events, error) {
	eventLogger := observability.ServiceLogger(c.logger, "events")
	logOrderEvent := func(ctx context.Context, event services.OrderEvent) error {
		eventLogger(ctx, event.Type, map[string]any{
			"orderId":        event.OrderID,
			"previousStatus": event.PreviousStatus,
			"currentStatus":  event.CurrentStatus,
			"paymentStatus":  event.PaymentStatus,
		})
		return nil
	}

	switch cfg.Backends.Events {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return events{}, fmt.Errorf("build pubsub client: %w", err)
		}
		c.onClose("pubsub", func(context.Context) error { return client.Close() })
		publisher, err := messaging.NewPubSubPublisher(client, cfg.PubSub)
		if err != nil {
			return events{}, err
		}
		c.onClose("pubsub-topics", func(context.Context) error { publisher.Stop(); return nil })

		hub := messaging.NewHub()
		ev := events{stock: publisher, orders: publisher, carts: publisher, subscriber: hub, removeCartItems: true}
		if name := strings.TrimSpace(cfg.PubSub.StockSubscription); name != "" {
			sub := client.Subscription(name)
			c.addWorker("pubsub-stock-relay", func(ctx context.Context) error {
				return messaging.RelayPubSub(ctx, sub, hub, c.logger.Named("pubsub"))
			})
		} else {
			c.logger.Warn("no stock subscription configured; stock streams only see changes made by this instance")
			ev.stock = teeStockPublisher{publisher, hub}
		}
		return ev, nil

	case config.BackendKafka:
		publisher, err := messaging.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			return events{}, err
		}
		c.onClose("kafka", func(context.Context) error { return publisher.Close() })

		hub := messaging.NewHub()
		reader, err := messaging.NewStockReader(cfg.Kafka, kafkaGroupID(cfg.Kafka))
		if err != nil {
			return events{}, err
		}
		c.addWorker("kafka-stock-relay", func(ctx context.Context) error {
			return messaging.RelayKafka(ctx, reader, hub, c.logger.Named("kafka"))
		})
		return events{stock: publisher, orders: publisher, carts: publisher, subscriber: hub, removeCartItems: true}, nil

	default:
		carts := reg.Carts()
		hub := messaging.NewHub(
			messaging.WithCartClearedHandler(func(ctx context.Context, event domain.CartClearedEvent) error {
				return carts.RemoveItems(ctx, event.BuyerID, event.ItemIDs)
			}),
			messaging.WithOrderEventHandler(logOrderEvent),
		)
		return events{stock: hub, orders: hub, carts: hub, subscriber: hub}, nil
	}
}

// kafkaGroupID gives each instance its own consumer group so every instance sees every change.
func kafkaGroupID(cfg config.KafkaConfig) string {
	if id := strings.TrimSpace(cfg.GroupID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return "checkout-stock-" + host
}

type teeStockPublisher struct {
	broker services.StockEventPublisher
	local  *messaging.Hub
}

func (t teeStockPublisher) PublishStockEvent(ctx context.Context, event services.StockEvent) error {
	_ = t.local.PublishStockEvent(ctx, event)
	return t.broker.PublishStockEvent(ctx, event)
}

func buildGateway(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	gatewayLogger := payments.GatewayLogger(observability.ServiceLogger(logger, "payments"))
	providers := make(map[string]payments.Provider, 2)
	if cfg.PSP.GatewayBaseURL != "" {
		provider, err := payments.NewHMACGatewayProvider(payments.HMACGatewayConfig{
			BaseURL:       cfg.PSP.GatewayBaseURL,
			KeyID:         cfg.PSP.GatewayKeyID,
			KeySecret:     cfg.PSP.GatewayKeySecret,
			WebhookSecret: cfg.PSP.GatewayWebhookKey,
			Timeout:       cfg.PSP.Timeout,
			Logger:        gatewayLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("build hmac gateway: %w", err)
		}
		providers[payments.ProviderHMAC] = provider
	}
	if cfg.PSP.StripeAPIKey != "" {
		provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.PSP.StripeAPIKey,
			AccountID:     cfg.PSP.StripeAccountID,
			WebhookSecret: cfg.PSP.StripeWebhookSecret,
			Logger:        gatewayLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		providers[payments.ProviderStripe] = provider
	}
	manager, err := payments.NewManager(providers,
		payments.WithDefaultProvider(cfg.PSP.DefaultProvider),
		payments.WithCurrencyRoutes(cfg.PSP.CurrencyRoutes),
	)
	if err != nil {
		return nil, fmt.Errorf("build payment manager: %w", err)
	}
	return manager, nil
}

func (c *Container) buildServices(cfg config.Config, reg repositories.Registry, ev events, gateway services.PaymentGateway) (Services, error) {
	meter := otel.Meter(instrumentationName)
	var svc Services

	ledger, err := services.NewStockLedgerService(services.StockLedgerServiceDeps{
		Ledger:     reg.Ledger(),
		Events:     ev.stock,
		Subscriber: ev.subscriber,
		Meter:      meter,
		Logger:     observability.ServiceLogger(c.logger, "ledger"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock ledger service: %w", err)
	}
	svc.Ledger = ledger

	resolver, err := services.NewCartResolver(services.CartResolverDeps{
		Catalog:   reg.Catalog(),
		Carts:     reg.Carts(),
		Addresses: reg.Addresses(),
		Pricing: services.PricingPolicy{
			Currency:              cfg.Checkout.Currency,
			TaxRate:               cfg.Checkout.TaxRate,
			FlatShipping:          cfg.Checkout.FlatShipping,
			FreeShippingThreshold: cfg.Checkout.FreeShippingThreshold,
		},
		ReservationTTL: cfg.Checkout.ReservationTTL,
		Logger:         observability.ServiceLogger(c.logger, "resolver"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart resolver: %w", err)
	}
	svc.Resolver = resolver

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Ledger: ledger,
		Events: ev.orders,
		Logger: observability.ServiceLogger(c.logger, "orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	var carts repositories.CartRepository
	if ev.removeCartItems {
		carts = reg.Carts()
	}
	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Resolver:   resolver,
		Ledger:     ledger,
		Checkouts:  reg.Checkouts(),
		Orders:     orders,
		Gateway:    gateway,
		Carts:      carts,
		CartEvents: ev.carts,
		Tracer:     otel.Tracer(instrumentationName),
		Logger:     observability.ServiceLogger(c.logger, "checkout"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	sweeper, err := services.NewReconciliationSweeper(services.ReconciliationSweeperDeps{
		Checkouts:         reg.Checkouts(),
		Ledger:            ledger,
		Checkout:          checkout,
		Orders:            orders,
		Interval:          cfg.Checkout.SweepInterval,
		BatchSize:         cfg.Checkout.SweepBatchSize,
		FinalisationGrace: cfg.Checkout.FinalisationGrace,
		Meter:             meter,
		Logger:            observability.ServiceLogger(c.logger, "sweeper"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation sweeper: %w", err)
	}
	svc.Sweeper = sweeper
	return svc, nil
}

func buildAuthenticator(ctx context.Context, cfg config.Config) (*auth.Authenticator, error) {
	opts := []auth.Option{auth.WithDevAuth(cfg.Security.DevAuth)}
	if cfg.Firebase.ProjectID == "" {
		if !cfg.Security.DevAuth {
			return nil, errors.New("firebase project id is required unless dev auth is enabled")
		}
		return auth.NewAuthenticator(nil, opts...), nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return nil, fmt.Errorf("build firebase verifier: %w", err)
	}
	return auth.NewAuthenticator(verifier, opts...), nil
}

// ledgerCheck treats a missing probe product as healthy: the read reached the backend.
func ledgerCheck(ledger repositories.StockLedgerRepository) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := ledger.GetLevel(ctx, "__readiness__")
		var repoErr repositories.RepositoryError
		if err == nil || (errors.As(err, &repoErr) && repoErr.IsNotFound()) {
			return nil
		}
		return err
	}
}

func pingPool(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}
