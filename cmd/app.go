package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/auth"
	"github.com/mesaya/payment-service/internal/core/events"
	eventkafka "github.com/mesaya/payment-service/internal/core/events/kafka"
	"github.com/mesaya/payment-service/internal/delivery"
	deliverypg "github.com/mesaya/payment-service/internal/delivery/postgres"
	"github.com/mesaya/payment-service/internal/idempotency"
	idemdynamo "github.com/mesaya/payment-service/internal/idempotency/dynamodb"
	idempg "github.com/mesaya/payment-service/internal/idempotency/postgres"
	idemredis "github.com/mesaya/payment-service/internal/idempotency/redis"
	"github.com/mesaya/payment-service/internal/lock"
	"github.com/mesaya/payment-service/internal/partner"
	partnerpg "github.com/mesaya/payment-service/internal/partner/postgres"
	"github.com/mesaya/payment-service/internal/payment"
	paymentpg "github.com/mesaya/payment-service/internal/payment/postgres"
	"github.com/mesaya/payment-service/internal/provider"
	"github.com/mesaya/payment-service/internal/provider/mercadopago"
	"github.com/mesaya/payment-service/internal/provider/mock"
	"github.com/mesaya/payment-service/internal/provider/stripe"
	"github.com/mesaya/payment-service/internal/transport/rest"
	"github.com/mesaya/payment-service/internal/transport/swagger"
	"github.com/mesaya/payment-service/internal/webhook"
	"github.com/mesaya/payment-service/internal/webhook/signature"
	"github.com/mesaya/payment-service/pkg/logger"
	"github.com/mesaya/payment-service/pkg/tracing"
)

// App holds the wired object graph shared by the server, worker and reconcile commands.
type App struct {
	Config *internal.Config
	Logger *slog.Logger

	Gorm *gorm.DB
	DB   *sqlx.DB

	Guard        *idempotency.Guard
	IdemStore    idempotency.Store
	Bus          *events.EventBus
	Registry     *provider.Registry
	Payments     *payment.Service
	Partners     *partner.Service
	Deliveries   *delivery.Service
	Sender       *delivery.Sender
	Pool         *delivery.Pool
	Dispatcher   *webhook.Dispatcher
	HealthChecks map[string]rest.Check

	closers []func(ctx context.Context) error
}

func newApp(ctx context.Context, cfg *internal.Config) (*App, error) {
	logger.InitWith(cfg.Observability.Logging.Format, logger.ParseLevel(cfg.Observability.Logging.Level))
	log := logger.L()

	app := &App{
		Config:       cfg,
		Logger:       log,
		HealthChecks: make(map[string]rest.Check),
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	app.onClose(func(ctx context.Context) error { return shutdownTracing(ctx) })

	if err := app.initDB(); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	var redisClient goredis.UniversalClient
	if cfg.Idempotency.Backend == "redis" || cfg.Locking.Backend == "redis" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.onClose(func(context.Context) error { return redisClient.Close() })
		app.HealthChecks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	store, err := app.idempotencyStore(ctx, redisClient)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	app.IdemStore = store
	app.Guard = idempotency.NewGuard(store, idempotency.GuardConfig{
		TTL:            cfg.Idempotency.TTL,
		ReservationTTL: cfg.Idempotency.ReservationTTL,
		Policy:         idempotency.Policy(cfg.Webhook.InProgressPolicy),
		Wait:           cfg.Webhook.InProgressWait,
	}, log)

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Locking.Backend == "redis" {
		locker = lock.NewRedisLocker(redisClient, "payment-service:lock:", cfg.Locking.TTL)
	}

	registry, err := app.providers()
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	app.Registry = registry

	app.Partners = partner.NewService(partnerpg.NewPartnerRepository(app.Gorm), partner.Config{
		GracePeriod:          cfg.Partner.SecretGracePeriod,
		SuspendAfterFailures: cfg.Partner.SuspendAfterFailures,
	}, log)

	dcfg := cfg.Partner.Delivery
	deliveryRepo := deliverypg.NewDeliveryRepository(app.Gorm)
	app.Sender = delivery.NewSender(delivery.SenderConfig{
		Timeout:     dcfg.Timeout,
		MaxRetries:  dcfg.MaxRetries,
		BaseBackoff: dcfg.BaseBackoff,
	}, log)
	app.Pool = delivery.NewPool(deliveryRepo, app.Partners, app.Sender, delivery.PoolConfig{
		Workers:      dcfg.Workers,
		QueueSize:    dcfg.QueueSize,
		PollInterval: dcfg.PollInterval,
		BatchSize:    dcfg.BatchSize,
		MaxAttempts:  dcfg.MaxAttempts,
		BaseBackoff:  dcfg.BaseBackoff,
		MaxBackoff:   dcfg.MaxBackoff,
	}, log)
	app.Deliveries = delivery.NewService(deliveryRepo, app.Partners, app.Pool, log)

	app.Bus = events.NewEventBus(log)
	delivery.NewEventHandler(app.Deliveries, log).Register(app.Bus)
	if cfg.Kafka.Enabled {
		writer := eventkafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		forwarder := eventkafka.NewForwarder(writer, cfg.Kafka.Topic, log)
		forwarder.Register(app.Bus)
		app.onClose(func(context.Context) error { return forwarder.Close() })
	}

	app.Payments = payment.NewService(paymentpg.NewPaymentRepository(app.Gorm), registry, locker, app.Guard, app.Bus, payment.Config{
		SuccessURL: cfg.Payment.SuccessURL,
		CancelURL:  cfg.Payment.CancelURL,
		LockWait:   cfg.Locking.Wait,
	}, log)

	app.Dispatcher = webhook.NewDispatcher(app.Payments, app.Deliveries, app.Guard, cfg.Webhook.ProcessTimeout, log)

	log.Info("application wired",
		"environment", cfg.Environment,
		"providers", registry.Names(),
		"idempotency_backend", cfg.Idempotency.Backend,
		"lock_backend", cfg.Locking.Backend,
		"kafka", cfg.Kafka.Enabled)
	return app, nil
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) initDB() error {
	cfg := a.Config.Database

	var (
		dialector  gorm.Dialector
		driverName string
	)
	switch cfg.Driver {
	case "sqlite":
		dialector, driverName = sqlite.Open(cfg.Source), "sqlite3"
	default:
		dialector, driverName = postgres.Open(cfg.Source), "pgx"
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	configurePool(sqlDB, cfg)
	a.onClose(func(context.Context) error { return sqlDB.Close() })

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	a.Gorm = gdb
	a.DB = sqlx.NewDb(sqlDB, driverName)
	return nil
}

func configurePool(db *sql.DB, cfg internal.DatabaseConfig) {
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
		return
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

func (a *App) idempotencyStore(ctx context.Context, redisClient goredis.UniversalClient) (idempotency.Store, error) {
	cfg := a.Config
	switch cfg.Idempotency.Backend {
	case "memory":
		a.Logger.Warn("in-memory idempotency store: keys do not survive restarts or span instances")
		return idempotency.NewMemoryStore(), nil
	case "redis":
		return idemredis.NewStore(redisClient, "payment-service:idem:"), nil
	case "dynamodb":
		client, err := newDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		return idemdynamo.NewStore(client, cfg.DynamoDB.Table), nil
	default:
		return idempg.NewStore(a.Gorm), nil
	}
}

func newDynamoClient(ctx context.Context, cfg internal.DynamoDBConfig) (*awsdynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// providers registers every gateway that has credentials. The mock gateway is only
// available outside production unless it is the configured provider.
func (a *App) providers() (*provider.Registry, error) {
	cfg := a.Config.Payment
	timeout := cfg.GatewayTimeout
	registry := provider.NewRegistry(cfg.Provider)

	if cfg.Provider == provider.NameMock || a.Config.Environment != "production" {
		registry.Register(provider.WithTimeout(mock.New(cfg.Mock.CheckoutURL), timeout))
	}

	if cfg.Stripe.SecretKey != "" {
		adapter, err := stripe.New(stripe.Config{SecretKey: cfg.Stripe.SecretKey, APIURL: cfg.Stripe.APIURL})
		if err != nil {
			return nil, err
		}
		registry.Register(provider.WithTimeout(adapter, timeout))
	}

	if cfg.MercadoPago.AccessToken != "" {
		adapter, err := mercadopago.New(mercadopago.Config{
			AccessToken:     cfg.MercadoPago.AccessToken,
			NotificationURL: cfg.MercadoPago.NotificationURL,
		}, a.Guard)
		if err != nil {
			return nil, err
		}
		registry.Register(provider.WithTimeout(adapter, timeout))
	}

	if _, err := registry.Default(); err != nil {
		return nil, fmt.Errorf("default provider %q is not configured: %w", cfg.Provider, err)
	}
	return registry, nil
}

// webhookSources drops gateways without a signing secret; their webhooks answer 404.
func (a *App) webhookSources() []webhook.Source {
	p := a.Config.Payment
	var out []webhook.Source
	for _, src := range webhook.DefaultSources(p.Mock.WebhookSecret, p.Stripe.WebhookSecret, p.MercadoPago.WebhookSecret) {
		if src.Secret == "" {
			continue
		}
		if src.Name == provider.NameMock && a.Config.Environment == "production" && p.Provider != provider.NameMock {
			continue
		}
		out = append(out, src)
	}
	return out
}

// routes builds the REST dependencies for the HTTP server.
func (a *App) routes(ctx context.Context) (rest.Dependencies, error) {
	cfg := a.Config
	deps := rest.Dependencies{
		DB:             a.DB,
		HealthChecks:   a.HealthChecks,
		Payments:       payment.NewHandler(a.Payments, a.Logger),
		Partners:       partner.NewHandler(a.Partners, a.Logger),
		Deliveries:     delivery.NewHandler(a.Partners, a.Sender, a.Logger),
		AdminKey:       auth.NewAdminKey(cfg.Security.AdminKeyHash),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         a.Logger,
	}

	verifier := signature.NewVerifier(cfg.Webhook.SignatureTolerance, a.Logger)
	deps.Webhooks = webhook.NewHandler(a.webhookSources(), a.Partners, verifier, a.Dispatcher, a.Logger)

	if cfg.Security.JWTPublicKey != "" {
		tv, err := auth.NewTokenVerifier(cfg.Security.JWTPublicKey, cfg.Security.JWTIssuer)
		if err != nil {
			return deps, fmt.Errorf("failed to init token verifier: %w", err)
		}
		deps.TokenVerifier = tv
	} else {
		a.Logger.Warn("service token verification disabled: no JWT public key configured")
	}
	if cfg.Security.AdminKeyHash == "" {
		a.Logger.Warn("partner management disabled: no admin key hash configured")
	}

	doc, err := swagger.Load(ctx, swagger.DefaultFile)
	switch {
	case err == nil:
		deps.OpenAPI = doc
	case errors.Is(err, fs.ErrNotExist):
		a.Logger.Warn("openapi document not found, docs routes disabled", "path", swagger.DefaultFile)
	default:
		return deps, err
	}
	return deps, nil
}
