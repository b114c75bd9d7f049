package di

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/DevnProgg/MyPay/internal/audit"
	"github.com/DevnProgg/MyPay/internal/aws"
	"github.com/DevnProgg/MyPay/internal/config"
	"github.com/DevnProgg/MyPay/internal/handlers"
	"github.com/DevnProgg/MyPay/internal/idempotency"
	"github.com/DevnProgg/MyPay/internal/ledger"
	"github.com/DevnProgg/MyPay/internal/payments"
	"github.com/DevnProgg/MyPay/internal/providers"
	"github.com/DevnProgg/MyPay/internal/providers/cpay"
	"github.com/DevnProgg/MyPay/internal/providers/mpesa"
	"github.com/DevnProgg/MyPay/internal/providers/standardbankpay"
	"github.com/DevnProgg/MyPay/internal/webhooks"
	"github.com/DevnProgg/MyPay/pkg/log"
	"github.com/DevnProgg/MyPay/pkg/postgresql"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Container holds the wired application graph shared by the api and worker binaries.
type Container struct {
	Registry  *providers.Registry
	Ledger    *ledger.Ledger
	Guard     *idempotency.Guard
	Audit     *audit.Recorder
	Payments  *payments.Service
	Webhooks  *webhooks.Processor
	Scheduler *webhooks.Scheduler
	Handler   *handlers.Handler

	closers []func()
	logger  *zerolog.Logger
}

// NewContainer builds every component from cfg. Close releases pools opened here.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{logger: log.Component("di")}

	var clients *aws.AWSClients
	if needsAWS(cfg) {
		var err error
		clients, err = aws.NewAWSClients(ctx)
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Registry = registry

	backend, err := c.idempotencyBackend(ctx, cfg, clients)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Guard = idempotency.NewGuard(backend, config.Duration(cfg.Idempotency.TTL, idempotency.DefaultTTL))

	store, err := c.ledgerStore(ctx, cfg, clients)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Ledger = ledger.New(store)

	sinks := []audit.Sink{audit.NewLogSink()}
	var trail audit.TrailReader
	if clients != nil && cfg.AWS.AuditTable != "" && cfg.Ledger.Backend == BackendDynamoDB {
		dynamoSink := audit.NewDynamoSink(clients.DynamoDB, cfg.AWS.AuditTable)
		sinks = append(sinks, dynamoSink)
		trail = dynamoSink
	} else {
		memorySink := audit.NewMemorySink()
		sinks = append(sinks, memorySink)
		trail = memorySink
	}
	c.Audit = audit.NewRecorder(sinks...)

	paymentOpts := []payments.Option{
		payments.WithProviderTimeout(config.Duration(cfg.Ledger.ProviderTimeout, payments.DefaultProviderTimeout)),
		payments.WithTrail(trail),
	}
	webhookOpts := []webhooks.Option{}
	if clients != nil && cfg.AWS.MetricsNamespace != "" {
		metrics := aws.NewMetricsEmitter(clients.CloudWatch, cfg.AWS.MetricsNamespace)
		paymentOpts = append(paymentOpts, payments.WithMetrics(metrics))
		webhookOpts = append(webhookOpts, webhooks.WithMetrics(metrics))
	}
	if clients != nil && cfg.AWS.WebhookQueueURL != "" {
		publisher := aws.NewPublisher(clients.SQS, cfg.AWS.WebhookQueueURL)
		webhookOpts = append(webhookOpts, webhooks.WithDispatcher(webhooks.NewQueueDispatcher(publisher)))
	}

	var eventStore webhooks.Store
	switch strings.ToLower(cfg.Webhooks.Backend) {
	case BackendDynamoDB:
		if clients == nil {
			c.Close()
			return nil, fmt.Errorf("webhook backend %q needs aws clients", cfg.Webhooks.Backend)
		}
		eventStore = webhooks.NewDynamoStore(clients.DynamoDB, cfg.AWS.WebhookTable)
	case BackendMemory:
		eventStore = webhooks.NewMemoryStore()
	default:
		c.Close()
		return nil, fmt.Errorf("unknown webhook backend %q", cfg.Webhooks.Backend)
	}

	c.Payments = payments.NewService(c.Guard, c.Ledger, registry, c.Audit, paymentOpts...)
	c.Webhooks = webhooks.NewProcessor(eventStore, registry, c.Ledger, c.Audit, webhookOpts...)
	c.Scheduler = webhooks.NewScheduler(c.Webhooks,
		config.Duration(cfg.Webhooks.ScanInterval, 30*time.Second),
		config.Int(cfg.Webhooks.BatchSize, 100))
	c.Handler = handlers.New(c.Payments, c.Webhooks, registry)

	c.logger.Info().
		Strs("providers", registry.Names()).
		Str("idempotency_backend", cfg.Idempotency.Backend).
		Str("ledger_backend", cfg.Ledger.Backend).
		Str("webhook_backend", cfg.Webhooks.Backend).
		Msg("container ready")
	return c, nil
}

// Close releases connections in reverse order of opening.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Container) idempotencyBackend(ctx context.Context, cfg *config.Config, clients *aws.AWSClients) (idempotency.Backend, error) {
	switch strings.ToLower(cfg.Idempotency.Backend) {
	case BackendDynamoDB:
		if clients == nil {
			return nil, fmt.Errorf("idempotency backend %q needs aws clients", cfg.Idempotency.Backend)
		}
		return idempotency.NewDynamoBackend(clients.DynamoDB, cfg.AWS.IdempotencyTable), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       config.Int(cfg.Redis.DB, 0),
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		c.closers = append(c.closers, func() { _ = client.Close() })
		return idempotency.NewRedisBackend(client), nil
	case BackendMemory:
		return idempotency.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Idempotency.Backend)
	}
}

func (c *Container) ledgerStore(ctx context.Context, cfg *config.Config, clients *aws.AWSClients) (ledger.Store, error) {
	switch strings.ToLower(cfg.Ledger.Backend) {
	case BackendDynamoDB:
		if clients == nil {
			return nil, fmt.Errorf("ledger backend %q needs aws clients", cfg.Ledger.Backend)
		}
		return ledger.NewDynamoStore(clients.DynamoDB, cfg.AWS.TransactionsTable, cfg.AWS.KeysTable), nil
	case BackendPostgres:
		pool, err := postgresql.Connect(cfg.PostgreSQL.DSN(), config.Int(cfg.PostgreSQL.MaxConnAttempts, 5))
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		c.closers = append(c.closers, pool.Close)
		store := ledger.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure ledger schema: %w", err)
		}
		return store, nil
	case BackendMemory:
		return ledger.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func newRegistry(cfg *config.Config) (*providers.Registry, error) {
	timeout := config.Duration(cfg.Ledger.ProviderTimeout, providers.DefaultTimeout)
	registry := providers.NewRegistry()

	if cfg.MPesa.Enabled() {
		a, err := mpesa.New(mpesa.Config{
			ConsumerKey:        cfg.MPesa.ConsumerKey,
			ConsumerSecret:     cfg.MPesa.ConsumerSecret,
			Shortcode:          cfg.MPesa.Shortcode,
			Passkey:            cfg.MPesa.Passkey,
			Environment:        cfg.MPesa.Environment,
			InitiatorName:      cfg.MPesa.InitiatorName,
			SecurityCredential: cfg.MPesa.SecurityCredential,
			CallbackURL:        cfg.MPesa.CallbackURL,
			ResultURL:          cfg.MPesa.ResultURL,
			QueueTimeoutURL:    cfg.MPesa.QueueTimeoutURL,
			TransactionType:    cfg.MPesa.TransactionType,
			Timeout:            timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("configure mpesa: %w", err)
		}
		registry.Register(a)
	}
	if cfg.CPay.Enabled() {
		a, err := cpay.New(cpay.Config{APIKey: cfg.CPay.APIKey, APISecret: cfg.CPay.APISecret})
		if err != nil {
			return nil, fmt.Errorf("configure cpay: %w", err)
		}
		registry.Register(a)
	}
	if cfg.StandardBankPay.Enabled() {
		a, err := standardbankpay.New(standardbankpay.Config{
			BaseURL:  cfg.StandardBankPay.BaseURL,
			APIKey:   cfg.StandardBankPay.APIKey,
			ClientID: cfg.StandardBankPay.ClientID,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("configure standardbankpay: %w", err)
		}
		registry.Register(a)
	}
	return registry, nil
}

func needsAWS(cfg *config.Config) bool {
	return strings.EqualFold(cfg.Idempotency.Backend, BackendDynamoDB) ||
		strings.EqualFold(cfg.Ledger.Backend, BackendDynamoDB) ||
		strings.EqualFold(cfg.Webhooks.Backend, BackendDynamoDB) ||
		cfg.AWS.WebhookQueueURL != "" ||
		cfg.AWS.MetricsNamespace != ""
}
