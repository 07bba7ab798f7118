package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string              `mapstructure:"environment" env:"APP_ENV" envDefault:"development"`
	Server        ServerConfig        `mapstructure:"http_server" envPrefix:"HTTP_"`
	Database      DatabaseConfig      `mapstructure:"database" envPrefix:"DB_"`
	Security      SecurityConfig      `mapstructure:"security" envPrefix:"SECURITY_"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Payment       PaymentConfig       `mapstructure:"payment" envPrefix:"PAYMENT_"`
	Webhook       WebhookConfig       `mapstructure:"webhook" envPrefix:"WEBHOOK_"`
	Partner       PartnerConfig       `mapstructure:"partner" envPrefix:"PARTNER_"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency" envPrefix:"IDEMPOTENCY_"`
	Locking       LockingConfig       `mapstructure:"locking" envPrefix:"LOCK_"`
	Redis         RedisConfig         `mapstructure:"redis" envPrefix:"REDIS_"`
	DynamoDB      DynamoDBConfig      `mapstructure:"dynamodb" envPrefix:"DYNAMODB_"`
	Kafka         KafkaConfig         `mapstructure:"kafka" envPrefix:"KAFKA_"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" env:"PORT" envDefault:"8003"`
	BaseURL           string        `mapstructure:"base_url" env:"BASE_URL"`
	AllowedOrigins    string        `mapstructure:"allowed_origins" env:"ALLOWED_ORIGINS"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" env:"READ_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" env:"IDLE_TIMEOUT" envDefault:"60s"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"30s"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" env:"DRIVER" envDefault:"postgres"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" env:"MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME" envDefault:"5m"`
	Source          string        `mapstructure:"source" env:"SOURCE"`
}

type SecurityConfig struct {
	// JWTPublicKey is a PEM, raw or base64 encoded, used to verify tokens issued to MesaYA services.
	// Service auth is disabled when empty.
	JWTPublicKey string `mapstructure:"jwt_public_key" env:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"jwt_issuer" env:"JWT_ISSUER"`
	// AdminKeyHash is the bcrypt hash of the key guarding partner management.
	AdminKeyHash string `mapstructure:"admin_key_hash" env:"ADMIN_KEY_HASH"`
}

type PaymentConfig struct {
	Provider       string            `mapstructure:"provider" env:"PROVIDER" envDefault:"mock"`
	GatewayTimeout time.Duration     `mapstructure:"gateway_timeout" env:"GATEWAY_TIMEOUT" envDefault:"15s"`
	SuccessURL     string            `mapstructure:"success_url" env:"SUCCESS_URL"`
	CancelURL      string            `mapstructure:"cancel_url" env:"CANCEL_URL"`
	Stripe         StripeConfig      `mapstructure:"stripe" envPrefix:"STRIPE_"`
	MercadoPago    MercadoPagoConfig `mapstructure:"mercadopago" envPrefix:"MERCADOPAGO_"`
	Mock           MockConfig        `mapstructure:"mock" envPrefix:"MOCK_"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key" env:"SECRET_KEY"`
	WebhookSecret string `mapstructure:"webhook_secret" env:"WEBHOOK_SECRET"`
	APIURL        string `mapstructure:"api_url" env:"API_URL"`
}

type MercadoPagoConfig struct {
	AccessToken     string `mapstructure:"access_token" env:"ACCESS_TOKEN"`
	WebhookSecret   string `mapstructure:"webhook_secret" env:"WEBHOOK_SECRET"`
	NotificationURL string `mapstructure:"notification_url" env:"NOTIFICATION_URL"`
}

type MockConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret" env:"WEBHOOK_SECRET" envDefault:"whsec_mock_development_secret"`
	CheckoutURL   string `mapstructure:"checkout_url" env:"CHECKOUT_URL" envDefault:"http://localhost:4200/payment/mock-checkout"`
}

type WebhookConfig struct {
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance" env:"SIGNATURE_TOLERANCE" envDefault:"5m"`
	// InProgressPolicy is "fail" (answer Conflict) or "wait" (poll until the first delivery completes).
	InProgressPolicy string        `mapstructure:"in_progress_policy" env:"IN_PROGRESS_POLICY" envDefault:"fail"`
	InProgressWait   time.Duration `mapstructure:"in_progress_wait" env:"IN_PROGRESS_WAIT" envDefault:"5s"`
	ProcessTimeout   time.Duration `mapstructure:"process_timeout" env:"PROCESS_TIMEOUT" envDefault:"30s"`
}

type PartnerConfig struct {
	SecretGracePeriod    time.Duration  `mapstructure:"secret_grace_period" env:"SECRET_GRACE_PERIOD" envDefault:"24h"`
	SuspendAfterFailures int            `mapstructure:"suspend_after_failures" env:"SUSPEND_AFTER_FAILURES" envDefault:"10"`
	Delivery             DeliveryConfig `mapstructure:"delivery" envPrefix:"DELIVERY_"`
}

type DeliveryConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" env:"TIMEOUT" envDefault:"10s"`
	MaxRetries   int           `mapstructure:"max_retries" env:"MAX_RETRIES" envDefault:"3"`
	MaxAttempts  int           `mapstructure:"max_attempts" env:"MAX_ATTEMPTS" envDefault:"8"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff" env:"BASE_BACKOFF" envDefault:"500ms"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff" env:"MAX_BACKOFF" envDefault:"30m"`
	Workers      int           `mapstructure:"workers" env:"WORKERS" envDefault:"4"`
	QueueSize    int           `mapstructure:"queue_size" env:"QUEUE_SIZE" envDefault:"100"`
	PollInterval time.Duration `mapstructure:"poll_interval" env:"POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `mapstructure:"batch_size" env:"BATCH_SIZE" envDefault:"50"`
}

type IdempotencyConfig struct {
	// Backend is one of database, redis, dynamodb, memory.
	Backend        string        `mapstructure:"backend" env:"BACKEND" envDefault:"database"`
	TTL            time.Duration `mapstructure:"ttl" env:"TTL" envDefault:"72h"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl" env:"RESERVATION_TTL" envDefault:"1m"`
}

type LockingConfig struct {
	// Backend is memory or redis.
	Backend string        `mapstructure:"backend" env:"BACKEND" envDefault:"memory"`
	TTL     time.Duration `mapstructure:"ttl" env:"TTL" envDefault:"30s"`
	Wait    time.Duration `mapstructure:"wait" env:"WAIT" envDefault:"10s"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" env:"ADDR" envDefault:"localhost:6379"`
	Password string `mapstructure:"password" env:"PASSWORD"`
	DB       int    `mapstructure:"db" env:"DB" envDefault:"0"`
}

type DynamoDBConfig struct {
	Region    string `mapstructure:"region" env:"REGION" envDefault:"us-east-1"`
	Endpoint  string `mapstructure:"endpoint" env:"ENDPOINT"`
	Table     string `mapstructure:"table" env:"TABLE" envDefault:"payment_idempotency"`
	AccessKey string `mapstructure:"access_key" env:"ACCESS_KEY"`
	SecretKey string `mapstructure:"secret_key" env:"SECRET_KEY"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" env:"ENABLED"`
	Brokers []string `mapstructure:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `mapstructure:"topic" env:"TOPIC" envDefault:"mesaya.payments.events"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `mapstructure:"tracing" envPrefix:"TRACING_"`
	Logging LoggingConfig `mapstructure:"logging" envPrefix:"LOG_"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" env:"ENABLED"`
	ServiceName  string  `mapstructure:"service_name" env:"SERVICE_NAME" envDefault:"mesaya-payment-service"`
	SamplingRate float64 `mapstructure:"sampling_rate" env:"SAMPLING_RATE" envDefault:"1"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" env:"LEVEL" envDefault:"info"`
	Format string `mapstructure:"format" env:"FORMAT" envDefault:"json"`
}

// LoadConfigFromEnv builds the config from environment variables, reading a .env file first when present.
func LoadConfigFromEnv() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if err := c.Webhook.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("webhook config: %v", err))
	}

	if err := c.Idempotency.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("idempotency config: %v", err))
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka config: brokers are required when kafka is enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.Driver != "postgres" && c.Driver != "sqlite" {
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *SecurityConfig) Validate() error {
	if c.JWTPublicKey == "" {
		return nil
	}
	if _, err := c.GetPublicKey(); err != nil {
		return fmt.Errorf("invalid JWT public key: %w", err)
	}
	return nil
}

func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData := []byte(strings.TrimSpace(c.JWTPublicKey))
	if !strings.HasPrefix(string(keyData), "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(string(keyData))
		if err != nil {
			return nil, fmt.Errorf("failed to decode public key: %w", err)
		}
		keyData = decoded
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

func (c *PaymentConfig) Validate() error {
	switch c.Provider {
	case "mock":
		if c.Mock.WebhookSecret == "" {
			return errors.New("mock.webhook_secret is required")
		}
	case "stripe":
		if c.Stripe.SecretKey == "" {
			return errors.New("stripe.secret_key is required")
		}
	case "mercadopago":
		if c.MercadoPago.AccessToken == "" {
			return errors.New("mercadopago.access_token is required")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.GatewayTimeout <= 0 {
		return errors.New("gateway_timeout must be positive")
	}
	return nil
}

func (c *WebhookConfig) Validate() error {
	if c.InProgressPolicy != "fail" && c.InProgressPolicy != "wait" {
		return fmt.Errorf("in_progress_policy must be fail or wait, got %q", c.InProgressPolicy)
	}
	return nil
}

func (c *IdempotencyConfig) Validate() error {
	switch c.Backend {
	case "database", "redis", "dynamodb", "memory":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	return nil
}
