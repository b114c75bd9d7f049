package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var cfg *Config
var once sync.Once

// Config is the configuration for the application
type Config struct {
	Server
	AWS
	Redis
	PostgreSQL
	Idempotency
	Ledger
	Webhooks
	MPesa
	CPay
	StandardBankPay
	Log
}

// Server is the configuration for the HTTP surface
type Server struct {
	Port     string `env:"PORT" envDefault:"8080"`
	RunLocal string `env:"RUN_LOCAL" envDefault:"false"`
}

// Addr returns the address for the server
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%s", "0.0.0.0", s.Port)
}

// Local reports whether the binaries should run outside Lambda.
func (s Server) Local() bool { return Bool(s.RunLocal) }

// AWS holds table and queue names
type AWS struct {
	Region            string `env:"AWS_REGION" envDefault:"us-east-1"`
	TransactionsTable string `env:"TRANSACTIONS_TABLE" envDefault:"transactions"`
	KeysTable         string `env:"TRANSACTION_KEYS_TABLE" envDefault:"transaction-keys"`
	IdempotencyTable  string `env:"IDEMPOTENCY_TABLE" envDefault:"idempotency"`
	WebhookTable      string `env:"WEBHOOK_EVENTS_TABLE" envDefault:"webhook-events"`
	AuditTable        string `env:"AUDIT_TABLE" envDefault:"audit-log"`
	WebhookQueueURL   string `env:"WEBHOOK_QUEUE_URL" envDefault:""`
	MetricsNamespace  string `env:"METRICS_NAMESPACE" envDefault:""`
}

// Redis is the idempotency cache connection
type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:""`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       string `env:"REDIS_DB" envDefault:"0"`
}

// PostgreSQL is the configuration for the relational ledger
type PostgreSQL struct {
	Driver          string `env:"DB_DRIVER" envDefault:"postgres"`
	Host            string `env:"DB_HOST" envDefault:"localhost"`
	Port            string `env:"DB_PORT" envDefault:"5432"`
	Database        string `env:"DB_DATABASE" envDefault:"mypay"`
	Username        string `env:"DB_USERNAME" envDefault:"mypay"`
	Password        string `env:"DB_PASSWORD" envDefault:"mypay"`
	SSLMode         string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConnAttempts string `env:"DB_MAX_CONN_ATTEMPTS" envDefault:"5"`
}

// DSN returns the DSN for the database
func (c PostgreSQL) DSN() string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s?sslmode=%s",
		c.Driver,
		c.Username,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// Idempotency configures the guard
type Idempotency struct {
	Backend string `env:"IDEMPOTENCY_BACKEND" envDefault:"dynamodb"` // dynamodb | redis | memory
	TTL     string `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
}

// Ledger configures transaction storage
type Ledger struct {
	Backend         string `env:"LEDGER_BACKEND" envDefault:"dynamodb"` // dynamodb | postgres | memory
	ProviderTimeout string `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
}

// Webhooks configures the retry scheduler
type Webhooks struct {
	Backend      string `env:"WEBHOOK_BACKEND" envDefault:"dynamodb"` // dynamodb | memory
	ScanInterval string `env:"WEBHOOK_SCAN_INTERVAL" envDefault:"30s"`
	BatchSize    string `env:"WEBHOOK_BATCH_SIZE" envDefault:"100"`
}

// MPesa holds Daraja credentials
type MPesa struct {
	ConsumerKey        string `env:"MPESA_CONSUMER_KEY" envDefault:""`
	ConsumerSecret     string `env:"MPESA_CONSUMER_SECRET" envDefault:""`
	Shortcode          string `env:"MPESA_SHORTCODE" envDefault:""`
	Passkey            string `env:"MPESA_PASSKEY" envDefault:""`
	Environment        string `env:"MPESA_ENVIRONMENT" envDefault:"sandbox"`
	InitiatorName      string `env:"MPESA_INITIATOR_NAME" envDefault:""`
	SecurityCredential string `env:"MPESA_SECURITY_CREDENTIAL" envDefault:""`
	CallbackURL        string `env:"MPESA_CALLBACK_URL" envDefault:""`
	ResultURL          string `env:"MPESA_RESULT_URL" envDefault:""`
	QueueTimeoutURL    string `env:"MPESA_QUEUE_TIMEOUT_URL" envDefault:""`
	TransactionType    string `env:"MPESA_TRANSACTION_TYPE" envDefault:"CustomerPayBillOnline"`
}

// Enabled reports whether credentials are present.
func (m MPesa) Enabled() bool { return m.ConsumerKey != "" && m.ConsumerSecret != "" }

// CPay holds mock CPay credentials
type CPay struct {
	APIKey    string `env:"CPAY_API_KEY" envDefault:""`
	APISecret string `env:"CPAY_API_SECRET" envDefault:""`
}

func (c CPay) Enabled() bool { return c.APISecret != "" }

// StandardBankPay holds gateway credentials
type StandardBankPay struct {
	BaseURL  string `env:"SBP_BASE_URL" envDefault:""`
	APIKey   string `env:"SBP_API_KEY" envDefault:""`
	ClientID string `env:"SBP_CLIENT_ID" envDefault:""`
}

func (s StandardBankPay) Enabled() bool { return s.BaseURL != "" && s.APIKey != "" }

// Log configures pkg/log
type Log struct {
	Level   string `env:"LOG_LEVEL" envDefault:"info"`
	File    string `env:"LOG_FILE" envDefault:""`
	Console string `env:"LOG_CONSOLE" envDefault:"false"`
}

// Load loads the configuration from a .env file, if any, and environment variables
func Load() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		cfg = LoadFrom(os.LookupEnv)
	})

	return cfg
}

// LoadFrom resolves every tagged field through lookup.
func LoadFrom(lookup func(string) (string, bool)) *Config {
	c := &Config{}
	cfgType := reflect.TypeOf(*c)
	cfgValue := reflect.ValueOf(c).Elem()

	for i := 0; i < cfgType.NumField(); i++ {
		field := cfgType.Field(i)
		fieldValue := cfgValue.Field(i)
		for j := 0; j < field.Type.NumField(); j++ {
			subField := field.Type.Field(j)
			envVar := subField.Tag.Get("env")
			value, exists := lookup(envVar)
			if !exists {
				value = subField.Tag.Get("envDefault")
			}
			fieldValue.Field(j).SetString(value)
		}
	}
	return c
}

// Duration parses s, falling back to def.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Int parses s, falling back to def.
func Int(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// Bool parses s; anything unparsable is false.
func Bool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}
