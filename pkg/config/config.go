package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	App            AppConfig            `envPrefix:"APP_"`
	Retry          RetryConfig          `envPrefix:"RETRY_"`
	Orders         OrdersConfig         `envPrefix:"ORDERS_"`
	Reconciliation ReconciliationConfig `envPrefix:"RECON_"`
	Registry       RegistryConfig       `envPrefix:"REGISTRY_"`
	Risk           RiskConfig           `envPrefix:"RISK_"`
	Audit          AuditConfig          `envPrefix:"AUDIT_"`
	Kafka          KafkaConfig          `envPrefix:"KAFKA_"`
	Telemetry      TelemetryConfig      `envPrefix:"TELEMETRY_"`
}

// AppConfig is process level configuration.
type AppConfig struct {
	Name          string   `env:"NAME" envDefault:"execution-core"`
	Environment   string   `env:"ENVIRONMENT" envDefault:"development"`
	Port          string   `env:"PORT" envDefault:"8080"`
	LogLevel      string   `env:"LOG_LEVEL" envDefault:"info"`
	DBPath        string   `env:"DB_PATH" envDefault:"./data/execution.db"`
	ExchangesFile string   `env:"EXCHANGES_FILE" envDefault:"./exchanges.yaml"`
	TradingModes  []string `env:"TRADING_MODES" envSeparator:"," envDefault:"paper,live,shadow"`
	// Per client IP; zero disables the API limiter.
	RateLimit      float64       `env:"RATE_LIMIT" envDefault:"20"`
	RateBurst      int           `env:"RATE_BURST" envDefault:"50"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// RetryConfig is the adapter call policy: per-attempt timeout and backoff schedule.
type RetryConfig struct {
	CallTimeout      time.Duration `env:"CALL_TIMEOUT" envDefault:"10s"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"3"`
	RateLimitRetries int           `env:"RATE_LIMIT_RETRIES" envDefault:"5"`
	InitialBackoff   time.Duration `env:"INITIAL_BACKOFF" envDefault:"200ms"`
	MaxBackoff       time.Duration `env:"MAX_BACKOFF" envDefault:"5s"`
	Multiplier       float64       `env:"MULTIPLIER" envDefault:"2"`
}

// OrdersConfig drives the advanced order manager.
type OrdersConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	Retention    time.Duration `env:"RETENTION" envDefault:"1h"`
	QtyPrecision int32         `env:"QTY_PRECISION" envDefault:"8"`
}

// ReconciliationConfig drives the sweep loops.
type ReconciliationConfig struct {
	AutoStart         bool            `env:"AUTO_START" envDefault:"true"`
	Interval          time.Duration   `env:"INTERVAL" envDefault:"30s"`
	QtyTolerance      decimal.Decimal `env:"QTY_TOLERANCE" envDefault:"0.00000001"`
	PriceTolerancePct decimal.Decimal `env:"PRICE_TOLERANCE_PCT" envDefault:"0.1"`
	AutoResolve       bool            `env:"AUTO_RESOLVE" envDefault:"true"`
	MaxConcurrent     int             `env:"MAX_CONCURRENT" envDefault:"4"`
	QueriesPerSecond  float64         `env:"QUERIES_PER_SECOND" envDefault:"5"`
	UnknownGrace      time.Duration   `env:"UNKNOWN_GRACE" envDefault:"1m"`
	HistoryLimit      int             `env:"HISTORY_LIMIT" envDefault:"100"`
}

// RegistryConfig drives connectivity probing and quote fallback.
type RegistryConfig struct {
	HealthInterval   time.Duration   `env:"HEALTH_INTERVAL" envDefault:"30s"`
	FailureThreshold int             `env:"FAILURE_THRESHOLD" envDefault:"3"`
	QuoteMaxAge      time.Duration   `env:"QUOTE_MAX_AGE" envDefault:"30s"`
	BookDepth        int             `env:"BOOK_DEPTH" envDefault:"20"`
	CostEpsilon      decimal.Decimal `env:"COST_EPSILON" envDefault:"0.00000001"`
}

// RiskConfig holds pre-trade limits. Zero disables a limit.
type RiskConfig struct {
	MaxOrderQty     decimal.Decimal `env:"MAX_ORDER_QTY" envDefault:"0"`
	MaxNotional     decimal.Decimal `env:"MAX_NOTIONAL" envDefault:"0"`
	OrdersPerSecond float64         `env:"ORDERS_PER_SECOND" envDefault:"0"`
}

// AuditConfig drives the buffered audit writer.
type AuditConfig struct {
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"100"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"1s"`
}

// KafkaConfig enables the audit stream when brokers are set.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"execution-audit"`
}

// TelemetryConfig enables the OTLP metric exporter when an endpoint is set.
type TelemetryConfig struct {
	Endpoint    string        `env:"OTLP_ENDPOINT"`
	Insecure    bool          `env:"OTLP_INSECURE" envDefault:"true"`
	ServiceName string        `env:"SERVICE_NAME" envDefault:"execution-core"`
	Interval    time.Duration `env:"EXPORT_INTERVAL" envDefault:"15s"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Retry.CallTimeout <= 0 {
		return fmt.Errorf("config: RETRY_CALL_TIMEOUT must be positive")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.RateLimitRetries < 0 {
		return fmt.Errorf("config: retry budgets must not be negative")
	}
	if c.Orders.PollInterval <= 0 {
		return fmt.Errorf("config: ORDERS_POLL_INTERVAL must be positive")
	}
	if c.Reconciliation.Interval <= 0 {
		return fmt.Errorf("config: RECON_INTERVAL must be positive")
	}
	if c.Reconciliation.QtyTolerance.IsNegative() || c.Reconciliation.PriceTolerancePct.IsNegative() {
		return fmt.Errorf("config: reconciliation tolerances must not be negative")
	}
	for _, m := range c.App.TradingModes {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case "paper", "live", "shadow":
		default:
			return fmt.Errorf("config: unknown trading mode %q", m)
		}
	}
	return nil
}

// Modes returns the configured trading modes, normalized and de-duplicated.
func (c *Config) Modes() []string {
	seen := make(map[string]bool, len(c.App.TradingModes))
	out := make([]string, 0, len(c.App.TradingModes))
	for _, m := range c.App.TradingModes {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
