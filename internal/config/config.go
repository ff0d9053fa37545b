package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Core
	BotTokens []string `env:"BOT_TOKENS,required" envSeparator:","`
	LogLevel  string   `env:"LOG_LEVEL" envDefault:"info"`

	// Storage
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"mongo"`
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"shopbot"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`

	DatabaseMaxConns        int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	DatabaseMinConns        int32         `env:"DATABASE_MIN_CONNS" envDefault:"1"`
	DatabaseMaxConnIdleTime time.Duration `env:"DATABASE_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// Payment: Crypto Pay
	CryptoPayToken   string `env:"CRYPTO_PAY_TOKEN"`
	CryptoPayTestnet bool   `env:"CRYPTO_PAY_TESTNET" envDefault:"false"`
	CryptoPayURL     string `env:"CRYPTO_PAY_URL"`

	// Admin
	OwnerID  int64   `env:"OWNER_ID"`
	AdminIDs []int64 `env:"ADMIN_IDS" envSeparator:","`

	// Webhook server
	WebhookPort    int           `env:"WEBHOOK_PORT" envDefault:"8080"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`

	// Bot pool supervision
	HealthCheckInterval    time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	HealthCheckTimeout     time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"10s"`
	HealthFailureThreshold int           `env:"HEALTH_FAILURE_THRESHOLD" envDefault:"3"`
	ReconnectMinBackoff    time.Duration `env:"RECONNECT_MIN_BACKOFF" envDefault:"1s"`
	ReconnectMaxBackoff    time.Duration `env:"RECONNECT_MAX_BACKOFF" envDefault:"2m"`
	// Per-token overrides of HEALTH_CHECK_INTERVAL, in BOT_TOKENS order. 0 keeps the default.
	HealthCheckIntervals []time.Duration `env:"HEALTH_CHECK_INTERVALS" envSeparator:","`

	// Rate limiting
	RateLimitMessages int           `env:"RATE_LIMIT_MESSAGES" envDefault:"5"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	// Settlement
	PaymentAmountTolerance float64       `env:"PAYMENT_AMOUNT_TOLERANCE" envDefault:"0.005"`
	SettleMaxAttempts      uint          `env:"SETTLE_MAX_ATTEMPTS" envDefault:"5"`
	SettleConflictRetries  int           `env:"SETTLE_CONFLICT_RETRIES" envDefault:"5"`
	SettleRetryBase        time.Duration `env:"SETTLE_RETRY_BASE" envDefault:"200ms"`
	NotifyRetryInterval    time.Duration `env:"NOTIFY_RETRY_INTERVAL" envDefault:"30s"`
	InvoiceSweepInterval   time.Duration `env:"INVOICE_SWEEP_INTERVAL" envDefault:"1m"`

	// Telegram logging
	LogTelegramChatID      int64 `env:"LOG_TELEGRAM_CHAT_ID"`
	LogTopicError          int   `env:"LOG_TOPIC_ERROR"`
	LogTopicBalanceTopUp   int   `env:"LOG_TOPIC_BALANCE_TOPUP"`
	LogTopicOrderPaid      int   `env:"LOG_TOPIC_ORDER_PAID"`
	LogTopicRejection      int   `env:"LOG_TOPIC_REJECTION"`
	LogTopicReconciliation int   `env:"LOG_TOPIC_RECONCILIATION"`
	LogTopicPool           int   `env:"LOG_TOPIC_POOL"`
	LogTopicRegistration   int   `env:"LOG_TOPIC_REGISTRATION"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var tokens []string
	for _, t := range c.BotTokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return errors.New("BOT_TOKENS must contain at least one token")
	}
	c.BotTokens = tokens

	switch c.StoreDriver {
	case StoreMongo, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
		if c.DatabaseMaxConns <= 0 || c.DatabaseMinConns < 0 {
			return errors.New("DATABASE_MAX_CONNS must be positive and DATABASE_MIN_CONNS not negative")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.PaymentAmountTolerance < 0 || c.PaymentAmountTolerance >= 1 {
		return fmt.Errorf("PAYMENT_AMOUNT_TOLERANCE must be in [0, 1), got %v", c.PaymentAmountTolerance)
	}
	if c.RateLimitMessages <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("rate limit messages and window must be positive")
	}
	if c.HealthFailureThreshold <= 0 {
		return errors.New("HEALTH_FAILURE_THRESHOLD must be positive")
	}
	if len(c.HealthCheckIntervals) > len(c.BotTokens) {
		return fmt.Errorf("HEALTH_CHECK_INTERVALS has %d entries for %d tokens", len(c.HealthCheckIntervals), len(c.BotTokens))
	}
	for _, d := range c.HealthCheckIntervals {
		if d < 0 {
			return errors.New("HEALTH_CHECK_INTERVALS must not be negative")
		}
	}
	if c.ReconnectMaxBackoff < c.ReconnectMinBackoff {
		return errors.New("RECONNECT_MAX_BACKOFF must not be below RECONNECT_MIN_BACKOFF")
	}
	return nil
}

func (c *Config) IsAdmin(telegramID int64) bool {
	if c.OwnerID != 0 && c.OwnerID == telegramID {
		return true
	}
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

// AdminRecipients returns the owner followed by the admins, without duplicates.
func (c *Config) AdminRecipients() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, id := range append([]int64{c.OwnerID}, c.AdminIDs...) {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func (c *Config) AmountTolerance() decimal.Decimal {
	return decimal.NewFromFloat(c.PaymentAmountTolerance)
}

func (c *Config) CryptoPayBaseURL() string {
	if c.CryptoPayURL != "" {
		return strings.TrimRight(c.CryptoPayURL, "/")
	}
	if c.CryptoPayTestnet {
		return CryptoPayTestnetURL
	}
	return CryptoPayMainnetURL
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
