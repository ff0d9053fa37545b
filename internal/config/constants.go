package config

import "time"

const (
	// Store drivers
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	// Crypto Pay endpoints
	CryptoPayMainnetURL = "https://pay.crypt.bot/api"
	CryptoPayTestnetURL = "https://testnet-pay.crypt.bot/api"

	// Invoice lifetimes
	DepositInvoiceTTL = 1 * time.Hour
	OrderInvoiceTTL   = 30 * time.Minute

	// Default deposit asset
	DefaultAsset = "USDT"

	// Telegram limits
	MaxTelegramMessageLen = 4096

	// Operator log send timeout
	OperatorLogTimeout = 10 * time.Second

	// Per-connection send timeout
	SendTimeout = 15 * time.Second

	// Rate limiter idle cleanup
	RateLimitCleanupInterval = 5 * time.Minute

	// Batch sizes for background jobs
	NotificationBatchSize = 50
	InvoiceSweepBatchSize = 100

	// Notification redelivery backoff
	NotificationRetryMin = 30 * time.Second
	NotificationRetryMax = 1 * time.Hour

	// Webhook request body limit
	MaxWebhookBodyBytes = 1 << 20

	// HTTP server shutdown grace
	ShutdownTimeout = 10 * time.Second
)

// DepositAssets are the stablecoins credited 1:1 to the balance, mapped to
// their minimum deposit.
var DepositAssets = map[string]float64{
	"USDT": 1.0,
	"USDC": 1.0,
}

// DepositMaximum applies to every deposit asset.
const DepositMaximum = 10000.0
