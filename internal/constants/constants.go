package constants

import "time"

// Redis keys
const (
	RedisKeyRecentMatches = "matches:recent"
	RedisKeyMonitorPrefix = "matches:monitor:"
)

// Redis Pub/Sub channels
const (
	PubSubChannelMatches = "matches:live"
)

// Limits
const (
	MaxRecentMatches = 100
)

// RPC retry and backoff defaults
const (
	RPCTimeout     = 15 * time.Second
	RPCBackoffBase = 250 * time.Millisecond
	RPCBackoffCap  = 8 * time.Second
	RPCMaxFailures = 5
	RPCCallBudget  = 50
)

// Engine defaults
const (
	MaxConcurrentSlots = 20
	CatchupThreshold   = 10
	CatchupBatch       = 500
	LiveThreshold      = 2
	LivePollInterval   = 500 * time.Millisecond
	MaxSlotRetries     = 3
)

// Notification defaults
const (
	QueueCapacityPerChannel = 1000
	DeliveryAttempts        = 3
)

// Per-channel delivery limits in messages per minute
var ChannelRateLimits = map[string]int{
	"telegram": 20,
	"slack":    60,
	"discord":  30,
}

// Program addresses
var ProgramAddresses = map[string]string{
	"TokenProgram":  "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
	"Raydium":       "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8",
	"JupiterV6":     "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4",
	"JupiterV4":     "JUP4Fb2cqiRUcaTHdrPC8h2gNsA2ETXiPDD33WcGuJB",
	"OrcaWhirlpool": "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc",
	// LayerZero bridge, old then current deployment
	"LayerZeroOld": "6doghB248px58JSSwG4qejQ46kFMW4AMj7vzJnWZHNZn",
	"LayerZero":    "3fCoNdCEoEcERakCPM17NjLE9AocA86LMwRRWDpzjLVh",
}

// Token mint addresses
var TokenMints = map[string]string{
	"YU":   "YUYAiJo8KVbnc6Fb6h3MnH2VGND4uGWDH4iLnw7DLEu",
	"SOL":  "So11111111111111111111111111111111111111112",
	"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
}
