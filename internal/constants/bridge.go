package constants

import "time"

// Database name used by the connection store.
const DatabaseName = "tonhub_connect"

// Database pool sizing tiers. The tier is selected from the configured
// maximum number of concurrently tracked bridge sessions.
const (
	DBPoolSmallMaxConns  = 10
	DBPoolSmallMinConns  = 2
	DBPoolMediumMaxConns = 30
	DBPoolMediumMinConns = 5
	DBPoolLargeMaxConns  = 60
	DBPoolLargeMinConns  = 10

	DBConnMaxLifetime    = 30 * time.Minute
	DBConnMaxIdleTime    = 5 * time.Minute
	DBConnAcquireTimeout = 10 * time.Second
)

// Wallet device identity reported in connect events.
const (
	DevicePlatform = "linux"
	DeviceAppName  = "Tonhub"
)

// MaxProtocolVersion is the highest TonConnect protocol version this
// wallet implements. Connect requests above it are rejected before any
// state is touched.
const MaxProtocolVersion = 2

// Remote bridge defaults.
const (
	BridgeHeartbeatInterval = 15 * time.Second
	BridgeReadDeadline      = 60 * time.Second
	BridgeWriteDeadline     = 10 * time.Second
	BridgeMessageTTL        = 300 // seconds, relay-side retention for pushed responses
	BridgeMaxEnvelopeSize   = 1 << 20
)

// ManifestFetchTimeout bounds the dApp manifest request; a slow manifest
// host must not wedge a connect flow forever.
const ManifestFetchTimeout = 10 * time.Second
