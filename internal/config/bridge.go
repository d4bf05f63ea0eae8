package config

import "time"

// BridgeConfig holds remote-bridge transport settings.
type BridgeConfig struct {
	URL              string          `mapstructure:"URL"                json:"url"                validate:"required,bridge_url"`
	WatcherURL       string          `mapstructure:"WATCHER_URL"        json:"watcher_url"        validate:"omitempty,bridge_url"`
	HeartbeatPeriod  time.Duration   `mapstructure:"HEARTBEAT_PERIOD"   json:"heartbeat_period"   validate:"required,timeout_duration"`
	WriteTimeout     time.Duration   `mapstructure:"WRITE_TIMEOUT"      json:"write_timeout"      validate:"required,timeout_duration"`
	ReconnectMax     uint            `mapstructure:"RECONNECT_MAX"      json:"reconnect_max"      validate:"min=0,max=1000"`
	ReconnectDelay   time.Duration   `mapstructure:"RECONNECT_DELAY"    json:"reconnect_delay"    validate:"required,timeout_duration"`
	MessageTTL       int             `mapstructure:"MESSAGE_TTL"        json:"message_ttl"        validate:"required,min=1,max=86400"`
	ReplayWindowSize int             `mapstructure:"REPLAY_WINDOW_SIZE" json:"replay_window_size" validate:"required,min=100,max=10000000"`
	WorkerCount      int             `mapstructure:"WORKER_COUNT"       json:"worker_count"       validate:"required,min=1,max=256"`
	WorkerQueueSize  int             `mapstructure:"WORKER_QUEUE_SIZE"  json:"worker_queue_size"  validate:"required,min=1,max=100000"`
	RateLimit        RateLimitConfig `mapstructure:"RATE_LIMIT"         json:"rate_limit"         validate:"required"`
}

// RateLimitConfig holds inbound envelope rate limiting settings.
type RateLimitConfig struct {
	Enabled               bool `mapstructure:"ENABLED"                  json:"enabled"`
	MaxEnvelopesPerSecond int  `mapstructure:"MAX_ENVELOPES_PER_SECOND" json:"max_envelopes_per_second" validate:"min=0,max=50000"`
	BurstSize             int  `mapstructure:"BURST_SIZE"               json:"burst_size"               validate:"min=0,max=10000"`
}
