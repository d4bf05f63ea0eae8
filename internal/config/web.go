package config

import "time"

// WebConfig holds admin API server settings.
type WebConfig struct {
	Enabled      bool          `mapstructure:"ENABLED"       json:"enabled"`
	ListenAddr   string        `mapstructure:"LISTEN_ADDR"   json:"listen_addr"   validate:"required,listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"  json:"read_timeout"  validate:"required,timeout_duration"`
	WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT" json:"write_timeout" validate:"required,timeout_duration"`
}
