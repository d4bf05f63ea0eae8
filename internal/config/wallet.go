package config

// WalletConfig identifies the wallet account this daemon answers for.
type WalletConfig struct {
	Address             string `mapstructure:"ADDRESS"               json:"address"                validate:"omitempty,ton_addr"`
	PublicKey           string `mapstructure:"PUBLIC_KEY"            json:"public_key"             validate:"omitempty,hexadecimal"`
	StateInit           string `mapstructure:"STATE_INIT"            json:"state_init"             validate:"omitempty,base64"`
	Network             string `mapstructure:"NETWORK"               json:"network"                validate:"required,oneof=mainnet testnet"`
	AppVersion          string `mapstructure:"APP_VERSION"           json:"app_version"            validate:"required"`
	MaxMessages         int    `mapstructure:"MAX_MESSAGES"          json:"max_messages"           validate:"required,min=1,max=255"`
	AutoConnectDisabled bool   `mapstructure:"AUTO_CONNECT_DISABLED" json:"auto_connect_disabled"`
}
