// Package config holds the router configuration: the struct mirrored by
// finp2pd.toml, defaults, the viper loader, and validation. Invalid
// configuration fails startup deterministically.
package config

import (
	"time"
)

// Config is the complete finp2pd configuration.
type Config struct {
	RouterID string `toml:"router_id" mapstructure:"router_id"`
	Host     string `toml:"host" mapstructure:"host"`
	Port     int    `toml:"port" mapstructure:"port"`

	Redis        RedisConfig             `toml:"redis" mapstructure:"redis"`
	Storage      StorageConfig           `toml:"storage" mapstructure:"storage"`
	Security     SecurityConfig          `toml:"security" mapstructure:"security"`
	Monitoring   MonitoringConfig        `toml:"monitoring" mapstructure:"monitoring"`
	Network      NetworkConfig           `toml:"network" mapstructure:"network"`
	Ledgers      map[string]LedgerConfig `toml:"ledgers" mapstructure:"ledgers"`
	Confirmation ConfirmationConfig      `toml:"confirmation" mapstructure:"confirmation"`
	Transfer     TransferConfig          `toml:"transfer" mapstructure:"transfer"`

	// ReservationTimeout is the reservation TTL.
	ReservationTimeout time.Duration `toml:"reservation_timeout" mapstructure:"reservation_timeout"`

	configPath string
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string { return c.configPath }

// RedisConfig points at the shared key-value server.
type RedisConfig struct {
	URL string `toml:"url" mapstructure:"url"`
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	// Backend is one of redis, pebble, memory.
	Backend string `toml:"backend" mapstructure:"backend"`

	// Path is the on-disk location for the pebble backend.
	Path string `toml:"path" mapstructure:"path"`
}

// SecurityConfig holds the router's key material.
type SecurityConfig struct {
	// EncryptionKey protects data at rest; at least 32 characters.
	EncryptionKey string `toml:"encryption_key" mapstructure:"encryption_key"`

	// PrivateKey is the hex-encoded secp256k1 signing key. Generated
	// with `finp2pd keygen`.
	PrivateKey string `toml:"private_key" mapstructure:"private_key"`
}

// MonitoringConfig holds observability settings.
type MonitoringConfig struct {
	LogLevel string `toml:"log_level" mapstructure:"log_level"`
}

// PeerConfig describes one federation peer.
type PeerConfig struct {
	ID        string `toml:"id" mapstructure:"id"`
	URL       string `toml:"url" mapstructure:"url"`
	PublicKey string `toml:"public_key" mapstructure:"public_key"`
}

// NetworkConfig holds federation networking settings.
type NetworkConfig struct {
	Peers             []PeerConfig  `toml:"peers" mapstructure:"peers"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	Timeout           time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// LedgerConfig describes one ledger adapter.
type LedgerConfig struct {
	// Type is one of mock, sui, hedera, aptos, fabric.
	Type   string            `toml:"type" mapstructure:"type"`
	Config map[string]string `toml:"config" mapstructure:"config"`
}

// ConfirmationConfig holds the parallel confirmation processor tunables.
type ConfirmationConfig struct {
	MaxConcurrency    int           `toml:"max_concurrency" mapstructure:"max_concurrency"`
	BatchSize         int           `toml:"batch_size" mapstructure:"batch_size"`
	ProcessingTimeout time.Duration `toml:"processing_timeout" mapstructure:"processing_timeout"`
	MaxRetries        int           `toml:"max_retries" mapstructure:"max_retries"`
}

// TransferConfig holds the transfer state machine tunables.
type TransferConfig struct {
	LegTimeout    time.Duration `toml:"leg_timeout" mapstructure:"leg_timeout"`
	TTL           time.Duration `toml:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `toml:"sweep_interval" mapstructure:"sweep_interval"`
}
