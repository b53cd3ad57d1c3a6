package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every validation failure. Always fatal at
// startup.
var ErrInvalidConfig = errors.New("invalid configuration")

var ledgerTypes = map[string]bool{
	"mock":   true,
	"sui":    true,
	"hedera": true,
	"aptos":  true,
	"fabric": true,
}

var storageBackends = map[string]bool{
	"redis":  true,
	"pebble": true,
	"memory": true,
}

// Validate checks every enumerated option. Checks run in a fixed order
// so the same bad input always yields the same error.
func (c *Config) Validate() error {
	if c.RouterID == "" {
		return fmt.Errorf("%w: router_id must not be empty", ErrInvalidConfig)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 0..65535", ErrInvalidConfig, c.Port)
	}

	if !storageBackends[c.Storage.Backend] {
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("%w: redis.url must not be empty", ErrInvalidConfig)
	}
	if c.Storage.Backend == "pebble" && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path required for the pebble backend", ErrInvalidConfig)
	}

	if len(c.Security.EncryptionKey) < 32 {
		return fmt.Errorf("%w: security.encryption_key must be at least 32 characters", ErrInvalidConfig)
	}
	if c.Monitoring.LogLevel == "" {
		return fmt.Errorf("%w: monitoring.log_level must not be empty", ErrInvalidConfig)
	}

	for name, lc := range c.Ledgers {
		if !ledgerTypes[lc.Type] {
			return fmt.Errorf("%w: ledger %q has unknown type %q", ErrInvalidConfig, name, lc.Type)
		}
	}

	for i, peer := range c.Network.Peers {
		if peer.ID == "" {
			return fmt.Errorf("%w: network.peers[%d] has no id", ErrInvalidConfig, i)
		}
		if peer.URL == "" {
			return fmt.Errorf("%w: network.peers[%d] (%s) has no url", ErrInvalidConfig, i, peer.ID)
		}
	}
	if c.Network.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: network.heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if c.Network.Timeout <= 0 {
		return fmt.Errorf("%w: network.timeout must be positive", ErrInvalidConfig)
	}
	if c.ReservationTimeout <= 0 {
		return fmt.Errorf("%w: reservation_timeout must be positive", ErrInvalidConfig)
	}

	if c.Confirmation.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: confirmation.max_concurrency must be positive", ErrInvalidConfig)
	}
	if c.Confirmation.BatchSize <= 0 {
		return fmt.Errorf("%w: confirmation.batch_size must be positive", ErrInvalidConfig)
	}
	if c.Confirmation.ProcessingTimeout <= 0 {
		return fmt.Errorf("%w: confirmation.processing_timeout must be positive", ErrInvalidConfig)
	}
	if c.Confirmation.MaxRetries <= 0 {
		return fmt.Errorf("%w: confirmation.max_retries must be positive", ErrInvalidConfig)
	}

	if c.Transfer.LegTimeout <= 0 {
		return fmt.Errorf("%w: transfer.leg_timeout must be positive", ErrInvalidConfig)
	}
	if c.Transfer.TTL <= 0 {
		return fmt.Errorf("%w: transfer.ttl must be positive", ErrInvalidConfig)
	}
	if c.Transfer.SweepInterval <= 0 {
		return fmt.Errorf("%w: transfer.sweep_interval must be positive", ErrInvalidConfig)
	}
	return nil
}
