package config

import "github.com/spf13/viper"

// setDefaults sets the built-in defaults; a config file and the
// environment override them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3000)

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("storage.backend", "redis")
	v.SetDefault("storage.path", "")

	v.SetDefault("monitoring.log_level", "info")

	v.SetDefault("network.heartbeat_interval", "30s")
	v.SetDefault("network.timeout", "30s")

	v.SetDefault("reservation_timeout", "300s")

	v.SetDefault("confirmation.max_concurrency", 10)
	v.SetDefault("confirmation.batch_size", 5)
	v.SetDefault("confirmation.processing_timeout", "30s")
	v.SetDefault("confirmation.max_retries", 3)

	v.SetDefault("transfer.leg_timeout", "5m")
	v.SetDefault("transfer.ttl", "60m")
	v.SetDefault("transfer.sweep_interval", "60s")
}
