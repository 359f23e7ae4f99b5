package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ConfigLoader handles configuration loading using Viper.
type ConfigLoader struct {
	viper  *viper.Viper
	logger *logrus.Logger
}

// NewConfigLoader creates a new configuration loader.
func NewConfigLoader() *ConfigLoader {
	v := viper.New()

	v.SetConfigType("yaml")

	v.SetEnvPrefix("RELAYCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &ConfigLoader{
		viper:  v,
		logger: logrus.New(),
	}
}

// LoadConfig loads configuration from the specified file path.
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	cl.viper.SetConfigFile(configPath)

	cl.setDefaults()

	if err := cl.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			cl.logger.Warn("Configuration file not found, using defaults")
		} else if os.IsNotExist(err) {
			cl.logger.Warn("Configuration file not found, using defaults")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := cl.viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cl.logger.Info("Configuration loaded successfully")
	return &config, nil
}

// setDefaults sets all default configuration values.
func (cl *ConfigLoader) setDefaults() {
	cl.viper.SetDefault("database.path", "/var/lib/relayctl/controlplane.db")
	cl.viper.SetDefault("database.max_open_conns", 10)
	cl.viper.SetDefault("database.max_idle_conns", 5)
	cl.viper.SetDefault("database.busy_timeout_ms", 5000)
	cl.viper.SetDefault("database.migrate_on_start", true)

	cl.viper.SetDefault("relay.api_port", 9997)
	cl.viper.SetDefault("relay.request_timeout_sec", 5.0)
	cl.viper.SetDefault("relay.retry_attempts", 3)
	cl.viper.SetDefault("relay.retry_delay_sec", 1.0)
	cl.viper.SetDefault("relay.connection_pool.max_idle_conns", 50)
	cl.viper.SetDefault("relay.connection_pool.max_idle_conns_per_host", 10)
	cl.viper.SetDefault("relay.connection_pool.idle_conn_timeout_sec", 90)

	cl.viper.SetDefault("health.fast_interval_sec", 10)
	cl.viper.SetDefault("health.deep_interval_sec", 300)
	cl.viper.SetDefault("health.min_fps", 10.0)
	cl.viper.SetDefault("health.max_latency_ms", 5000)
	cl.viper.SetDefault("health.freeze_duration_sec", 5.0)
	cl.viper.SetDefault("health.silence_threshold_db", -50.0)
	cl.viper.SetDefault("health.silence_duration_sec", 5.0)
	cl.viper.SetDefault("health.probe_timeout_sec", 8.0)
	cl.viper.SetDefault("health.deep_sample_fraction", 1.0)
	cl.viper.SetDefault("health.max_deep_checks_per_scan", 50)

	cl.viper.SetDefault("remediation.max_attempts", 5)
	cl.viper.SetDefault("remediation.base_delay_sec", 1.0)
	cl.viper.SetDefault("remediation.jitter_range", 0.3)
	cl.viper.SetDefault("remediation.max_delay_sec", 60.0)
	cl.viper.SetDefault("remediation.cooldown_sec", 300.0)
	cl.viper.SetDefault("remediation.circuit_breaker_threshold", 10)
	cl.viper.SetDefault("remediation.circuit_breaker_window_sec", 3600.0)
	cl.viper.SetDefault("remediation.escalation_lookback_sec", 3600.0)

	cl.viper.SetDefault("retention.recordings_root", "/var/lib/relayctl/recordings")
	cl.viper.SetDefault("retention.archive_root", "/mnt/nas/relayctl-archive")
	cl.viper.SetDefault("retention.continuous_retention_days", 7)
	cl.viper.SetDefault("retention.event_retention_days", 30)
	cl.viper.SetDefault("retention.manual_retention_days", 90)
	cl.viper.SetDefault("retention.archive_after_days", 3)
	cl.viper.SetDefault("retention.min_free_space_gb", 50.0)
	cl.viper.SetDefault("retention.disk_pressure_threshold", 0.85)
	cl.viper.SetDefault("retention.capture_on_event_enabled", true)
	cl.viper.SetDefault("retention.capture_duration_sec", 30)

	cl.viper.SetDefault("scheduler.fast_health_interval_sec", 10)
	cl.viper.SetDefault("scheduler.deep_health_interval_sec", 300)
	cl.viper.SetDefault("scheduler.fleet_sync_interval_sec", 300)
	cl.viper.SetDefault("scheduler.retention_interval_sec", 3600)
	cl.viper.SetDefault("scheduler.archive_interval_sec", 86400)
	cl.viper.SetDefault("scheduler.max_workers", 8)
	cl.viper.SetDefault("scheduler.job_timeout_sec", 120)

	cl.viper.SetDefault("config_engine.staging_dir", "/var/lib/relayctl/config-staging")
	cl.viper.SetDefault("config_engine.backup_dir", "/var/lib/relayctl/config-backups")
	cl.viper.SetDefault("config_engine.template_dir", "/etc/relayctl/templates")
	cl.viper.SetDefault("config_engine.apply_timeout_sec", 30)
	cl.viper.SetDefault("config_engine.rolling_batch_size", 1)

	cl.viper.SetDefault("logging.level", "info")
	cl.viper.SetDefault("logging.format", "text")
	cl.viper.SetDefault("logging.file_enabled", true)
	cl.viper.SetDefault("logging.file_path", "/var/log/relayctl/controlplane.log")
	cl.viper.SetDefault("logging.max_file_size", 10485760)
	cl.viper.SetDefault("logging.backup_count", 5)
	cl.viper.SetDefault("logging.console_enabled", true)
}

// GetViper returns the underlying Viper instance for advanced usage.
func (cl *ConfigLoader) GetViper() *viper.Viper {
	return cl.viper
}
