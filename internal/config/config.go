package config

import (
	"fmt"
)

// Config represents the complete control plane configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Health       HealthConfig       `mapstructure:"health"`
	Remediation  RemediationConfig  `mapstructure:"remediation"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	ConfigEngine ConfigEngineConfig `mapstructure:"config_engine"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// DatabaseConfig configures the metadata store (C1).
type DatabaseConfig struct {
	Path            string `mapstructure:"path"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	BusyTimeoutMs   int    `mapstructure:"busy_timeout_ms"`
	MigrateOnStart  bool   `mapstructure:"migrate_on_start"`
}

// RelayConnectionPoolConfig mirrors http.Transport pooling knobs.
type RelayConnectionPoolConfig struct {
	MaxIdleConns        int `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeoutSec  int `mapstructure:"idle_conn_timeout_sec"`
}

// RelayConfig configures the relay client (C2) used against every node's MediaMTX API.
type RelayConfig struct {
	APIPort            int                       `mapstructure:"api_port"`
	RequestTimeoutSec  float64                   `mapstructure:"request_timeout_sec"`
	RetryAttempts      int                       `mapstructure:"retry_attempts"`
	RetryDelaySec      float64                   `mapstructure:"retry_delay_sec"`
	ConnectionPool     RelayConnectionPoolConfig `mapstructure:"connection_pool"`
}

// HealthConfig configures the health classifier (C3/C4).
type HealthConfig struct {
	FastIntervalSec      int     `mapstructure:"fast_interval_sec"`
	DeepIntervalSec      int     `mapstructure:"deep_interval_sec"`
	MinFPS               float64 `mapstructure:"min_fps"`
	MaxLatencyMs         int     `mapstructure:"max_latency_ms"`
	FreezeDurationSec    float64 `mapstructure:"freeze_duration_sec"`
	SilenceThresholdDB   float64 `mapstructure:"silence_threshold_db"`
	SilenceDurationSec   float64 `mapstructure:"silence_duration_sec"`
	ProbeTimeoutSec      float64 `mapstructure:"probe_timeout_sec"`
	DeepSampleFraction   float64 `mapstructure:"deep_sample_fraction"`
	MaxDeepChecksPerScan int     `mapstructure:"max_deep_checks_per_scan"`
}

// RemediationConfig configures the tiered remediation engine (C5).
type RemediationConfig struct {
	MaxAttempts             int     `mapstructure:"max_attempts"`
	BaseDelaySec            float64 `mapstructure:"base_delay_sec"`
	JitterRange             float64 `mapstructure:"jitter_range"`
	MaxDelaySec             float64 `mapstructure:"max_delay_sec"`
	CooldownSec             float64 `mapstructure:"cooldown_sec"`
	CircuitBreakerThreshold int     `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerWindowSec float64 `mapstructure:"circuit_breaker_window_sec"`
	EscalationLookbackSec   float64 `mapstructure:"escalation_lookback_sec"`
}

// RetentionConfig configures the retention and archival engine (C8).
type RetentionConfig struct {
	RecordingsRoot           string  `mapstructure:"recordings_root"`
	ArchiveRoot              string  `mapstructure:"archive_root"`
	ContinuousRetentionDays  int     `mapstructure:"continuous_retention_days"`
	EventRetentionDays       int     `mapstructure:"event_retention_days"`
	ManualRetentionDays      int     `mapstructure:"manual_retention_days"`
	ArchiveAfterDays         int     `mapstructure:"archive_after_days"`
	MinFreeSpaceGB           float64 `mapstructure:"min_free_space_gb"`
	DiskPressureThreshold    float64 `mapstructure:"disk_pressure_threshold"`
	CaptureOnEventEnabled    bool    `mapstructure:"capture_on_event_enabled"`
	CaptureDurationSec       int     `mapstructure:"capture_duration_sec"`
}

// SchedulerConfig configures the job scheduler (C9).
type SchedulerConfig struct {
	FastHealthIntervalSec int `mapstructure:"fast_health_interval_sec"`
	DeepHealthIntervalSec int `mapstructure:"deep_health_interval_sec"`
	FleetSyncIntervalSec  int `mapstructure:"fleet_sync_interval_sec"`
	RetentionIntervalSec  int `mapstructure:"retention_interval_sec"`
	ArchiveIntervalSec    int `mapstructure:"archive_interval_sec"`
	MaxWorkers            int `mapstructure:"max_workers"`
	JobTimeoutSec         int `mapstructure:"job_timeout_sec"`
}

// ConfigEngineConfig configures the config plan/apply/rollback engine (C7).
type ConfigEngineConfig struct {
	StagingDir       string `mapstructure:"staging_dir"`
	BackupDir        string `mapstructure:"backup_dir"`
	TemplateDir      string `mapstructure:"template_dir"`
	ApplyTimeoutSec  int    `mapstructure:"apply_timeout_sec"`
	RollingBatchSize int    `mapstructure:"rolling_batch_size"`
}

// LoggingConfig represents logging configuration settings.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	FileEnabled    bool   `mapstructure:"file_enabled"`
	FilePath       string `mapstructure:"file_path"`
	MaxFileSize    int    `mapstructure:"max_file_size"`
	BackupCount    int    `mapstructure:"backup_count"`
	ConsoleEnabled bool   `mapstructure:"console_enabled"`
}

// String returns a string representation of the configuration for debugging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Relay: api_port=%d, Scheduler: fast=%ds deep=%ds, Logging: level=%s}",
		c.Database.Path, c.Relay.APIPort,
		c.Scheduler.FastHealthIntervalSec, c.Scheduler.DeepHealthIntervalSec,
		c.Logging.Level)
}
