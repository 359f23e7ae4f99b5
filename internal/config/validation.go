package config

import (
	"fmt"
	"strings"
)

// validateConfig performs structural validation on a loaded configuration.
func validateConfig(config *Config) error {
	if strings.TrimSpace(config.Database.Path) == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if config.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database max_open_conns must be positive, got %d", config.Database.MaxOpenConns)
	}

	if config.Relay.APIPort <= 0 || config.Relay.APIPort > 65535 {
		return fmt.Errorf("relay api_port must be between 1 and 65535, got %d", config.Relay.APIPort)
	}
	if config.Relay.RequestTimeoutSec <= 0 {
		return fmt.Errorf("relay request_timeout_sec must be positive, got %f", config.Relay.RequestTimeoutSec)
	}

	if config.Health.FastIntervalSec <= 0 {
		return fmt.Errorf("health fast_interval_sec must be positive, got %d", config.Health.FastIntervalSec)
	}
	if config.Health.DeepIntervalSec <= 0 {
		return fmt.Errorf("health deep_interval_sec must be positive, got %d", config.Health.DeepIntervalSec)
	}
	if config.Health.MinFPS <= 0 {
		return fmt.Errorf("health min_fps must be positive, got %f", config.Health.MinFPS)
	}
	if config.Health.DeepSampleFraction <= 0 || config.Health.DeepSampleFraction > 1 {
		return fmt.Errorf("health deep_sample_fraction must be in (0,1], got %f", config.Health.DeepSampleFraction)
	}

	if config.Remediation.MaxAttempts <= 0 {
		return fmt.Errorf("remediation max_attempts must be positive, got %d", config.Remediation.MaxAttempts)
	}
	if config.Remediation.BaseDelaySec <= 0 {
		return fmt.Errorf("remediation base_delay_sec must be positive, got %f", config.Remediation.BaseDelaySec)
	}
	if config.Remediation.MaxDelaySec < config.Remediation.BaseDelaySec {
		return fmt.Errorf("remediation max_delay_sec (%f) cannot be smaller than base_delay_sec (%f)",
			config.Remediation.MaxDelaySec, config.Remediation.BaseDelaySec)
	}
	if config.Remediation.JitterRange < 0 {
		return fmt.Errorf("remediation jitter_range cannot be negative, got %f", config.Remediation.JitterRange)
	}
	if config.Remediation.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("remediation circuit_breaker_threshold must be positive, got %d", config.Remediation.CircuitBreakerThreshold)
	}

	if strings.TrimSpace(config.Retention.RecordingsRoot) == "" {
		return fmt.Errorf("retention recordings_root cannot be empty")
	}
	if config.Retention.ContinuousRetentionDays <= 0 {
		return fmt.Errorf("retention continuous_retention_days must be positive, got %d", config.Retention.ContinuousRetentionDays)
	}
	if config.Retention.ArchiveAfterDays < 0 {
		return fmt.Errorf("retention archive_after_days cannot be negative, got %d", config.Retention.ArchiveAfterDays)
	}
	if config.Retention.DiskPressureThreshold <= 0 || config.Retention.DiskPressureThreshold > 1 {
		return fmt.Errorf("retention disk_pressure_threshold must be in (0,1], got %f", config.Retention.DiskPressureThreshold)
	}

	if config.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler max_workers must be positive, got %d", config.Scheduler.MaxWorkers)
	}
	if config.Scheduler.FastHealthIntervalSec <= 0 {
		return fmt.Errorf("scheduler fast_health_interval_sec must be positive, got %d", config.Scheduler.FastHealthIntervalSec)
	}

	if strings.TrimSpace(config.ConfigEngine.StagingDir) == "" {
		return fmt.Errorf("config_engine staging_dir cannot be empty")
	}
	if strings.TrimSpace(config.ConfigEngine.BackupDir) == "" {
		return fmt.Errorf("config_engine backup_dir cannot be empty")
	}
	if config.ConfigEngine.RollingBatchSize <= 0 {
		return fmt.Errorf("config_engine rolling_batch_size must be positive, got %d", config.ConfigEngine.RollingBatchSize)
	}

	validLogLevels := []string{"debug", "info", "warn", "warning", "error", "fatal", "panic"}
	levelFound := false
	for _, valid := range validLogLevels {
		if strings.ToLower(config.Logging.Level) == valid {
			levelFound = true
			break
		}
	}
	if !levelFound {
		return fmt.Errorf("logging level must be one of: %v, got %s", validLogLevels, config.Logging.Level)
	}
	if config.Logging.FileEnabled && strings.TrimSpace(config.Logging.FilePath) == "" {
		return fmt.Errorf("logging file_path cannot be empty when file logging is enabled")
	}

	return nil
}

// ValidateConfig is the exported entry point used by ConfigManager.
func ValidateConfig(config *Config) error {
	return validateConfig(config)
}
