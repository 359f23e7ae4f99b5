package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/spf13/viper"
)

// ConfigManager manages configuration loading, validation, and hot reload functionality.
type ConfigManager struct {
	config          *Config
	configPath      string
	updateCallbacks []func(*Config)
	watcher         *fsnotify.Watcher
	watcherActive   int32 // Atomic: 0 = inactive, 1 = active
	watcherLock     sync.RWMutex
	lock            sync.RWMutex
	defaultConfig   *Config
	logger          *logging.Logger
	stopChan        chan struct{}
	wg              sync.WaitGroup
}

// CreateConfigManager creates a new configuration manager instance.
func CreateConfigManager() *ConfigManager {
	return &ConfigManager{
		updateCallbacks: make([]func(*Config), 0),
		defaultConfig:   getDefaultConfig(),
		logger:          logging.GetLogger("config-manager"),
		stopChan:        make(chan struct{}, 5), // Buffered to prevent deadlock during shutdown
	}
}

// LoadConfig loads configuration from YAML file with environment variable overrides and validation.
func (cm *ConfigManager) LoadConfig(configPath string) error {
	cm.lock.Lock()
	defer cm.lock.Unlock()

	cm.logger.WithFields(logging.Fields{
		"config_path": configPath,
		"action":      "load_config",
	}).Info("Loading configuration")

	if err := cm.validateConfigFile(configPath); err != nil {
		return fmt.Errorf("configuration validation failed: invalid configuration - %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	cm.setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("RELAYCTL")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: invalid configuration - cannot read configuration file '%s': %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cm.applyDefaultsAfterUnmarshal(&config)

	if err := cm.validateFinalConfiguration(&config); err != nil {
		return fmt.Errorf("configuration validation failed: invalid configuration - %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	oldConfig := cm.config
	cm.config = &config
	cm.configPath = configPath

	if os.Getenv("RELAYCTL_ENABLE_HOT_RELOAD") == "true" {
		if err := cm.startFileWatching(); err != nil {
			cm.logger.WithError(err).Warn("Failed to start file watching, hot reload disabled")
		}
	}

	cm.notifyConfigUpdated(oldConfig, &config)

	cm.logger.WithFields(logging.Fields{
		"config_path": configPath,
		"action":      "load_config",
		"status":      "success",
	}).Info("Configuration loaded successfully")

	return nil
}

// validateConfigFile validates the configuration file before loading.
func (cm *ConfigManager) validateConfigFile(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("configuration file does not exist: '%s'", configPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("cannot read configuration file '%s': %w", configPath, err)
	}

	if len(content) == 0 {
		return fmt.Errorf("configuration file is empty: '%s' - file must contain valid YAML configuration", configPath)
	}

	lines := strings.Split(string(content), "\n")
	hasNonCommentContent := false
	for _, line := range lines {
		trimmedLine := strings.TrimSpace(line)
		if trimmedLine == "" || strings.HasPrefix(trimmedLine, "#") {
			continue
		}
		hasNonCommentContent = true
		break
	}
	if !hasNonCommentContent {
		return fmt.Errorf("configuration file contains only comments or is empty: '%s' - file must contain valid YAML configuration data", configPath)
	}

	return nil
}

// validateFinalConfiguration validates the final configuration values after environment variable overrides.
func (cm *ConfigManager) validateFinalConfiguration(config *Config) error {
	if strings.TrimSpace(config.Database.Path) == "" {
		return fmt.Errorf("database path cannot be empty or whitespace-only")
	}
	if config.Relay.APIPort <= 0 || config.Relay.APIPort > 65535 {
		return fmt.Errorf("relay API port must be between 1 and 65535, got %d", config.Relay.APIPort)
	}
	if strings.TrimSpace(config.Retention.RecordingsRoot) == "" {
		return fmt.Errorf("retention recordings root cannot be empty or whitespace-only")
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
		return fmt.Errorf("logging file path cannot be empty when file logging is enabled")
	}

	if config.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler max_workers must be positive, got %d", config.Scheduler.MaxWorkers)
	}

	return nil
}

// startFileWatching starts watching the configuration file for changes.
func (cm *ConfigManager) startFileWatching() error {
	cm.stopFileWatching()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	cm.watcherLock.Lock()
	cm.watcher = watcher
	cm.watcherLock.Unlock()

	configDir := filepath.Dir(cm.configPath)
	if err := cm.watcher.Add(configDir); err != nil {
		cm.watcher.Close()
		cm.watcherLock.Lock()
		cm.watcher = nil
		cm.watcherLock.Unlock()
		return fmt.Errorf("failed to watch config directory %s: %w", configDir, err)
	}

	atomic.StoreInt32(&cm.watcherActive, 1)

	cm.wg.Add(1)
	go cm.watchFileChanges()

	cm.logger.WithFields(logging.Fields{
		"config_path": cm.configPath,
		"watch_dir":   configDir,
	}).Info("File watching started for hot reload")

	return nil
}

// stopFileWatching stops the file watcher.
func (cm *ConfigManager) stopFileWatching() {
	atomic.StoreInt32(&cm.watcherActive, 0)

	cm.watcherLock.Lock()
	defer cm.watcherLock.Unlock()

	if cm.watcher != nil {
		if err := cm.watcher.Close(); err != nil {
			cm.logger.WithError(err).Warn("Error closing file watcher")
		}
		cm.watcher = nil
		cm.logger.Debug("File watcher stopped and cleaned up")
	}
}

// watchFileChanges watches for file changes and triggers configuration reload.
func (cm *ConfigManager) watchFileChanges() {
	defer cm.wg.Done()

	var reloadTimer *time.Timer

	for {
		select {
		case <-cm.stopChan:
			return
		default:
			if atomic.LoadInt32(&cm.watcherActive) == 0 {
				return
			}

			cm.watcherLock.RLock()
			if cm.watcher == nil {
				cm.watcherLock.RUnlock()
				return
			}
			events := cm.watcher.Events
			errors := cm.watcher.Errors
			cm.watcherLock.RUnlock()

			select {
			case <-cm.stopChan:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Name == cm.configPath {
					cm.logger.WithFields(logging.Fields{
						"file":  event.Name,
						"event": event.Op.String(),
					}).Debug("Configuration file change detected")

					switch event.Op {
					case fsnotify.Write, fsnotify.Create:
						if reloadTimer != nil {
							reloadTimer.Stop()
						}
						reloadTimer = time.AfterFunc(100*time.Millisecond, func() {
							cm.reloadConfiguration()
						})
					case fsnotify.Remove:
						cm.logger.Warn("Configuration file was removed, hot reload disabled")
						cm.stopFileWatching()
						return
					}
				}
			case err, ok := <-errors:
				if !ok {
					return
				}
				cm.logger.WithError(err).Error("File watcher error")
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
	}
}

// reloadConfiguration reloads the configuration file.
func (cm *ConfigManager) reloadConfiguration() {
	cm.logger.Info("Reloading configuration due to file change")

	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Warn("Configuration file no longer exists, stopping hot reload")
		cm.stopFileWatching()
		return
	}

	if err := cm.LoadConfig(cm.configPath); err != nil {
		cm.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cm.logger.Info("Configuration reloaded successfully")
}

// Stop stops the configuration manager and cleans up resources with context-aware cancellation.
func (cm *ConfigManager) Stop(ctx context.Context) error {
	cm.logger.Info("Stopping configuration manager")

	select {
	case <-cm.stopChan:
	default:
		close(cm.stopChan)
	}

	cm.stopFileWatching()

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cm.logger.Warn("Configuration manager shutdown timeout")
		return ctx.Err()
	}

	cm.logger.Info("Configuration manager stopped")
	return nil
}

// GetConfig returns the current configuration.
func (cm *ConfigManager) GetConfig() *Config {
	cm.lock.RLock()
	defer cm.lock.RUnlock()

	if cm.config == nil {
		return cm.defaultConfig
	}
	return cm.config
}

// GetLogger returns the config manager's logger for level configuration.
func (cm *ConfigManager) GetLogger() *logging.Logger {
	return cm.logger
}

// SaveConfig saves the current configuration to the configuration file.
func (cm *ConfigManager) SaveConfig() error {
	cm.lock.Lock()
	defer cm.lock.Unlock()

	if cm.config == nil {
		return fmt.Errorf("no configuration to save")
	}
	if cm.configPath == "" {
		return fmt.Errorf("no configuration file path set")
	}

	cm.logger.WithFields(logging.Fields{
		"config_path": cm.configPath,
		"action":      "save_config",
	}).Info("Saving configuration to file")

	v := viper.New()
	v.SetConfigFile(cm.configPath)
	v.SetConfigType("yaml")

	cm.setConfigValues(v, cm.config)

	configDir := filepath.Dir(cm.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.WithFields(logging.Fields{
		"config_path": cm.configPath,
		"action":      "save_config",
		"status":      "success",
	}).Info("Configuration saved successfully")

	return nil
}

// setConfigValues writes every configuration field into a Viper instance.
func (cm *ConfigManager) setConfigValues(v *viper.Viper, config *Config) {
	v.Set("database.path", config.Database.Path)
	v.Set("database.max_open_conns", config.Database.MaxOpenConns)
	v.Set("database.max_idle_conns", config.Database.MaxIdleConns)
	v.Set("database.busy_timeout_ms", config.Database.BusyTimeoutMs)
	v.Set("database.migrate_on_start", config.Database.MigrateOnStart)

	v.Set("relay.api_port", config.Relay.APIPort)
	v.Set("relay.request_timeout_sec", config.Relay.RequestTimeoutSec)
	v.Set("relay.retry_attempts", config.Relay.RetryAttempts)
	v.Set("relay.retry_delay_sec", config.Relay.RetryDelaySec)
	v.Set("relay.connection_pool.max_idle_conns", config.Relay.ConnectionPool.MaxIdleConns)
	v.Set("relay.connection_pool.max_idle_conns_per_host", config.Relay.ConnectionPool.MaxIdleConnsPerHost)
	v.Set("relay.connection_pool.idle_conn_timeout_sec", config.Relay.ConnectionPool.IdleConnTimeoutSec)

	v.Set("health.fast_interval_sec", config.Health.FastIntervalSec)
	v.Set("health.deep_interval_sec", config.Health.DeepIntervalSec)
	v.Set("health.min_fps", config.Health.MinFPS)
	v.Set("health.max_latency_ms", config.Health.MaxLatencyMs)
	v.Set("health.freeze_duration_sec", config.Health.FreezeDurationSec)
	v.Set("health.silence_threshold_db", config.Health.SilenceThresholdDB)
	v.Set("health.silence_duration_sec", config.Health.SilenceDurationSec)
	v.Set("health.probe_timeout_sec", config.Health.ProbeTimeoutSec)
	v.Set("health.deep_sample_fraction", config.Health.DeepSampleFraction)
	v.Set("health.max_deep_checks_per_scan", config.Health.MaxDeepChecksPerScan)

	v.Set("remediation.max_attempts", config.Remediation.MaxAttempts)
	v.Set("remediation.base_delay_sec", config.Remediation.BaseDelaySec)
	v.Set("remediation.jitter_range", config.Remediation.JitterRange)
	v.Set("remediation.max_delay_sec", config.Remediation.MaxDelaySec)
	v.Set("remediation.cooldown_sec", config.Remediation.CooldownSec)
	v.Set("remediation.circuit_breaker_threshold", config.Remediation.CircuitBreakerThreshold)
	v.Set("remediation.circuit_breaker_window_sec", config.Remediation.CircuitBreakerWindowSec)
	v.Set("remediation.escalation_lookback_sec", config.Remediation.EscalationLookbackSec)

	v.Set("retention.recordings_root", config.Retention.RecordingsRoot)
	v.Set("retention.archive_root", config.Retention.ArchiveRoot)
	v.Set("retention.continuous_retention_days", config.Retention.ContinuousRetentionDays)
	v.Set("retention.event_retention_days", config.Retention.EventRetentionDays)
	v.Set("retention.manual_retention_days", config.Retention.ManualRetentionDays)
	v.Set("retention.archive_after_days", config.Retention.ArchiveAfterDays)
	v.Set("retention.min_free_space_gb", config.Retention.MinFreeSpaceGB)
	v.Set("retention.disk_pressure_threshold", config.Retention.DiskPressureThreshold)
	v.Set("retention.capture_on_event_enabled", config.Retention.CaptureOnEventEnabled)
	v.Set("retention.capture_duration_sec", config.Retention.CaptureDurationSec)

	v.Set("scheduler.fast_health_interval_sec", config.Scheduler.FastHealthIntervalSec)
	v.Set("scheduler.deep_health_interval_sec", config.Scheduler.DeepHealthIntervalSec)
	v.Set("scheduler.fleet_sync_interval_sec", config.Scheduler.FleetSyncIntervalSec)
	v.Set("scheduler.retention_interval_sec", config.Scheduler.RetentionIntervalSec)
	v.Set("scheduler.archive_interval_sec", config.Scheduler.ArchiveIntervalSec)
	v.Set("scheduler.max_workers", config.Scheduler.MaxWorkers)
	v.Set("scheduler.job_timeout_sec", config.Scheduler.JobTimeoutSec)

	v.Set("config_engine.staging_dir", config.ConfigEngine.StagingDir)
	v.Set("config_engine.backup_dir", config.ConfigEngine.BackupDir)
	v.Set("config_engine.template_dir", config.ConfigEngine.TemplateDir)
	v.Set("config_engine.apply_timeout_sec", config.ConfigEngine.ApplyTimeoutSec)
	v.Set("config_engine.rolling_batch_size", config.ConfigEngine.RollingBatchSize)

	v.Set("logging.level", config.Logging.Level)
	v.Set("logging.format", config.Logging.Format)
	v.Set("logging.file_enabled", config.Logging.FileEnabled)
	v.Set("logging.file_path", config.Logging.FilePath)
	v.Set("logging.max_file_size", config.Logging.MaxFileSize)
	v.Set("logging.backup_count", config.Logging.BackupCount)
	v.Set("logging.console_enabled", config.Logging.ConsoleEnabled)
}

// AddUpdateCallback adds a callback function to be called when configuration is updated.
func (cm *ConfigManager) AddUpdateCallback(callback func(*Config)) {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	cm.updateCallbacks = append(cm.updateCallbacks, callback)
}

// RegisterLoggingConfigurationUpdates registers a callback that refreshes global logging
// whenever the configuration is reloaded, so all loggers pick up new level/format settings.
func (cm *ConfigManager) RegisterLoggingConfigurationUpdates() {
	cm.AddUpdateCallback(func(newConfig *Config) {
		if newConfig == nil {
			cm.logger.Warn("Skipping logging config update - invalid configuration")
			return
		}

		loggingConfig := &logging.LoggingConfig{
			Level:          newConfig.Logging.Level,
			Format:         newConfig.Logging.Format,
			FileEnabled:    newConfig.Logging.FileEnabled,
			FilePath:       newConfig.Logging.FilePath,
			MaxFileSize:    newConfig.Logging.MaxFileSize,
			BackupCount:    newConfig.Logging.BackupCount,
			ConsoleEnabled: newConfig.Logging.ConsoleEnabled,
		}

		if err := logging.ConfigureGlobalLogging(loggingConfig); err != nil {
			cm.logger.WithError(err).Error("Failed to update logging configuration")
			return
		}

		cm.logger.WithFields(logging.Fields{
			"level":           loggingConfig.Level,
			"format":          loggingConfig.Format,
			"file_enabled":    loggingConfig.FileEnabled,
			"console_enabled": loggingConfig.ConsoleEnabled,
		}).Info("Logging configuration updated successfully")
	})
}

// setDefaults sets default configuration values in Viper.
func (cm *ConfigManager) setDefaults(v *viper.Viper) {
	loader := NewConfigLoader()
	loader.viper = v
	loader.setDefaults()
}

// notifyConfigUpdated invokes all registered update callbacks with the new configuration.
func (cm *ConfigManager) notifyConfigUpdated(oldConfig, newConfig *Config) {
	_ = oldConfig
	for _, callback := range cm.updateCallbacks {
		callback(newConfig)
	}
}

// getDefaultConfig returns a Config populated with the same defaults as the loader.
func getDefaultConfig() *Config {
	loader := NewConfigLoader()
	loader.setDefaults()

	var config Config
	if err := loader.viper.Unmarshal(&config); err != nil {
		// Defaults are known-good; unmarshal failure here indicates a struct/tag mismatch
		// that validation during normal LoadConfig would also catch.
		return &Config{}
	}
	return &config
}

// applyDefaultsAfterUnmarshal fills in zero-valued fields that a partial YAML document
// left unset, preventing Viper's per-key unmarshal from silently zeroing out defaults.
func (cm *ConfigManager) applyDefaultsAfterUnmarshal(config *Config) {
	defaults := cm.defaultConfig
	if defaults == nil {
		defaults = getDefaultConfig()
	}

	if config.Database.Path == "" {
		config.Database.Path = defaults.Database.Path
	}
	if config.Database.MaxOpenConns == 0 {
		config.Database.MaxOpenConns = defaults.Database.MaxOpenConns
	}
	if config.Relay.APIPort == 0 {
		config.Relay.APIPort = defaults.Relay.APIPort
	}
	if config.Relay.RequestTimeoutSec == 0 {
		config.Relay.RequestTimeoutSec = defaults.Relay.RequestTimeoutSec
	}
	if config.Health.FastIntervalSec == 0 {
		config.Health.FastIntervalSec = defaults.Health.FastIntervalSec
	}
	if config.Health.DeepIntervalSec == 0 {
		config.Health.DeepIntervalSec = defaults.Health.DeepIntervalSec
	}
	if config.Health.MinFPS == 0 {
		config.Health.MinFPS = defaults.Health.MinFPS
	}
	if config.Remediation.MaxAttempts == 0 {
		config.Remediation.MaxAttempts = defaults.Remediation.MaxAttempts
	}
	if config.Remediation.BaseDelaySec == 0 {
		config.Remediation.BaseDelaySec = defaults.Remediation.BaseDelaySec
	}
	if config.Remediation.MaxDelaySec == 0 {
		config.Remediation.MaxDelaySec = defaults.Remediation.MaxDelaySec
	}
	if config.Retention.RecordingsRoot == "" {
		config.Retention.RecordingsRoot = defaults.Retention.RecordingsRoot
	}
	if config.Retention.ContinuousRetentionDays == 0 {
		config.Retention.ContinuousRetentionDays = defaults.Retention.ContinuousRetentionDays
	}
	if config.Scheduler.MaxWorkers == 0 {
		config.Scheduler.MaxWorkers = defaults.Scheduler.MaxWorkers
	}
	if config.ConfigEngine.StagingDir == "" {
		config.ConfigEngine.StagingDir = defaults.ConfigEngine.StagingDir
	}
	if config.ConfigEngine.RollingBatchSize == 0 {
		config.ConfigEngine.RollingBatchSize = defaults.ConfigEngine.RollingBatchSize
	}
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Logging.Format
	}
}
