// Package config provides centralized configuration management for the
// relay fleet control plane's own process — distinct from the per-node
// relay config that the Config Engine (C7) manages on managed nodes.
//
// This package handles configuration loading, validation, hot reload
// functionality, and provides type-safe access to all control-plane
// configuration settings.
//
// Architecture Compliance:
//   - Centralized Configuration: Single source of truth for all configuration
//   - Hot Reload: Runtime configuration updates without process restart
//   - Environment Override: Support for environment variable overrides
//   - Validation: Built-in configuration validation and defaults
//   - Type Safety: Strongly typed configuration structures
//
// Key Features:
//   - YAML configuration file loading with Viper
//   - Environment variable override support (RELAYCTL_* prefix)
//   - Hot reload with file system watching
//   - Configuration validation with meaningful error messages
//   - Default value management and fallback handling
//   - Thread-safe configuration access
//
// Configuration Categories:
//   - Database: metadata store (C1) connection settings
//   - Relay: relay client (C2) timeouts and connection pooling
//   - Health: health classifier (C4) thresholds and cadences
//   - Remediation: remediation engine (C5) backoff and circuit breaker tuning
//   - Retention: retention engine (C8) paths, retention windows, thresholds
//   - Scheduler: job scheduler (C9) cadences and worker pool sizing
//   - ConfigEngine: config plan/apply engine (C7) staging and rollout settings
//   - Logging: log levels, formats, output destinations
//
// Usage Pattern:
//   - Create ConfigLoader with NewConfigLoader()
//   - Load configuration with LoadConfig(path)
//   - Register for updates with ConfigManager.AddUpdateCallback(callback);
//     file watching runs when RELAYCTL_ENABLE_HOT_RELOAD=true
package config
