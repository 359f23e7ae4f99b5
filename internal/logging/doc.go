// Package logging provides structured logging with correlation ID support for the relay fleet control plane.
//
// This package implements a centralized logging system using Logrus with structured
// logging, correlation ID tracking, component identification, and configurable output
// destinations (console, file, both, or disabled).
//
// Architecture Compliance:
//   - Structured Logging: JSON and text formats with consistent field structure
//   - Correlation ID Support: Request tracing across service boundaries
//   - Component Identification: Logger instances tagged with component names
//   - Centralized Configuration: Global logging configuration with factory pattern
//   - Thread Safety: All logger operations are thread-safe
//
// Key Features:
//   - Structured logging with JSON and text formatters
//   - Correlation ID tracking for request tracing
//   - Component-based logger instances
//   - Configurable log levels (debug, info, warn, error, fatal)
//   - File rotation with configurable size limits and backup retention
//   - Console and file output with independent enable/disable
//   - Global logger factory with consistent configuration
//
// Usage Patterns:
//   - Get logger factory: GetLoggerFactory()
//   - Configure globally: ConfigureFactory(config)
//   - Create component logger: factory.CreateLogger("component-name")
//   - Get global logger: GetGlobalLogger()
//   - Add correlation ID: WithCorrelationID(ctx, id)
//
// Logger Creation:
//   - Component loggers: factory.CreateLogger("websocket")
//   - Global logger: GetGlobalLogger() for general use
//   - Context-aware: WithCorrelationID(ctx, id) for request tracing
//
// Field Conventions:
//   - "component": Component name (e.g., "health", "remediation", "relay")
//   - "correlation_id": Correlation ID for tracing a job across components
//   - "node_id": Relay node identifier
//   - "stream_path": MediaMTX path name a log entry concerns
//   - "action": Specific action being performed
package logging
