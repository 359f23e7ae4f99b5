package logging

import (
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LoggerFactory hands out component loggers that share one process-wide
// configuration. Loggers are cached per component, so every subsystem asking
// for "relay" or "scheduler" gets the same instance, and a later
// reconfiguration reaches loggers created before it.
type LoggerFactory struct {
	mu      sync.RWMutex
	config  *LoggingConfig
	loggers map[string]*Logger
}

var (
	factory     *LoggerFactory
	factoryOnce sync.Once
)

// GetLoggerFactory returns the process-wide factory, creating it with
// console-only text defaults on first use.
func GetLoggerFactory() *LoggerFactory {
	factoryOnce.Do(func() {
		factory = &LoggerFactory{
			config: &LoggingConfig{
				Level:          "info",
				Format:         "text",
				ConsoleEnabled: true,
			},
			loggers: make(map[string]*Logger),
		}
	})
	return factory
}

// ConfigureFactory replaces the shared configuration and reapplies it to
// every logger the factory has already handed out.
func ConfigureFactory(config *LoggingConfig) {
	if config == nil {
		return
	}
	f := GetLoggerFactory()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = config
	for _, logger := range f.loggers {
		applyConfig(logger, config)
	}
}

// CreateLogger returns the named component's logger, creating and
// configuring it on first request.
func (f *LoggerFactory) CreateLogger(component string) *Logger {
	f.mu.Lock()
	defer f.mu.Unlock()

	if logger, ok := f.loggers[component]; ok {
		return logger
	}
	logger := NewLogger(component)
	applyConfig(logger, f.config)
	f.loggers[component] = logger
	return logger
}

// applyConfig pushes level, format, and output settings onto a logger. File
// routing (rotation, directories) stays with SetupLogging; a logger with
// both sinks disabled writes to io.Discard.
func applyConfig(logger *Logger, config *LoggingConfig) {
	level, err := logrus.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.Contains(strings.ToLower(config.Format), "json") {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05",
		})
	} else {
		logger.SetFormatter(createConsoleFormatter(config.Format))
	}

	if !config.ConsoleEnabled && !config.FileEnabled {
		logger.SetOutput(io.Discard)
	}
}

// GetLogger fetches a component logger from the global factory.
func GetLogger(component string) *Logger {
	return GetLoggerFactory().CreateLogger(component)
}

// ConfigureGlobalLogging reconfigures the factory and the global logger in
// one step; config reload callbacks go through here.
func ConfigureGlobalLogging(config *LoggingConfig) error {
	ConfigureFactory(config)
	return SetupLogging(config)
}
