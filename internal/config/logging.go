package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the logging section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	zc := zap.NewProductionConfig()
	if !c.Logging.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Logging.Verbosity > 0 && level > zapcore.DebugLevel {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Logger returns the shared logger, building it on first use.
// A broken logging section falls back to a no-op logger.
func (c *Config) Logger() *zap.Logger {
	if c.logger == nil {
		logger, err := c.NewLogger()
		if err != nil {
			logger = zap.NewNop()
		}
		c.logger = logger
	}
	return c.logger
}

// SetLogger replaces the shared logger. Tests use zaptest or zap.NewNop.
func (c *Config) SetLogger(logger *zap.Logger) {
	c.logger = logger
}

// Log writes a debug line if verbosity is at least level.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c.Logging.Verbosity < level {
		return
	}
	c.Logger().Debug(fmt.Sprintf(format, args...), zap.Int("v", level))
}
