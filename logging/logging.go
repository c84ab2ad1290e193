// Package logging builds the zap loggers used across a node.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/WizardTales/MicroWizard/config"
)

// Level converts a configured level into a zap level.
func Level(l config.LogLevel) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(l)); err != nil {
		return 0, fmt.Errorf("%w: %s", config.ErrInvalidLogLevel, l)
	}
	return level, nil
}

// New builds a logger from cfg. The returned level can be changed at runtime.
func New(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := Level(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil

	switch cfg.Format {
	case "", "json":
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	if cfg.Output != "" {
		zc.OutputPaths = []string{cfg.Output}
	}

	if len(cfg.Fields) > 0 {
		zc.InitialFields = make(map[string]any, len(cfg.Fields))
		for k, v := range cfg.Fields {
			zc.InitialFields[k] = v
		}
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, zc.Level, nil
}

// Watch keeps level in sync with reloaded configurations.
func Watch(w *config.Watcher, level zap.AtomicLevel, logger *zap.Logger) {
	w.OnConfigChange(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Log.Level == newConfig.Log.Level {
			return
		}
		l, err := Level(newConfig.Log.Level)
		if err != nil {
			logger.Warn("ignoring log level", zap.Error(err))
			return
		}
		level.SetLevel(l)
		logger.Info("log level changed", zap.Stringer("level", l))
	})
}
