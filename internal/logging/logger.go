// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production. The
// returned logger is tagged with the job name so every line from one
// orchestrator run can be grepped out of shared log storage.
func New(development bool, jobName string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err = cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
	} else {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		cfg.EncoderConfig.TimeKey = "ts"
		logger, err = cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build prod logger: %w", err)
		}
	}
	if jobName != "" {
		logger = logger.With(zap.String("job", jobName))
	}
	return logger, nil
}
