// Package logging builds the zap logger used by the export tool.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger modes.
const (
	Development = "development"
	Production  = "production"
)

// New builds a logger for mode. Development logs are human readable with
// colored levels and include debug output; production logs are JSON at
// info level.
func New(mode string) (*zap.Logger, error) {
	var config zap.Config
	switch mode {
	case Production:
		config = zap.NewProductionConfig()
	case Development, "":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log mode %q", mode)
	}
	return config.Build()
}

// Sync flushes logger, ignoring the errors stderr returns on some platforms.
func Sync(logger *zap.Logger) {
	if logger != nil {
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on terminals
	}
}
