// Package logging builds the zap logger shared by the meterd commands.
package logging

import (
	"go.uber.org/zap"
)

// NewLogger returns a production JSON logger unless level is "debug" or
// "trace", which select the development config at debug level.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" || level == "trace" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	}
	return zap.NewProduction()
}
