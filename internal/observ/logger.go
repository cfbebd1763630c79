package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Production uses JSON output, every
// other env gets the colored console encoder. Each entry carries the
// process name so server and relay logs can share a sink.
func NewLogger(env, level, process string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	config.InitialFields = map[string]interface{}{"process": process}

	return config.Build()
}

// ParseLevel falls back to info on anything zap does not recognize.
func ParseLevel(level string) zapcore.Level {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return zapLevel
}
