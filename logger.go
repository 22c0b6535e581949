package lattice

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.SugaredLogger

func init() {
	initLogger(logLevel())
}

func initLogger(level string) {

	logger, err := loggerConfig(level).Build()
	if err != nil {
		logger = zap.NewNop()
	}

	log = logger.Sugar()
}

// loggerConfig is a console config that never prints stack traces into the
// caller's output.
func loggerConfig(level string) zap.Config {

	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.DisableStacktrace = true

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return config
}

func logLevel() string {
	return strings.ToLower(os.Getenv("LATTICE_LOG_LEVEL"))
}

// EnableDebugLogging switches the package logger to debug level. Frames are
// then logged in hex as they cross the transport.
func EnableDebugLogging() {
	initLogger("debug")
}

// SetLogger replaces the package logger.
func SetLogger(logger *zap.Logger) {
	log = logger.Sugar()
}
