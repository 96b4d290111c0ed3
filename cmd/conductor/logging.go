package main

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newCLILogger logs human-readable lines to stderr, quiet unless asked.
func newCLILogger(verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	if env := strings.TrimSpace(os.Getenv("CONDUCTOR_LOG_LEVEL")); env != "" {
		if parsed, err := zapcore.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// newWorkerLogger writes JSON lines to stderr, which the dispatcher points
// at the entity's worker.log.
func newWorkerLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil
	if env := strings.TrimSpace(os.Getenv("CONDUCTOR_LOG_LEVEL")); env != "" {
		if parsed, err := zapcore.ParseLevel(env); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(parsed)
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
