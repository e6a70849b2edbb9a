package main

import (
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/telemetria/telemetria/pkg/config"
)

// newLogger builds a zap-backed slog logger writing to stderr.
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		level = l
	}
	encoding := cfg.Format
	if encoding == "" {
		encoding = "json"
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       false,
		DisableStacktrace: true,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build zap logger: %w", err)
	}
	sync := func() { _ = zapLogger.Sync() }
	return slog.New(zapslog.NewHandler(zapLogger.Core())), sync, nil
}
