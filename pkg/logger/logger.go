// Package logger wraps zap with a key/value API used across the service
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper around zap's sugared logger
type Logger struct {
	sugar *zap.SugaredLogger
	zap   *zap.Logger
}

// New creates a logger for the given level and environment.
// Production uses JSON output, everything else the console encoder.
func New(level, environment string) *Logger {
	var cfg zap.Config
	if environment == "production" || environment == "staging" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	z, err := cfg.Build()
	if err != nil {
		z = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(os.Stdout),
			parseLevel(level),
		))
	}
	z = z.With(zap.String("service", "payout-service"))

	return FromZap(z)
}

// NewNop returns a logger that discards everything, for tests
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{sugar: z.Sugar(), zap: z}
}

// FromZap wraps an existing zap logger
func FromZap(z *zap.Logger) *Logger {
	return &Logger{sugar: z.WithOptions(zap.AddCallerSkip(1)).Sugar(), zap: z}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Zap returns the underlying structured logger
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return FromZap(l.zap.Sugar().With(keysAndValues...).Desugar())
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.sugar.Fatalw(msg, keysAndValues...)
}

// Sync flushes buffered log entries
func (l *Logger) Sync() error {
	return l.zap.Sync()
}
