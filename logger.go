package chronicle

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

//nolint:gochecknoglobals // The logger is a global component
var (
	logger   Logger
	loggerMu sync.RWMutex
)

//nolint:gochecknoinits // The logger is a global component
func init() {
	logger = DefaultLogger()
}

// A Logger writes structured log lines. Args are alternating keys and values.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// DefaultLogger returns a production zap logger writing JSON at info level.
//
//nolint:ireturn // Deliberately an interface
func DefaultLogger() Logger {
	l, err := NewZapLogger("info", "json")
	if err != nil {
		return NopLogger()
	}

	return l
}

// NopLogger returns a Logger that discards everything.
//
//nolint:ireturn // Deliberately an interface
func NopLogger() Logger {
	return ZapLogger{sugar: zap.NewNop().Sugar()}
}

// GetLogger returns the package-wide logger.
//
//nolint:ireturn // Deliberately an interface
func GetLogger() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()

	return logger
}

// SetLogger replaces the package-wide logger. Components capture the logger
// when they are constructed.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	logger = l
}

// ZapLogger adapts a zap SugaredLogger to the Logger interface.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var _ Logger = ZapLogger{}

// NewZapLogger builds a zap-backed Logger. Level is one of debug, info, warn or error.
// Format is json or console.
func NewZapLogger(level, format string) (ZapLogger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return ZapLogger{}, fmt.Errorf("parsing log level: %w", err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return ZapLogger{}, fmt.Errorf("unsupported log format %q", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return ZapLogger{}, fmt.Errorf("building zap logger: %w", err)
	}

	return ZapLogger{sugar: l.Sugar()}, nil
}

// FromZap wraps an existing zap logger.
func FromZap(l *zap.Logger) ZapLogger {
	return ZapLogger{sugar: l.Sugar()}
}

func (l ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l ZapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l ZapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l ZapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

//nolint:ireturn // Deliberately an interface
func (l ZapLogger) With(args ...any) Logger {
	return ZapLogger{sugar: l.sugar.With(args...)}
}

// Sync flushes buffered log entries.
func (l ZapLogger) Sync() error {
	return l.sugar.Sync()
}
