// Package logging provides structured logging on zap, bridged into OpenTelemetry logs
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"order_orchestrator/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "order_orchestrator"

// Options configures a ZapLogger
type Options struct {
	Level  string
	Format string // console or json
	Output io.Writer
	// DisableOTel skips the OpenTelemetry bridge core
	DisableOTel bool
}

// ZapLogger implements core.ILogger on top of zap.Logger
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a console logger at the given level
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	return NewZapLoggerWithOptions(Options{Level: levelStr})
}

// NewZapLoggerWithOptions creates a logger from explicit options
func NewZapLoggerWithOptions(opts Options) (*ZapLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil && opts.Level != "" {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(out), level.zapLevel()),
	}
	if !opts.DisableOTel {
		cores = append(cores, otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(global.GetLoggerProvider())))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))

	return &ZapLogger{logger: logger}, nil
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// Level represents log levels
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zap.DebugLevel
	case WarnLevel:
		return zap.WarnLevel
	case ErrorLevel:
		return zap.ErrorLevel
	case FatalLevel:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// ParseLevel parses a log level string. Unknown values map to INFO with an error.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel, nil
	case "INFO":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// convertToZapFields converts alternating key/value pairs to zap fields
func (l *ZapLogger) convertToZapFields(fields []interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key, ok := fields[i].(string)
			if !ok {
				key = fmt.Sprintf("%v", fields[i])
			}
			zapFields = append(zapFields, toField(key, fields[i+1]))
		}
	}
	return zapFields
}

// toField renders values that implement fmt.Stringer (decimals, ids) as
// strings instead of reflecting over their internals
func toField(key string, value interface{}) zap.Field {
	switch v := value.(type) {
	case error:
		return zap.NamedError(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	default:
		return zap.Any(key, v)
	}
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, l.convertToZapFields(fields)...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{
		logger: l.logger.With(toField(key, value)),
	}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, toField(k, v))
	}
	return &ZapLogger{
		logger: l.logger.With(zapFields...),
	}
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var (
	globalMu     sync.RWMutex
	globalLogger core.ILogger = NewNopLogger()
)

// SetGlobalLogger replaces the process-wide logger used by clients built
// without one
func SetGlobalLogger(logger core.ILogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

func GetGlobalLogger() core.ILogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}
