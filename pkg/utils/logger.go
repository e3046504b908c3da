package utils

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Context keys carried into log fields
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyNodeID    contextKey = "node_id"
	ContextKeyComponent contextKey = "component"
	ContextKeyOperation contextKey = "operation"
)

// Logger configuration constants
const (
	DefaultLogLevel    = "info"
	DefaultLogFileSize = 100 // MB
	DefaultMaxBackups  = 10
	DefaultMaxAge      = 30 // days
)

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string
	Development bool

	// Output settings
	OutputPath      string
	ErrorOutputPath string

	// Rotation settings
	EnableRotation bool
	MaxSize        int // megabytes
	MaxBackups     int
	MaxAge         int // days
	Compress       bool

	// Context settings
	NodeID    string
	Component string
}

// DefaultLogConfig returns production-ready defaults
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:           getEnvOrDefault("LOG_LEVEL", DefaultLogLevel),
		Development:     getEnvOrDefault("ENVIRONMENT", "production") == "development",
		OutputPath:      getEnvOrDefault("LOG_FILE_PATH", ""),
		ErrorOutputPath: "stderr",
		EnableRotation:  getEnvOrDefault("LOG_FILE_PATH", "") != "",
		MaxSize:         getEnvAsIntOrDefault("LOG_MAX_SIZE", DefaultLogFileSize),
		MaxBackups:      getEnvAsIntOrDefault("LOG_MAX_BACKUPS", DefaultMaxBackups),
		MaxAge:          getEnvAsIntOrDefault("LOG_MAX_AGE", DefaultMaxAge),
		Compress:        getEnvAsBoolOrDefault("LOG_COMPRESS", true),
		NodeID:          getEnvOrDefault("NODE_ID", ""),
		Component:       getEnvOrDefault("SERVICE_NAME", "planr-consensus"),
	}
}

// Logger provides structured logging for the consensus engine
type Logger struct {
	base        *zap.Logger
	config      *LogConfig
	atomicLevel zap.AtomicLevel

	shutdownOnce sync.Once
}

// NewLogger creates a new logger instance
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := buildCore(config, encoderConfig, atomicLevel)

	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	if config.NodeID != "" {
		zapLogger = zapLogger.With(zap.String("node_id", config.NodeID))
	}
	if config.Component != "" {
		zapLogger = zapLogger.With(zap.String("component", config.Component))
	}

	return &Logger{
		base:        zapLogger,
		config:      config,
		atomicLevel: atomicLevel,
	}, nil
}

// buildCore assembles the zap core for stdout or a rotating file
func buildCore(config *LogConfig, encoderConfig zapcore.EncoderConfig, level zap.AtomicLevel) zapcore.Core {
	var encoder zapcore.Encoder
	if config.Development {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	if config.OutputPath != "" && config.EnableRotation {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	} else if config.OutputPath != "" {
		file, err := os.OpenFile(config.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			sink = zapcore.AddSync(file)
		} else {
			sink = zapcore.AddSync(os.Stdout)
		}
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	return zapcore.NewCore(encoder, sink, level)
}

// defaultLogger is the process-wide fallback used when a component receives nil
var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// GetLogger returns the process-wide default logger
func GetLogger() *Logger {
	defaultLoggerOnce.Do(func() {
		l, err := NewLogger(nil)
		if err != nil {
			panic(fmt.Sprintf("failed to create default logger: %v", err))
		}
		defaultLogger = l
	})
	return defaultLogger
}

// WithContext creates a new logger with fields extracted from the context
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return &Logger{
		base:        l.base.With(fields...),
		config:      l.config,
		atomicLevel: l.atomicLevel,
	}
}

// WithFields creates a logger with additional fields
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{
		base:        l.base.With(fields...),
		config:      l.config,
		atomicLevel: l.atomicLevel,
	}
}

func extractContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	for _, key := range []contextKey{ContextKeyRequestID, ContextKeyNodeID, ContextKeyComponent, ContextKeyOperation} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}

// Log methods with context support

func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Debug(msg, fields...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Info(msg, fields...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Warn(msg, fields...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Error(msg, fields...)
}

// Log methods without context

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.base.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.base.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.base.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.base.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.base.Fatal(msg, fields...) }

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level string) error {
	newLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	l.atomicLevel.SetLevel(newLevel)
	l.Info("log level changed", zap.String("new_level", level))
	return nil
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() string {
	return l.atomicLevel.Level().String()
}

// Shutdown flushes buffered log entries
func (l *Logger) Shutdown() error {
	var err error
	l.shutdownOnce.Do(func() {
		err = l.base.Sync()
	})
	return err
}

// Zap field helpers so callers do not import zap directly

func ZapString(key, val string) zap.Field                 { return zap.String(key, val) }
func ZapInt(key string, val int) zap.Field                { return zap.Int(key, val) }
func ZapInt64(key string, val int64) zap.Field            { return zap.Int64(key, val) }
func ZapUint64(key string, val uint64) zap.Field          { return zap.Uint64(key, val) }
func ZapFloat64(key string, val float64) zap.Field        { return zap.Float64(key, val) }
func ZapBool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func ZapError(err error) zap.Field                        { return zap.Error(err) }
func ZapDuration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func ZapTime(key string, val time.Time) zap.Field         { return zap.Time(key, val) }
func ZapAny(key string, val interface{}) zap.Field        { return zap.Any(key, val) }
func ZapStringArray(key string, val []string) zap.Field   { return zap.Strings(key, val) }

// Environment helpers

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsBoolOrDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
