package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	RoomIDKey        contextKey = "room_id"
	NamespaceKey     contextKey = "namespace"
	AgentIDKey       contextKey = "agent_id"
)

// Initialize sets up the global logger based on the environment
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback specific for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok {
		fields = append(fields, zap.String("room_id", rid))
	}
	if ns, ok := ctx.Value(NamespaceKey).(string); ok {
		fields = append(fields, zap.String("namespace", ns))
	}
	if aid, ok := ctx.Value(AgentIDKey).(string); ok {
		fields = append(fields, zap.String("agent_id", aid))
	}

	fields = append(fields, zap.String("service", "presence"))

	return fields
}

// RedactSecret shows only a short prefix of a secret value for logs.
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}
