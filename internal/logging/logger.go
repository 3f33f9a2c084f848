package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*zap.Logger
}

func NewLogger(level string) (*Logger, error) {
	config := zap.NewProductionConfig()

	// Parse log level
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap.NewNop()}
}

// OrNop lets constructors accept a nil *zap.Logger.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// ForRoot returns a child logger tagged with the working copy root.
func (l *Logger) ForRoot(root string) *zap.Logger {
	return l.With(zap.String("root", root))
}

type requestIDKey struct{}

// ContextWithRequestID tags ctx with a request id for WithRequestID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

func WithRequestID(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if reqID, ok := RequestID(ctx); ok {
		return logger.With(zap.String("request_id", reqID))
	}
	return logger
}
