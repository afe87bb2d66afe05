// Package logging provides structured logging for the host, built on
// uber/zap. Production output is JSON for machine parsing; development
// output is colored console for bench work. Subsystems take Named children
// so a bench log can be filtered per concern.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cartemplate/host/internal/shared/types"
)

// Logger wraps zap.Logger.
type Logger struct {
	*zap.Logger
}

// New builds a logger at the given level ("debug", "info", "warn",
// "error"). Development mode switches to colored console encoding and
// enables stacktraces.
func New(level string, development bool) (*Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	enc := zapcore.EncoderConfig{
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
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoding := "json"
	if development {
		encoding = "console"
		enc.TimeKey = "T"
		enc.LevelKey = "L"
		enc.NameKey = "N"
		enc.CallerKey = "C"
		enc.MessageKey = "M"
		enc.StacktraceKey = "S"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Development:       development,
		Encoding:          encoding,
		EncoderConfig:     enc,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !development,
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l}, nil
}

// NewNop creates a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// App is the canonical field for tagging a log line with the app it
// concerns.
func App(id types.AppIdentity) zap.Field {
	return zap.String("app", id.String())
}
