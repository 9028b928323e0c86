// Package logging builds the zap loggers every binary in this module uses.
// The proxy writes to a single inherited stream rather than a rotated
// file, so zapcore.AddSync wraps os.Stderr/os.Stdout directly.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "timestamp",
	LevelKey:       "level",
	NameKey:        "logger",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.SecondsDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// New builds a JSON logger writing newline-delimited records to w at level,
// tagged with a "component" field so multiplexed output (proxy + detectors)
// stays attributable without a textual line prefix.
func New(w zapcore.WriteSyncer, component string, debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), w, level)
	return zap.New(core, zap.AddCaller()).With(zap.String("component", component))
}

// NewStdio returns the logger for the STDIO proxy binary. stdout is
// reserved for JSON-RPC framing there, so every log record goes to stderr.
func NewStdio(debug bool) *zap.Logger {
	return New(zapcore.AddSync(os.Stderr), "proxy", debug)
}

// NewServer returns the logger for the HTTP/SSE server binary, which owns
// stdout exclusively (no co-mingled protocol stream to protect).
func NewServer(debug bool) *zap.Logger {
	return New(zapcore.AddSync(os.Stdout), "server", debug)
}
