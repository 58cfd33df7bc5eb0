// Package logging builds the zap loggers used across tiercache.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding.
type Config struct {
	// Level is one of debug, info, warn, error (case-insensitive); default info.
	Level string `yaml:"level"`
	// Format is "console" (default) or "json".
	Format string `yaml:"format"`
	// Output defaults to stdout.
	Output io.Writer `yaml:"-"`
	// Name, if set, names the root logger.
	Name string `yaml:"-"`
}

// ParseLevel maps a level name to a zap level; unknown names yield INFO.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, &FormatError{Format: cfg.Format}
	}

	var w zapcore.WriteSyncer
	if cfg.Output != nil {
		w = zapcore.AddSync(cfg.Output)
	} else {
		w = zapcore.AddSync(os.Stdout)
	}

	logger := zap.New(zapcore.NewCore(enc, w, ParseLevel(cfg.Level)), zap.AddCaller())
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger, nil
}

// FormatError reports an unsupported encoder name.
type FormatError struct{ Format string }

func (e *FormatError) Error() string { return "logging: unknown format " + e.Format }
