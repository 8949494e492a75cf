package shared

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a thin wrapper to allow DI/testing.
type Logger interface {
	Printf(string, ...any)
	Debugf(string, ...any)
	Warnf(string, ...any)
	Errorf(string, ...any)
	Fatalf(string, ...any)
	With(key string, val any) Logger
}

type zeroLogger struct{ zl zerolog.Logger }

// NewLogger returns a logger writing to stdout tagged with the service name.
func NewLogger(prefix string) Logger {
	return NewLoggerWithConfig(prefix, LogConfig{Level: "info"})
}

// NewLoggerWithConfig honours the level and mirrors output to a rotating
// file when LogConfig.File is set.
func NewLoggerWithConfig(prefix string, cfg LogConfig) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = zerolog.MultiLevelWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zl := zerolog.New(out).Level(lvl).With().Timestamp().Str("svc", prefix).Logger()
	return &zeroLogger{zl: zl}
}

// NopLogger discards everything.
func NopLogger() Logger { return &zeroLogger{zl: zerolog.Nop()} }

func (l *zeroLogger) Printf(format string, args ...any) { l.zl.Info().Msgf(format, args...) }

func (l *zeroLogger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }

func (l *zeroLogger) Warnf(format string, args ...any) { l.zl.Warn().Msgf(format, args...) }

func (l *zeroLogger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// Fatalf logs and exits the process.
func (l *zeroLogger) Fatalf(format string, args ...any) {
	l.zl.WithLevel(zerolog.FatalLevel).Msg(fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (l *zeroLogger) With(key string, val any) Logger {
	return &zeroLogger{zl: l.zl.With().Interface(key, val).Logger()}
}
