// Package logging builds the root zerolog logger from configuration.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pulseframe/pulseframe/internal/config"
)

// New returns the root logger. Components derive scoped loggers from it via
// With().Str("subsystem", ...) rather than importing a global.
func New(cfg config.LogSettings) zerolog.Logger {
	// Timestamps are UTC regardless of host timezone.
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var sink io.Writer = os.Stdout
	if cfg.File != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			Compress:   true,
		}
	}

	if cfg.Format == "console" {
		sink = zerolog.ConsoleWriter{Out: sink, TimeFormat: time.RFC3339}
	}

	return zerolog.New(sink).
		Level(level).
		With().
		Timestamp().
		Logger()
}
