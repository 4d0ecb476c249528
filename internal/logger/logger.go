package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/config"
)

// New creates a console zerolog.Logger for the given configuration.
func New(cfg *config.Config) zerolog.Logger {
	return NewWithWriter(cfg, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(cfg *config.Config, out io.Writer) zerolog.Logger {
	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger().
		Level(ParseLevel(cfg.LogLevel))
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
