// Package logging configures the process-wide zerolog logger. Structured
// logs go to stderr; stdout belongs to the dashboard printer and the
// operator console.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // "debug", "info", ... (EVC_LOG_LEVEL used when empty)
	Output  io.Writer // defaults to os.Stderr
	Console bool      // human-readable console output instead of JSON
	Service string    // service name attached to every entry
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once; later calls are
// no-ops.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level == "" {
			cfg.Level = os.Getenv("EVC_LOG_LEVEL")
		}
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stderr
		}
		if cfg.Console {
			writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
		}

		service := cfg.Service
		if service == "" {
			service = "ev-central"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	Configure(Config{})
	return base
}

// Component returns a child logger annotated with a component name.
func Component(name string) zerolog.Logger {
	return Base().With().Str("component", name).Logger()
}
