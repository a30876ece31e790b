// Package observability holds process-wide logging setup.
package observability

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process logger. Level falls back to info on an
// unparseable value. TRAILS_LOG_CONSOLE=1 switches to the human console
// writer for local runs.
func InitLogger(app, level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if os.Getenv("TRAILS_LOG_CONSOLE") == "1" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(output)
	} else {
		logger = zerolog.New(os.Stdout)
	}
	logger = logger.Level(parsed).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
