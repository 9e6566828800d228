package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Development gets a human-readable console
// writer, everything else gets JSON lines on stdout.
func New(env, level string) zerolog.Logger {
	return newWithWriter(os.Stdout, env, level)
}

func newWithWriter(out io.Writer, env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(out)
	}

	return logger.Level(lvl).
		With().
		Timestamp().
		Logger()
}
