package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// New builds the process logger. Output is human readable when running in
// development or attached to a terminal, JSON lines otherwise.
func New(level string, development bool) zerolog.Logger {
	return newLogger(os.Stdout, level, development || term.IsTerminal(int(os.Stdout.Fd())))
}

func newLogger(out io.Writer, level string, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
