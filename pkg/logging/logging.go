// Package logging configures the process-wide structured logger and hands
// out per-component child loggers.
package logging

import (
	"io"
	"os"

	"github.com/phuslu/log"
	"golang.org/x/term"

	"github.com/replayforge/ticks-perf/pkg/config"
)

// Setup installs the default logger described by cfg. Call it once at
// startup, before any component logger is created.
func Setup(cfg config.Log) {
	log.DefaultLogger = log.Logger{
		Level:      parseLevel(cfg.Level),
		TimeField:  "time",
		TimeFormat: "15:04:05.000000",
		Writer:     newWriter(cfg.Format, os.Stderr),
	}
}

// NewLoggerWithContext returns a child of the default logger that stamps
// every entry with the component name.
func NewLoggerWithContext(component string) log.Logger {
	base := &log.DefaultLogger
	return log.Logger{
		Level:        base.Level,
		Caller:       base.Caller,
		TimeField:    base.TimeField,
		TimeFormat:   base.TimeFormat,
		TimeLocation: base.TimeLocation,
		Writer:       base.Writer,
		Context:      log.NewContext(nil).Str("component", component).Value(),
	}
}

// isTerminal is a seam so tests can force both writer paths.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// newWriter picks the output encoding: JSON when asked for, a colored
// console writer on terminals, plain JSON otherwise.
func newWriter(format string, w io.Writer) log.Writer {
	if format == "json" || !isTerminal(w) {
		return &log.IOWriter{Writer: w}
	}
	return &log.ConsoleWriter{
		ColorOutput:    true,
		EndWithMessage: true,
		Writer:         w,
	}
}

func parseLevel(s string) log.Level {
	switch s {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}
