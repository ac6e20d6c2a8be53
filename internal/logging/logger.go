// Package logging provides standardized logging utilities for slskd-core.
//
// It wraps zerolog so call sites never import zerolog directly: a Logger/Event
// facade mirrors the subset of the zerolog API the rest of the codebase
// needs, package-level Debug()/Info()/Warn()/Error() helpers are bound to a
// swappable DefaultLogger, and Level gives a serializable log-level type for
// configuration files.
package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Logger is a wrapper around zerolog.Logger that keeps zerolog out of
// every other package's import list.
type Logger struct {
	zl zerolog.Logger
}

// Event is a wrapper around zerolog.Event.
type Event struct {
	ze *zerolog.Event
}

// DefaultLogger is the logger used by the package-level functions.
var DefaultLogger = Logger{zl: zlog.Logger}

// Level represents a log level.
type Level int8

// Log levels, numerically identical to zerolog's so the wrapper is free.
const (
	DebugLevel Level = Level(zerolog.DebugLevel)
	InfoLevel  Level = Level(zerolog.InfoLevel)
	WarnLevel  Level = Level(zerolog.WarnLevel)
	ErrorLevel Level = Level(zerolog.ErrorLevel)
	FatalLevel Level = Level(zerolog.FatalLevel)
	PanicLevel Level = Level(zerolog.PanicLevel)
	NoLevel    Level = Level(zerolog.NoLevel)
	Disabled   Level = Level(zerolog.Disabled)
	TraceLevel Level = Level(zerolog.TraceLevel)
)

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level Level) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// New creates a new Logger writing to w.
func New(w io.Writer) Logger {
	return Logger{zl: zerolog.New(w).With().Timestamp().Logger()}
}

// NewConsoleWriter returns a human-readable console writer for interactive use.
func NewConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
}

// SetDefault replaces the package-level DefaultLogger.
func SetDefault(l Logger) {
	DefaultLogger = l
}

// Output duplicates the logger with a new output writer.
func (l Logger) Output(w io.Writer) Logger {
	return Logger{zl: l.zl.Output(w)}
}

// Level returns a child logger with the given minimum level.
func (l Logger) Level(level Level) Logger {
	return Logger{zl: l.zl.Level(zerolog.Level(level))}
}

// With starts a context for building a child logger with extra fields.
func (l Logger) With() Context {
	return Context{zc: l.zl.With()}
}

// Context is a wrapper around zerolog.Context.
type Context struct {
	zc zerolog.Context
}

// Logger materializes the Context into a Logger.
func (c Context) Logger() Logger {
	return Logger{zl: c.zc.Logger()}
}

// Str adds a string field to the context.
func (c Context) Str(key, val string) Context { return Context{zc: c.zc.Str(key, val)} }

// Event-starting methods, both on Logger and as package-level helpers bound
// to DefaultLogger, matching how the rest of the codebase logs without ever
// holding a Logger value of its own.

func (l Logger) Debug() Event { return Event{ze: l.zl.Debug()} }
func (l Logger) Info() Event  { return Event{ze: l.zl.Info()} }
func (l Logger) Warn() Event  { return Event{ze: l.zl.Warn()} }
func (l Logger) Error() Event { return Event{ze: l.zl.Error()} }
func (l Logger) Fatal() Event { return Event{ze: l.zl.Fatal()} }
func (l Logger) Trace() Event { return Event{ze: l.zl.Trace()} }

func Debug() Event { return DefaultLogger.Debug() }
func Info() Event  { return DefaultLogger.Info() }
func Warn() Event  { return DefaultLogger.Warn() }
func Error() Event { return DefaultLogger.Error() }
func Fatal() Event { return DefaultLogger.Fatal() }
func Trace() Event { return DefaultLogger.Trace() }

// Str adds a string field to the event.
func (e Event) Str(key, val string) Event { return Event{ze: e.ze.Str(key, val)} }

// Int adds an int field to the event.
func (e Event) Int(key string, val int) Event { return Event{ze: e.ze.Int(key, val)} }

// Int64 adds an int64 field to the event.
func (e Event) Int64(key string, val int64) Event { return Event{ze: e.ze.Int64(key, val)} }

// Uint64 adds a uint64 field to the event.
func (e Event) Uint64(key string, val uint64) Event { return Event{ze: e.ze.Uint64(key, val)} }

// Uint8 adds a uint8 field to the event.
func (e Event) Uint8(key string, val uint8) Event { return Event{ze: e.ze.Uint8(key, val)} }

// Float64 adds a float64 field to the event.
func (e Event) Float64(key string, val float64) Event { return Event{ze: e.ze.Float64(key, val)} }

// Bool adds a bool field to the event.
func (e Event) Bool(key string, val bool) Event { return Event{ze: e.ze.Bool(key, val)} }

// Err adds an error field to the event.
func (e Event) Err(err error) Event { return Event{ze: e.ze.Err(err)} }

// Dur adds a duration field to the event.
func (e Event) Dur(key string, val time.Duration) Event { return Event{ze: e.ze.Dur(key, val)} }

// Time adds a time field to the event.
func (e Event) Time(key string, val time.Time) Event { return Event{ze: e.ze.Time(key, val)} }

// Interface adds an arbitrary field to the event.
func (e Event) Interface(key string, val interface{}) Event {
	return Event{ze: e.ze.Interface(key, val)}
}

// Strs adds a string slice field to the event.
func (e Event) Strs(key string, vals []string) Event { return Event{ze: e.ze.Strs(key, vals)} }

// Msg sends the event with the given message.
func (e Event) Msg(msg string) { e.ze.Msg(msg) }

// Msgf sends the event with a formatted message.
func (e Event) Msgf(format string, v ...interface{}) { e.ze.Msgf(format, v...) }

// Enabled reports whether the event will actually be written.
func (e Event) Enabled() bool { return e.ze.Enabled() }
