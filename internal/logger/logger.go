package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = New(os.Stderr, "console")
}

// New builds a logger writing to w in "json" or console format.
func New(w io.Writer, format string) *Logger {
	if strings.ToLower(format) != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{z: zerolog.New(w).With().Timestamp().Logger()}
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a zerolog level,
// defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup configures the global logger on stderr.
func Setup(level string, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter configures the global logger on w.
func SetupWriter(w io.Writer, level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = New(w, format)
}

// With returns a child logger that adds the key-value pairs to every event.
func (l *Logger) With(args ...interface{}) *Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		ctx = ctx.Interface(keyOf(args[i]), args[i+1])
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Info(msg string, args ...interface{}) {
	emit(l.z.Info(), msg, args)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	emit(l.z.Debug(), msg, args)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	emit(l.z.Warn(), msg, args)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	emit(l.z.Error(), msg, args)
}

// emit adds alternating key-value pairs; a trailing key without a value is
// dropped.
func emit(e *zerolog.Event, msg string, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		if err, ok := args[i+1].(error); ok {
			e.AnErr(keyOf(args[i]), err)
			continue
		}
		e.Interface(keyOf(args[i]), args[i+1])
	}
	e.Msg(msg)
}

func keyOf(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", k)
}
