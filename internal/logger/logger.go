package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around logrus that scopes entries to a component.
type Logger struct {
	base *logrus.Logger
}

// Options controls log output.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // "text" or "json"
	Output io.Writer
}

// New creates a logger with the given options. Unknown levels fall back to info.
func New(opts Options) *Logger {
	base := logrus.New()

	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return &Logger{base: base}
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{base: base}
}

// Component returns an entry tagged with the component name. Workers hold on
// to their entry for the lifetime of the process.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.base.WithField("component", name)
}

// WithFields returns an entry carrying the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.base.WithFields(fields)
}

// SetLevel changes the log level at runtime.
func (l *Logger) SetLevel(level string) {
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return
	}
	l.base.SetLevel(parsed)
}
