package logger

import (
	"io"
	"os"
	"time"

	"bytemomo/warden/internal/domain"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// SetLoggerToStructured switches the standard logger to JSON output on stderr,
// teeing to filePath when set. The returned func closes the log file.
func SetLoggerToStructured(level logrus.Level, filePath string) func() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(level)

	if filePath == "" {
		logrus.SetOutput(os.Stderr)
		return func() {}
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		logrus.SetOutput(os.Stderr)
		logrus.WithError(err).Error("Could not create file for logging")
		return func() {}
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, file))
	return func() {
		logrus.SetOutput(os.Stderr)
		_ = file.Close()
	}
}

// New returns a text logger for interactive CLI use. Colours are forced only
// when out is a terminal.
func New(level logrus.Level, out *os.File) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		ForceColors:     isatty.IsTerminal(out.Fd()),
	})
	return log
}

// Configure applies cfg to the standard logger. structured selects JSON
// output for service mode.
func Configure(cfg domain.LogConfig, structured bool) (func(), error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if structured || cfg.File != "" {
		return SetLoggerToStructured(level, cfg.File), nil
	}

	cli := New(level, os.Stderr)
	logrus.SetFormatter(cli.Formatter)
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	return func() {}, nil
}
