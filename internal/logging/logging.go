// Package logging builds the logrus logger shared by all components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/XC-/btctl/internal/config"
	"github.com/sirupsen/logrus"
)

// New returns a logger configured from cfg. Unknown levels fall back to
// info, unknown outputs to stderr.
func New(cfg config.LoggingConfig) *logrus.Logger {
	return newLogger(cfg, output(cfg.Output))
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

func output(name string) io.Writer {
	if strings.ToLower(name) == "stdout" {
		return os.Stdout
	}
	return os.Stderr
}

// Component returns an entry tagged with the component name.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
