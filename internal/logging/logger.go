// Package logging wraps logrus the way the teacher's pkg/logger does:
// level and format are configuration-driven (output goes to stdout), and the
// returned Logger embeds *logrus.Logger so call sites keep the familiar
// logrus.Fields API.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string `json:"level" yaml:"level" env:"STORMSTACK_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"STORMSTACK_LOG_FORMAT"`
}

// Logger wraps a *logrus.Logger so packages can depend on this type instead
// of importing logrus directly.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from Config, defaulting to info level and text format.
func New(cfg Config) *Logger {
	l := logrus.New()

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
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// NewDefault returns a Logger with sensible defaults, for call sites that do
// not need full Config plumbing (tests, small tools).
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "text"})
}

// WithComponent returns a *logrus.Entry pre-populated with a "component"
// field, the convention used across match/container/module log lines.
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}
