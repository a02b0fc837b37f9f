// Package logging builds the service logger.
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Fields represents structured logging fields
type Fields = logrus.Fields

// New returns a logger at the given level. format "text" selects the
// human-readable formatter; anything else logs JSON.
func New(level, format string) *logrus.Logger {
	logger := logrus.New()
	if strings.EqualFold(format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// NewWithService adds a service field to every entry.
func NewWithService(service, level, format string) *logrus.Entry {
	return New(level, format).WithField("service", service)
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
