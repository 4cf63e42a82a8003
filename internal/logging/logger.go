package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Init configures the global logrus logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text formatter.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	logrus.SetOutput(os.Stdout)
	if env == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetLevel(logrus.DebugLevel)
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			logrus.SetLevel(parsed)
		}
	}
}

// Component returns a logger scoped to a named component.
// Use this for all logging inside a service or job.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

// WithUser returns a logger with the acting user attached.
func WithUser(logger *logrus.Entry, userID string) *logrus.Entry {
	return logger.WithField("user_id", userID)
}
