// Package logging provides the daemon-wide logrus setup shared by vibesd's
// components, so every component logs through the same formatter and
// level instead of hand-rolling its own *log.Logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the root logger. Level defaults to info; set the VIBES_LOG
// environment variable (panic, fatal, error, warn, info, debug, trace) to
// override it, the same way the daemon's other environment overrides
// (VIBES_ROOT, etc.) work.
func New() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if v := os.Getenv("VIBES_LOG"); v != "" {
		if parsed, err := logrus.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	l.SetLevel(level)

	return l
}
