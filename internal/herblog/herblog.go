// Package herblog wires the process-wide structured logger used across the
// pipeline. Every component gets its own *logrus.Entry scoped with a
// "component" field rather than constructing loggers ad hoc.
package herblog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var root = logrus.New()

func init() {
	root.SetOutput(os.Stderr)
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	root.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the root logger's verbosity. Accepts logrus level names
// ("debug", "info", "warn", "error").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	root.SetLevel(lvl)
	return nil
}

// SetOutput redirects where log lines are written. Tests use this to capture
// output into a buffer.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// For returns a logger scoped to the named component, e.g. "orchestrator" or
// "gbif".
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}
