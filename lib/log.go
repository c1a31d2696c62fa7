package lib

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logrus logger at the named level, falling back to info
// when the level does not parse.
func NewLogger(level string) *logrus.Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		l.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// discardLogger is used when a component is built without a stack.
func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
