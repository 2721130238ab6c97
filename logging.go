package dbtcore

import "github.com/sirupsen/logrus"

// Logger is the subset of logrus's interface the core actually calls.
// Kept narrow so an embedder can pass any logrus.FieldLogger (a
// *logrus.Logger, a *logrus.Entry with preset fields, or a test
// recorder) without the core caring which.
type Logger = logrus.FieldLogger

// NewDefaultLogger returns a logrus logger preconfigured the way the
// rest of this module expects: text output, info level, and a
// "component" field convention used throughout (e.g. "coordinator",
// "invalidation", "supervisor").
func NewDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}

func componentLogger(l Logger, component string) Logger {
	if l == nil {
		l = NewDefaultLogger()
	}
	return l.WithField("component", component)
}
