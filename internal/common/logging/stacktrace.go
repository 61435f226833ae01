package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Stacktrace is the log field holding the stack trace of a logged error.
const Stacktrace = "stacktrace"

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// WithStacktrace adds err, and the innermost stack trace recorded by pkg/errors within it, to logger.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack returns the stack trace closest to the root cause of err, following both errors.Unwrap and
// pkg/errors causes, or nil if none was recorded.
func ExtractStack(err error) errors.StackTrace {
	var stack errors.StackTrace
	for err != nil {
		if tracer, ok := err.(stackTracer); ok {
			stack = tracer.StackTrace()
		}
		if cause, ok := err.(interface{ Cause() error }); ok {
			err = cause.Cause()
		} else {
			err = errors.Unwrap(err)
		}
	}
	return stack
}
