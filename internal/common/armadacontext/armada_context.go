package armadacontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Context is a go context carrying the logger of whatever it scopes: a job, a task, a background service.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background returns an empty context logging to the standard logrus logger.
func Background() *Context {
	return New(context.Background(), logrus.NewEntry(logrus.StandardLogger()))
}

// New wraps ctx and log.
func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{Context: ctx, Log: log}
}

// WithCancel is context.WithCancel, keeping the logger of parent.
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return New(c, parent.Log), cancel
}

// WithTimeout is context.WithTimeout, keeping the logger of parent.
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	c, cancel := context.WithTimeout(parent.Context, timeout)
	return New(c, parent.Log), cancel
}

// WithLogField returns a copy of parent whose logger has key set to val.
func WithLogField(parent *Context, key string, val interface{}) *Context {
	return New(parent.Context, parent.Log.WithField(key, val))
}

// WithLogFields returns a copy of parent whose logger has fields set.
func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return New(parent.Context, parent.Log.WithFields(fields))
}

// ErrGroup is errgroup.WithContext, keeping the logger of ctx.
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx)
	return group, New(goctx, ctx.Log)
}
