package health

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Checker reports nil while whatever it checks is healthy.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a function to a Checker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}

// StartupCompleteChecker fails until MarkComplete is called.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}
