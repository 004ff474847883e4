// Package xerrors attaches call-site information to errors so the structured
// logger can report where a failure was created or wrapped.
//
// Errors built here keep working with errors.Is / errors.As; the extra data is
// exposed through StackPCs() (full stack) or PC() (single frame).
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the stack captured when the error was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// annotated prefixes a message and remembers the single frame that wrapped it.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error { return a.err }
func (a *annotated) PC() uintptr   { return a.pc }

// stack captures PCs starting skip frames above runtime.Callers.
func stack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip, pcs)
	return pcs[:n]
}

func caller(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// attach wraps err with a stack beginning skip frames above attach's caller.
func attach(err error, skip int) error {
	if err == nil {
		return nil
	}
	// runtime.Callers, stack, attach, then the exported caller
	return &stacked{err: err, pcs: stack(3 + skip)}
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return attach(errors.New(msg), 1) }

// Newf is New with fmt formatting. %w verbs are honored.
func Newf(format string, args ...any) error { return attach(fmt.Errorf(format, args...), 1) }

// WithStack attaches the caller's stack to err. Returns nil for nil.
func WithStack(err error) error { return attach(err, 1) }

// EnsureTrace attaches a stack only when nothing in the chain has one yet.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return attach(err, 1)
}

// Wrap prefixes err with msg and records the wrapping frame. Returns nil for nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: caller(1)}
}

// Wrapf is Wrap with fmt formatting of the message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: caller(1)}
}
