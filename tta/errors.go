package tta

import (
	"fmt"

	"github.com/pkg/errors"
)

// Classes of fatal errors. Use errors.Is to test for them, and IsFatal to test whether an error aborted the device.
var (
	// ErrConfiguration is returned when the machine description can't be used: missing address space roles,
	// sharing flags mismatches or not enough memory for the reserved space.
	ErrConfiguration = errors.New("invalid machine configuration")

	// ErrOutOfLocalMemory is returned when a local (or automatic local) argument can't be allocated.
	ErrOutOfLocalMemory = errors.New("out of local memory")

	// ErrOutOfGlobalMemory is returned when a scalar argument can't be copied to the device global memory.
	ErrOutOfGlobalMemory = errors.New("out of global memory")

	// ErrSymbolNotFound is returned when the kernel metadata symbol is not in the loaded program.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrProgramLoad is returned when the program image can't be loaded or restarted on the device.
	ErrProgramLoad = errors.New("failed to load program to the device")

	// ErrCompile is returned when the kernel program image can't be built.
	ErrCompile = errors.New("failed to build kernel program image")

	// ErrHandshakeTimeout is returned when the device doesn't answer the command slot handshake within the
	// configured timeout, or the wait is cancelled. The device state is unknown afterward, so it is fatal.
	ErrHandshakeTimeout = errors.New("device command slot handshake timed out")

	// ErrDeviceIO is returned when a memory transfer fails in the middle of the handshake, leaving the command slot
	// in an unknown state.
	ErrDeviceIO = errors.New("device memory transfer failed")
)

// Non-fatal errors.
var (
	// ErrTriggerFailed is the error of commands failed because an event they depended on failed.
	ErrTriggerFailed = errors.New("triggering event failed")

	// ErrDeviceDestroyed is returned by operations on a destroyed device.
	ErrDeviceDestroyed = errors.New("device destroyed")

	// ErrNotSupported is returned by operations the device doesn't implement.
	ErrNotSupported = errors.New("operation not supported by the TTA device")
)

// FatalError is an error that aborts the device: it indicates a misconfigured machine or exhausted resources, and
// it is never retried. Once a device is aborted every further command fails with the same error.
type FatalError struct {
	// Class is one of the fatal error classes (ErrConfiguration, ErrOutOfLocalMemory, ...).
	Class error

	err error
}

// newFatalf creates a FatalError of the given class, with a stack trace.
func newFatalf(class error, format string, args ...any) *FatalError {
	return &FatalError{Class: class, err: errors.Wrapf(class, format, args...)}
}

// wrapFatalf creates a FatalError of the given class, caused by err.
func wrapFatalf(class error, err error, format string, args ...any) *FatalError {
	msg := fmt.Sprintf(format, args...)
	return &FatalError{Class: class, err: errors.WithMessagef(err, "%s (%v)", msg, class)}
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return e.err.Error()
}

// Unwrap allows errors.Is and errors.As to match both the class and the underlying cause.
func (e *FatalError) Unwrap() []error {
	return []error{e.Class, e.err}
}

// Format implements fmt.Formatter, so "%+v" prints the stack trace of the underlying error.
func (e *FatalError) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	_, _ = fmt.Fprint(s, e.err.Error())
}

// IsFatal returns whether err (or any error it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
