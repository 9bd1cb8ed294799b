package tta

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CommandKind is the kind of operation a Command requests.
type CommandKind int

//go:generate go tool enumer -type=CommandKind -trimprefix=Kind commands.go

const (
	// KindNDRangeKernel is a kernel launch.
	KindNDRangeKernel CommandKind = iota

	// KindCallback runs a host function in the device queue order (e.g. to read results after a launch).
	KindCallback
)

// CommandStatus is the state of a Command: Queued → Submitted → Running → Complete | Failed.
type CommandStatus int

//go:generate go tool enumer -type=CommandStatus commands.go

const (
	// Queued commands wait for their dependencies.
	Queued CommandStatus = iota

	// Submitted commands have their dependencies satisfied, and wait in the ready list.
	Submitted

	// Running commands are being executed by the device.
	Running

	// Complete commands finished successfully.
	Complete

	// Failed commands either failed to execute or had a failed trigger.
	Failed
)

// Command is an operation requested to a device. It is created by LaunchConfig.Done or NewCallbackCommand,
// and mutated only by the device scheduler.
type Command struct {
	id     uuid.UUID
	kind   CommandKind
	device *Device
	event  *Event

	launch   *Launch
	callback func(ctx context.Context) error

	triggers  []*Event
	readiness func() bool
}

func newLaunchCommand(device *Device, launch *Launch, triggers []*Event, readiness func() bool) *Command {
	return &Command{
		id:        uuid.New(),
		kind:      KindNDRangeKernel,
		device:    device,
		event:     newEvent(),
		launch:    launch,
		triggers:  triggers,
		readiness: readiness,
	}
}

// NewCallbackCommand creates a command that runs fn on the device queue, after the given events completed.
// An error returned by fn fails the command, but it doesn't abort the device.
func NewCallbackCommand(device *Device, fn func(ctx context.Context) error, after ...*Event) *Command {
	return &Command{
		id:       uuid.New(),
		kind:     KindCallback,
		device:   device,
		event:    newEvent(),
		callback: fn,
		triggers: after,
	}
}

// ID of the command, used to label logs and traces.
func (c *Command) ID() uuid.UUID { return c.id }

// Kind of the command.
func (c *Command) Kind() CommandKind { return c.kind }

// Event signalling the completion of the command.
func (c *Command) Event() *Event { return c.event }

// Status of the command.
func (c *Command) Status() CommandStatus { return c.event.Status() }

// Launch payload of kernel launch commands, nil for other kinds.
func (c *Command) Launch() *Launch { return c.launch }

// isReady evaluates the dependency predicate: all triggers completed successfully and the opaque readiness
// predicate, if any, holds.
func (c *Command) isReady() bool {
	for _, trigger := range c.triggers {
		if trigger.Status() != Complete {
			return false
		}
	}
	return c.readiness == nil || c.readiness()
}

// failedTrigger returns the first trigger that failed, or nil.
func (c *Command) failedTrigger() *Event {
	for _, trigger := range c.triggers {
		if trigger.Failed() {
			return trigger
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (c *Command) String() string {
	if c.kind == KindNDRangeKernel && c.launch != nil {
		return fmt.Sprintf("Command[%s %s %q, %s]", c.kind, c.id, c.launch.Kernel.Name, c.Status())
	}
	return fmt.Sprintf("Command[%s %s, %s]", c.kind, c.id, c.Status())
}
