package tta

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Event signals the completion of a Command. It is created with the command, and it is finished exactly once, when
// the command completes or fails.
//
// Events are the only way to wait for a command: Device.Join only drains the queue.
type Event struct {
	mu        sync.Mutex
	status    CommandStatus
	err       error
	done      chan struct{}
	listeners []func(*Event)
}

func newEvent() *Event {
	return &Event{status: Queued, done: make(chan struct{})}
}

// NewUserEvent creates an event not tied to any command, to be finished by the caller with Complete or Fail.
// It can be used as a trigger of commands (see LaunchConfig.After).
func NewUserEvent() *Event {
	return newEvent()
}

// Complete finishes a user event successfully.
func (e *Event) Complete() {
	e.finish(nil)
}

// Fail finishes a user event with the given error. Commands triggered by it fail with ErrTriggerFailed.
func (e *Event) Fail(err error) {
	if err == nil {
		err = errors.New("event failed")
	}
	e.finish(err)
}

// Status of the command associated with the event.
func (e *Event) Status() CommandStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the error of a failed event, or nil if it hasn't failed (yet).
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Failed returns whether the event is finished with an error.
func (e *Event) Failed() bool {
	return e.Status() == Failed
}

// IsComplete returns whether the event is finished, successfully or not.
func (e *Event) IsComplete() bool {
	status := e.Status()
	return status == Complete || status == Failed
}

// Done returns a channel closed when the event finishes.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// Await blocks until the event finishes, then returns its error, if any.
// It returns ctx.Err() if the context is done first.
func (e *Event) Await(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onFinish registers fn to be called once the event finishes. If it has already finished, fn is called immediately.
func (e *Event) onFinish(fn func(*Event)) {
	e.mu.Lock()
	if e.status == Complete || e.status == Failed {
		e.mu.Unlock()
		fn(e)
		return
	}
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// setStatus records a non-final status transition.
func (e *Event) setStatus(status CommandStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == Complete || e.status == Failed {
		return
	}
	e.status = status
}

// finish the event with the given error (nil for success). Only the first call has any effect.
func (e *Event) finish(err error) {
	e.mu.Lock()
	if e.status == Complete || e.status == Failed {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.status = Failed
		e.err = err
	} else {
		e.status = Complete
	}
	listeners := e.listeners
	e.listeners = nil
	close(e.done)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}
