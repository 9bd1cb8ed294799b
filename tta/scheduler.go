package tta

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// commandIndex addresses a command in the scheduler arena.
type commandIndex int32

// indexDeque is a ring buffer of command indices.
type indexDeque struct {
	buf   []commandIndex
	head  int
	count int
}

func (q *indexDeque) Len() int { return q.count }

func (q *indexDeque) grow() {
	if q.count < len(q.buf) {
		return
	}
	newBuf := make([]commandIndex, max(2*len(q.buf), 8))
	for ii := range q.count {
		newBuf[ii] = q.buf[(q.head+ii)%len(q.buf)]
	}
	q.buf = newBuf
	q.head = 0
}

func (q *indexDeque) pushBack(idx commandIndex) {
	q.grow()
	q.buf[(q.head+q.count)%len(q.buf)] = idx
	q.count++
}

func (q *indexDeque) pushFront(idx commandIndex) {
	q.grow()
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = idx
	q.count++
}

func (q *indexDeque) popFront() (commandIndex, bool) {
	if q.count == 0 {
		return 0, false
	}
	idx := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return idx, true
}

// scheduler keeps the per-device command lists:
//
//   - readyList: commands whose dependencies are satisfied, in execution order.
//   - pending: commands waiting for their dependencies, by command ID.
//
// Commands are stored in an arena, and the lists hold indices into it.
//
// The lock is only held while mutating the lists, never while a command executes. Only one goroutine drains the
// ready list at a time: a drain call that finds another one active returns immediately, and the active one picks
// up the new work.
type scheduler struct {
	mu sync.Mutex

	arena     []*Command
	freeSlots []commandIndex
	readyList indexDeque
	pending   map[uuid.UUID]commandIndex
	draining  bool

	execute func(*Command)
}

func newScheduler(execute func(*Command)) *scheduler {
	return &scheduler{
		pending: make(map[uuid.UUID]commandIndex),
		execute: execute,
	}
}

// store the command in the arena. Must be called with the lock held.
func (s *scheduler) store(cmd *Command) commandIndex {
	if n := len(s.freeSlots); n > 0 {
		idx := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		s.arena[idx] = cmd
		return idx
	}
	s.arena = append(s.arena, cmd)
	return commandIndex(len(s.arena) - 1)
}

// release the arena slot. Must be called with the lock held.
func (s *scheduler) release(idx commandIndex) *Command {
	cmd := s.arena[idx]
	s.arena[idx] = nil
	s.freeSlots = append(s.freeSlots, idx)
	return cmd
}

// submit records the command: it goes to the back of the ready list if its dependencies are satisfied, otherwise
// it waits in pending. Then the ready list is drained.
//
// A command can only be submitted once.
func (s *scheduler) submit(cmd *Command) error {
	s.mu.Lock()
	if _, found := s.pending[cmd.id]; found {
		s.mu.Unlock()
		return errors.Errorf("%s was already submitted and is waiting for its dependencies", cmd)
	}
	if status := cmd.event.Status(); status != Queued {
		s.mu.Unlock()
		return errors.Errorf("%s was already submitted, its status is %s", cmd, status)
	}
	idx := s.store(cmd)
	if cmd.isReady() {
		cmd.event.setStatus(Submitted)
		s.readyList.pushBack(idx)
	} else {
		s.pending[cmd.id] = idx
	}
	s.mu.Unlock()
	klog.V(2).Infof("tta: submitted %s", cmd)
	s.drain()
	return nil
}

// notify is called when trigger, one of the dependencies of cmd, may have finished.
//
// If trigger failed, cmd fails with ErrTriggerFailed without ever being executed. Otherwise, if cmd was pending
// and its dependencies are now satisfied, it moves to the front of the ready list, and the ready list is drained.
func (s *scheduler) notify(cmd *Command, trigger *Event) {
	if trigger != nil && trigger.Failed() {
		s.mu.Lock()
		status := cmd.event.Status()
		if status != Queued && status != Submitted {
			s.mu.Unlock()
			return
		}
		if idx, found := s.pending[cmd.id]; found {
			delete(s.pending, cmd.id)
			s.release(idx)
		}
		// Submitted commands stay in the ready list: the drainer skips finished commands.
		s.mu.Unlock()
		klog.V(2).Infof("tta: %s failed, its trigger failed: %v", cmd, trigger.Err())
		cmd.event.finish(errors.Wrapf(ErrTriggerFailed, "%s: %v", cmd, trigger.Err()))
		return
	}

	s.mu.Lock()
	idx, found := s.pending[cmd.id]
	if !found || !cmd.isReady() {
		s.mu.Unlock()
		return
	}
	delete(s.pending, cmd.id)
	cmd.event.setStatus(Submitted)
	s.readyList.pushFront(idx)
	s.mu.Unlock()
	s.drain()
}

// drain executes the commands of the ready list, in order, until it is empty.
func (s *scheduler) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for {
		idx, ok := s.readyList.popFront()
		if !ok {
			break
		}
		cmd := s.release(idx)
		if cmd.event.IsComplete() {
			continue
		}
		cmd.event.setStatus(Running)
		s.mu.Unlock()
		s.execute(cmd)
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

// numPending returns the number of commands waiting for their dependencies.
func (s *scheduler) numPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// numReady returns the number of commands in the ready list.
func (s *scheduler) numReady() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyList.Len()
}

// failAll fails every queued command with err, used when the device is destroyed.
func (s *scheduler) failAll(err error) {
	s.mu.Lock()
	var cmds []*Command
	for _, idx := range s.pending {
		cmds = append(cmds, s.release(idx))
	}
	clear(s.pending)
	for {
		idx, ok := s.readyList.popFront()
		if !ok {
			break
		}
		cmds = append(cmds, s.release(idx))
	}
	s.mu.Unlock()
	for _, cmd := range cmds {
		cmd.event.finish(err)
	}
}
