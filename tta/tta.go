// Package tta is an execution backend for TTA (transport triggered architecture) accelerators, reachable only
// through raw memory windows and one polled command slot.
//
// A Device binds the address spaces of a machine description (see package machine), allocates buffers and kernel
// arguments in its local and global memories, and runs kernel launches one at a time through the command slot:
//
//	device, err := tta.NewDevice("tta0", desc).WithBackend(backend).Done()
//	...
//	event, err := kernel.Launch(device).
//		WithArgs(tta.BufferArg(buf), tta.Scalar(float32(2)), tta.Local(64)).
//		WithLocalSize(4).WithGlobalSize(64).
//		Submit()
//	...
//	err = event.Await(ctx)
//
// The Backend (memory transfers and program loading) is provided by the caller: package sim implements a software
// device.
package tta
