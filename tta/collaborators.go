package tta

import (
	"context"

	"github.com/gomlx/gotta/machine"
)

// Transfer moves raw bytes between host and device memory. Each call is assumed to be reliable and
// completed when it returns, but no ordering is assumed among the words of one call: the command slot handshake
// takes care of ordering what the device observes.
type Transfer interface {
	// CopyHostToDevice copies src to the device memory starting at deviceAddr.
	CopyHostToDevice(src []byte, deviceAddr uint32) error

	// CopyDeviceToHost fills dst with the device memory starting at deviceAddr.
	CopyDeviceToHost(deviceAddr uint32, dst []byte) error
}

// Loader manages the program running on the device.
type Loader interface {
	// LoadProgram loads the program image in imagePath to the device.
	LoadProgram(imagePath string) error

	// RestartProgram restarts the execution of the loaded program from its entry point.
	RestartProgram() error

	// ResolveSymbol returns the device address of the named data symbol of the loaded program.
	// If the symbol doesn't exist it must return an error wrapping ErrSymbolNotFound.
	ResolveSymbol(name string) (uint32, error)
}

// Backend is the device abstraction the execution backend drives: memory transfers and program management.
type Backend interface {
	Transfer
	Loader
}

// BuildRequest holds what is needed to build the program image for one kernel with one local work-group shape.
type BuildRequest struct {
	Kernel *Kernel

	// Local work-group shape the image is specialized for.
	Local [3]uint32

	// ImagePath is where the built image is expected: the builder may return a different path.
	ImagePath string

	// Machine the image is built for.
	Machine *machine.Description

	// CommandSlotOffset is the offset of the command slot from the start of the global address space, which the
	// device side main loop is compiled with.
	CommandSlotOffset uint32
}

// Compiler builds the program image of a kernel. It is only called when the kernel is not resident on the device
// and no image exists in the kernel build directory.
type Compiler interface {
	Compile(ctx context.Context, req *BuildRequest) (imagePath string, err error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, req *BuildRequest) (string, error)

// Compile implements Compiler.
func (fn CompilerFunc) Compile(ctx context.Context, req *BuildRequest) (string, error) {
	return fn(ctx, req)
}
