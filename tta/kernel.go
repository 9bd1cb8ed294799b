package tta

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/gomlx/gotta/dtypes"
	"github.com/pkg/errors"
)

// ArgKind is the kind of kernel argument, which defines how it is marshaled to the device.
type ArgKind int

//go:generate go tool enumer -type=ArgKind -trimprefix=Arg -transform=lower kernel.go

const (
	// ArgScalar values are copied to a temporary chunk of global memory.
	ArgScalar ArgKind = iota

	// ArgPointer arguments are given a Buffer (or nil), and passed as its device address.
	ArgPointer

	// ArgLocal arguments are given only a size: a temporary chunk of local memory is allocated for them.
	ArgLocal
)

// ArgInfo describes one declared argument of a kernel.
type ArgInfo struct {
	Name string
	Kind ArgKind
}

// Kernel is a compiled (or compilable) kernel. Its identity is its pointer: the device keeps the last launched
// *Kernel resident, and launching the same *Kernel again with the same local work-group shape skips the
// program load.
type Kernel struct {
	// Name of the kernel. The device program exports its metadata as the symbol "_<Name>_md".
	Name string

	// Args declared by the kernel, in order.
	Args []ArgInfo

	// AutoLocals are the sizes of the automatic local buffers the kernel requires, allocated after the declared
	// arguments.
	AutoLocals []uint32

	// BuildDir is the temporary build location of the kernel. Each local work-group shape has its own
	// subdirectory, where its program image "parallel.tpef" is expected (or built). See ShapeDir.
	BuildDir string

	// Source is the kernel source (LLVM bitcode path, for the tcecc compiler), passed to the Compiler.
	Source string
}

// ImageFileName is the name of the program image inside a kernel build directory.
const ImageFileName = "parallel.tpef"

// SymbolName returns the name of the kernel metadata symbol in the device program.
func (k *Kernel) SymbolName() string {
	return "_" + k.Name + "_md"
}

// ShapeDir returns the build directory of the kernel program specialized for the local work-group shape.
func (k *Kernel) ShapeDir(local [3]uint32) string {
	return filepath.Join(k.BuildDir, fmt.Sprintf("%d-%d-%d", local[0], local[1], local[2]))
}

// ImagePath returns the path of the program image of the kernel for the local work-group shape.
func (k *Kernel) ImagePath(local [3]uint32) string {
	return filepath.Join(k.ShapeDir(local), ImageFileName)
}

// NumArgs is the number of arguments passed to the device: declared plus automatic locals.
func (k *Kernel) NumArgs() int {
	return len(k.Args) + len(k.AutoLocals)
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("Kernel[%q, %d args, %d auto locals]", k.Name, len(k.Args), len(k.AutoLocals))
}

// ArgValue is the value of one kernel argument for a launch. Create it with Scalar, RawScalar, Local, BufferArg or
// NullPointer.
type ArgValue struct {
	kind ArgKind

	// size of local arguments.
	size uint32

	// encode the scalar value in the device byte order.
	encode func(order binary.ByteOrder) []byte

	// buffer of pointer arguments, nil for a null pointer.
	buffer *Buffer
}

// Scalar returns a scalar argument. It is encoded in the device byte order when the kernel is launched.
func Scalar[T dtypes.Supported](value T) ArgValue {
	return ArgValue{
		kind:   ArgScalar,
		size:   uint32(dtypes.SizeOf[T]()),
		encode: func(order binary.ByteOrder) []byte { return dtypes.Encode(order, value) },
	}
}

// RawScalar returns a scalar argument with the bytes already in the device representation: they are copied
// as is.
func RawScalar(data []byte) ArgValue {
	return ArgValue{
		kind:   ArgScalar,
		size:   uint32(len(data)),
		encode: func(binary.ByteOrder) []byte { return data },
	}
}

// Local returns a local argument of the given size in bytes.
func Local(size uint32) ArgValue {
	return ArgValue{kind: ArgLocal, size: size}
}

// BufferArg returns a pointer argument to the given buffer.
func BufferArg(buffer *Buffer) ArgValue {
	return ArgValue{kind: ArgPointer, buffer: buffer}
}

// NullPointer returns a pointer argument passed as the device address 0.
func NullPointer() ArgValue {
	return ArgValue{kind: ArgPointer}
}

// Kind of the argument.
func (v ArgValue) Kind() ArgKind { return v.kind }

// String implements fmt.Stringer.
func (v ArgValue) String() string {
	switch v.kind {
	case ArgLocal:
		return fmt.Sprintf("local(%d bytes)", v.size)
	case ArgPointer:
		if v.buffer == nil {
			return "pointer(null)"
		}
		return fmt.Sprintf("pointer(%s)", v.buffer)
	default:
		return fmt.Sprintf("scalar(%d bytes)", v.size)
	}
}

// Launch is the payload of a kernel launch command.
type Launch struct {
	Kernel *Kernel

	// Local work-group shape: 1 for unused axes.
	Local [3]uint32

	WorkDim      uint32
	NumGroups    [3]uint32
	GlobalOffset [3]uint32
	Args         []ArgValue
}

// LaunchConfig configures a kernel launch. Create it with Kernel.Launch, and call Done to create the
// Command, or Submit to also submit it to the device.
type LaunchConfig struct {
	device    *Device
	launch    *Launch
	global    [3]uint32
	triggers  []*Event
	readiness func() bool

	// err stores the first error that happened during configuration.
	// If it is not nil, it is immediately returned by the Done call.
	err error
}

// Launch starts the configuration of a launch of the kernel on the device.
//
// By default, it is a 1D launch with one work-group of one work-item.
func (k *Kernel) Launch(device *Device) *LaunchConfig {
	c := &LaunchConfig{
		device: device,
		launch: &Launch{
			Kernel:  k,
			Local:   [3]uint32{1, 1, 1},
			WorkDim: 1,
		},
		global: [3]uint32{1, 1, 1},
	}
	if device == nil {
		c.err = errors.Errorf("Kernel.Launch(nil) for kernel %q", k.Name)
	}
	return c
}

// WithArgs sets the values of the declared arguments of the kernel.
func (c *LaunchConfig) WithArgs(args ...ArgValue) *LaunchConfig {
	if c.err != nil {
		return c
	}
	c.launch.Args = args
	return c
}

// WithLocalSize sets the local work-group shape. Up to 3 axes, the missing ones are 1.
func (c *LaunchConfig) WithLocalSize(local ...uint32) *LaunchConfig {
	if c.err != nil {
		return c
	}
	if len(local) == 0 || len(local) > 3 {
		c.err = errors.Errorf("WithLocalSize(%v): local work-group shape must have 1 to 3 axes", local)
		return c
	}
	c.launch.Local = [3]uint32{1, 1, 1}
	for axis, size := range local {
		if size == 0 {
			c.err = errors.Errorf("WithLocalSize(%v): axis %d is 0", local, axis)
			return c
		}
		c.launch.Local[axis] = size
	}
	return c
}

// WithGlobalSize sets the global work size, which also defines the work dimensionality. Each axis must be
// divisible by the local work-group shape.
func (c *LaunchConfig) WithGlobalSize(global ...uint32) *LaunchConfig {
	if c.err != nil {
		return c
	}
	if len(global) == 0 || len(global) > 3 {
		c.err = errors.Errorf("WithGlobalSize(%v): global work size must have 1 to 3 axes", global)
		return c
	}
	c.global = [3]uint32{1, 1, 1}
	copy(c.global[:], global)
	c.launch.WorkDim = uint32(len(global))
	return c
}

// WithGlobalOffset sets the offset of the global ids.
func (c *LaunchConfig) WithGlobalOffset(offset ...uint32) *LaunchConfig {
	if c.err != nil {
		return c
	}
	if len(offset) > 3 {
		c.err = errors.Errorf("WithGlobalOffset(%v): at most 3 axes", offset)
		return c
	}
	c.launch.GlobalOffset = [3]uint32{}
	copy(c.launch.GlobalOffset[:], offset)
	return c
}

// After makes the launch wait for the given events: it is only run once they all completed successfully,
// and it fails with ErrTriggerFailed if any of them fails.
//
// The device is notified automatically as the events finish.
func (c *LaunchConfig) After(events ...*Event) *LaunchConfig {
	if c.err != nil {
		return c
	}
	for ii, e := range events {
		if e == nil {
			c.err = errors.Errorf("After(): event #%d is nil", ii)
			return c
		}
	}
	c.triggers = append(c.triggers, events...)
	return c
}

// WithReadiness sets an opaque dependency predicate: the launch is only run once it returns true. The caller is
// responsible for calling Device.Notify when the predicate may have changed.
//
// It is combined (and) with the events given to After.
func (c *LaunchConfig) WithReadiness(ready func() bool) *LaunchConfig {
	if c.err != nil {
		return c
	}
	c.readiness = ready
	return c
}

// Done validates the configuration and returns the launch Command, not yet submitted.
func (c *LaunchConfig) Done() (*Command, error) {
	if c.err != nil {
		return nil, c.err
	}
	launch := c.launch
	k := launch.Kernel
	if len(launch.Args) != len(k.Args) {
		return nil, errors.Errorf("kernel %q takes %d arguments, %d given", k.Name, len(k.Args), len(launch.Args))
	}
	if k.NumArgs() > MaxKernelArgs {
		return nil, errors.Errorf("kernel %q has %d arguments (including automatic locals), at most %d are supported",
			k.Name, k.NumArgs(), MaxKernelArgs)
	}
	for ii, arg := range launch.Args {
		if arg.kind != k.Args[ii].Kind {
			return nil, errors.Errorf("kernel %q argument #%d (%q) is a %s, got a %s value",
				k.Name, ii, k.Args[ii].Name, k.Args[ii].Kind, arg.kind)
		}
		if arg.buffer != nil {
			if arg.buffer.device != c.device {
				return nil, errors.Errorf("kernel %q argument #%d (%q) is a buffer of another device",
					k.Name, ii, k.Args[ii].Name)
			}
			if err := arg.buffer.check(); err != nil {
				return nil, errors.WithMessagef(err, "kernel %q argument #%d (%q)", k.Name, ii, k.Args[ii].Name)
			}
		}
	}
	for axis := range 3 {
		if c.global[axis]%launch.Local[axis] != 0 {
			return nil, errors.Errorf("kernel %q: global size %v is not divisible by the local size %v on axis %d",
				k.Name, c.global, launch.Local, axis)
		}
		launch.NumGroups[axis] = c.global[axis] / launch.Local[axis]
	}
	return newLaunchCommand(c.device, launch, c.triggers, c.readiness), nil
}

// Submit is a shortcut to Done and Device.Submit. It returns the event of the submitted command.
func (c *LaunchConfig) Submit() (*Event, error) {
	cmd, err := c.Done()
	if err != nil {
		return nil, err
	}
	if err := c.device.Submit(cmd); err != nil {
		return nil, err
	}
	return cmd.Event(), nil
}
