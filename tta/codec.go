package tta

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SlotStatus is the value of the status word of the command slot.
type SlotStatus uint32

//go:generate go tool enumer -type=SlotStatus -trimprefix=Status -transform=upper codec.go

const (
	// StatusFree means the slot can take a new command.
	StatusFree SlotStatus = 1
	// StatusReady is written by the host once the whole command was written.
	StatusReady SlotStatus = 2
	// StatusRunning is written by the device when it picks the command.
	StatusRunning SlotStatus = 3
	// StatusFinished is written by the device when the kernel completed.
	StatusFinished SlotStatus = 4
)

const (
	// MaxKernelArgs is the maximum number of arguments, declared plus automatic locals, of a kernel.
	MaxKernelArgs = 64

	// executionCommandWords is the number of 32-bit words of the ExecutionCommand:
	// kernel, args, work_dim, num_groups[3], global_offset[3], status.
	executionCommandWords = 1 + MaxKernelArgs + 1 + 3 + 3 + 1

	// ExecutionCommandSize is the size in bytes of the ExecutionCommand in device memory.
	ExecutionCommandSize = 4 * executionCommandWords

	// StatusOffset is the offset of the status word from the start of the ExecutionCommand.
	StatusOffset = ExecutionCommandSize - 4
)

// ExecutionCommand describes one kernel launch, as written to the device command slot.
//
// Its layout is fixed: every field is a 32-bit word, in the order they are declared here, and Status is the last
// word. The device polls only Status.
type ExecutionCommand struct {
	// Kernel is the device address of the kernel metadata.
	Kernel uint32

	// Args holds the device address of each argument. Unused entries are 0.
	Args [MaxKernelArgs]uint32

	WorkDim      uint32
	NumGroups    [3]uint32
	GlobalOffset [3]uint32
	Status       SlotStatus
}

// words returns the fields of the command, in wire order.
func (c *ExecutionCommand) words() []uint32 {
	w := make([]uint32, 0, executionCommandWords)
	w = append(w, c.Kernel)
	w = append(w, c.Args[:]...)
	w = append(w, c.WorkDim)
	w = append(w, c.NumGroups[:]...)
	w = append(w, c.GlobalOffset[:]...)
	w = append(w, uint32(c.Status))
	return w
}

// Encode the command in the device byte order into dst, which must hold at least ExecutionCommandSize bytes.
// It returns dst[:ExecutionCommandSize].
//
// This is the only place where host values are converted to the device byte order.
func (c *ExecutionCommand) Encode(order binary.ByteOrder, dst []byte) []byte {
	dst = dst[:ExecutionCommandSize]
	for ii, word := range c.words() {
		order.PutUint32(dst[4*ii:], word)
	}
	return dst
}

// DecodeExecutionCommand decodes a command from its device representation.
func DecodeExecutionCommand(order binary.ByteOrder, data []byte) (*ExecutionCommand, error) {
	if len(data) < ExecutionCommandSize {
		return nil, errors.Errorf("ExecutionCommand requires %d bytes, got %d", ExecutionCommandSize, len(data))
	}
	word := func(ii int) uint32 { return order.Uint32(data[4*ii:]) }
	c := &ExecutionCommand{}
	pos := 0
	c.Kernel = word(pos)
	pos++
	for ii := range c.Args {
		c.Args[ii] = word(pos)
		pos++
	}
	c.WorkDim = word(pos)
	pos++
	for ii := range c.NumGroups {
		c.NumGroups[ii] = word(pos)
		pos++
	}
	for ii := range c.GlobalOffset {
		c.GlobalOffset[ii] = word(pos)
		pos++
	}
	c.Status = SlotStatus(word(pos))
	return c, nil
}

// hostOrder is the byte order of the host.
var hostOrder binary.ByteOrder = func() binary.ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

// needsByteSwap returns whether values in the device order differ from the host representation.
func needsByteSwap(deviceOrder binary.ByteOrder) bool {
	return deviceOrder != hostOrder
}
