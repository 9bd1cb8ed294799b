// Package sim implements a software TTA device: a flat memory per address space, program images listing built-in
// kernels, and the device main loop polling the command slot.
//
// It implements tta.Backend, and it is used to test tta devices end-to-end and by the tta_run tool.
package sim

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gotta/machine"
	"github.com/gomlx/gotta/tta"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultPollInterval of the device main loop.
const DefaultPollInterval = time.Millisecond

// Config of a simulated device.
type Config struct {
	// PollInterval of the device main loop reading the command slot status. Default is DefaultPollInterval.
	PollInterval time.Duration

	// Roles used to find the global address space, where the command slot is. Default is tta.DefaultRoleIDs.
	Roles *tta.RoleIDs
}

// Device is a simulated TTA device.
type Device struct {
	desc         *machine.Description
	mem          *Memory
	order        binary.ByteOrder
	global       *machine.AddressSpace
	pollInterval time.Duration

	mu         sync.Mutex
	image      *Image
	imagePath  string
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	errMu     sync.Mutex
	kernelErr error

	numLoads, numRestarts, numExecuted atomic.Int64
}

var _ tta.Backend = (*Device)(nil)

// New creates a simulated device for the machine description.
func New(desc *machine.Description, config Config) (*Device, error) {
	mem, err := NewMemory(desc)
	if err != nil {
		return nil, err
	}
	roles := tta.DefaultRoleIDs
	if config.Roles != nil {
		roles = *config.Roles
	}
	d := &Device{
		desc:         desc,
		mem:          mem,
		order:        desc.Order(),
		pollInterval: config.PollInterval,
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	for _, as := range desc.AddressSpaces {
		if as.HasNumericalID(roles.Global) && as.HasNumericalID(roles.Constant) {
			d.global = as
			break
		}
	}
	if d.global == nil {
		return nil, errors.Errorf("machine %q has no global address space (ids %d and %d)", desc.Name, roles.Global, roles.Constant)
	}
	return d, nil
}

// Memory of the device.
func (d *Device) Memory() *Memory { return d.mem }

// CopyHostToDevice implements tta.Transfer.
func (d *Device) CopyHostToDevice(src []byte, deviceAddr uint32) error {
	return d.mem.Write(deviceAddr, src)
}

// CopyDeviceToHost implements tta.Transfer.
func (d *Device) CopyDeviceToHost(deviceAddr uint32, dst []byte) error {
	return d.mem.Read(deviceAddr, dst)
}

// LoadProgram implements tta.Loader. It stops the running program, if any.
func (d *Device) LoadProgram(imagePath string) error {
	img, err := LoadImage(context.Background(), imagePath)
	if err != nil {
		return err
	}
	slot := uint64(d.global.Start) + uint64(img.CommandSlotOffset)
	if slot+tta.ExecutionCommandSize > uint64(d.global.End) {
		return errors.Errorf("program image %q: command slot at offset %d doesn't fit in global address space %s",
			imagePath, img.CommandSlotOffset, d.global)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.image = img
	d.imagePath = imagePath
	d.numLoads.Add(1)
	klog.V(1).Infof("sim: loaded program %q with %d kernels", imagePath, len(img.Kernels))
	return nil
}

// RestartProgram implements tta.Loader: it (re)starts the device main loop.
func (d *Device) RestartProgram() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.image == nil {
		return errors.New("sim: no program loaded")
	}
	d.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.loopCancel, d.loopDone = cancel, done
	go d.mainLoop(ctx, d.image, done)
	d.numRestarts.Add(1)
	return nil
}

// ResolveSymbol implements tta.Loader.
func (d *Device) ResolveSymbol(name string) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.image == nil {
		return 0, errors.New("sim: no program loaded")
	}
	for _, k := range d.image.Kernels {
		if k.SymbolName() == name {
			return k.Metadata, nil
		}
	}
	return 0, errors.Wrapf(tta.ErrSymbolNotFound, "%q in program %q", name, d.imagePath)
}

// stopLocked stops the main loop, if running. Must be called with the lock held.
func (d *Device) stopLocked() {
	if d.loopCancel == nil {
		return
	}
	d.loopCancel()
	<-d.loopDone
	d.loopCancel, d.loopDone = nil, nil
}

// Close stops the device main loop.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Executed returns the number of commands executed by the device.
func (d *Device) Executed() int64 { return d.numExecuted.Load() }

// Loads returns the number of programs loaded.
func (d *Device) Loads() int64 { return d.numLoads.Load() }

// Restarts returns the number of times the program was restarted.
func (d *Device) Restarts() int64 { return d.numRestarts.Load() }

// KernelErr returns the last error of a kernel execution. The device has no way of reporting errors through the
// command slot: failed kernels still report FINISHED.
func (d *Device) KernelErr() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.kernelErr
}

func (d *Device) readStatus(slot uint32) (tta.SlotStatus, error) {
	var buf [4]byte
	if err := d.mem.Read(slot+tta.StatusOffset, buf[:]); err != nil {
		return 0, err
	}
	return tta.SlotStatus(d.order.Uint32(buf[:])), nil
}

func (d *Device) writeStatus(slot uint32, status tta.SlotStatus) error {
	var buf [4]byte
	d.order.PutUint32(buf[:], uint32(status))
	return d.mem.Write(slot+tta.StatusOffset, buf[:])
}

// mainLoop polls the command slot and runs the commands marked READY, until ctx is done.
func (d *Device) mainLoop(ctx context.Context, img *Image, done chan struct{}) {
	defer close(done)
	slot := d.global.Start + img.CommandSlotOffset
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		status, err := d.readStatus(slot)
		if err != nil {
			klog.Errorf("sim: failed to read command slot status: %+v", err)
			return
		}
		if status == tta.StatusReady {
			if err := d.runCommand(img, slot); err != nil {
				klog.Errorf("sim: failed to run command: %+v", err)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCommand executes the command in the slot, and marks it FINISHED.
func (d *Device) runCommand(img *Image, slot uint32) error {
	if err := d.writeStatus(slot, tta.StatusRunning); err != nil {
		return err
	}
	data := make([]byte, tta.ExecutionCommandSize)
	if err := d.mem.Read(slot, data); err != nil {
		return err
	}
	cmd, err := tta.DecodeExecutionCommand(d.order, data)
	if err != nil {
		return err
	}
	kernelErr := d.runKernel(img, cmd)
	if kernelErr != nil {
		klog.Errorf("sim: kernel failed: %+v", kernelErr)
	}
	d.errMu.Lock()
	d.kernelErr = kernelErr
	d.errMu.Unlock()
	d.numExecuted.Add(1)
	return d.writeStatus(slot, tta.StatusFinished)
}

func (d *Device) runKernel(img *Image, cmd *tta.ExecutionCommand) error {
	k := img.kernelAt(cmd.Kernel)
	if k == nil {
		return errors.Errorf("no kernel with metadata at 0x%x", cmd.Kernel)
	}
	kc := &KernelContext{
		Memory:  d.mem,
		Order:   d.order,
		Command: cmd,
		Local:   k.local,
	}
	klog.V(2).Infof("sim: running kernel %q, groups %v, local %v", k.Name, cmd.NumGroups, k.local)
	for gz := range cmd.NumGroups[2] {
		for gy := range cmd.NumGroups[1] {
			for gx := range cmd.NumGroups[0] {
				if err := k.builtin(kc, [3]uint32{gx, gy, gz}); err != nil {
					return errors.WithMessagef(err, "kernel %q, group (%d, %d, %d)", k.Name, gx, gy, gz)
				}
			}
		}
	}
	return nil
}
