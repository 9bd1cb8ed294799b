package tta

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gotta/machine"
	"github.com/gomlx/gotta/memregion"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// Environment variables read when a device is created.
const (
	// PollIntervalEnv overrides the default poll interval of the handshake, e.g. "5ms".
	PollIntervalEnv = "GOTTA_POLL_INTERVAL"

	// HandshakeTimeoutEnv sets a timeout for each wait of the handshake, e.g. "30s". The default is no timeout.
	HandshakeTimeoutEnv = "GOTTA_HANDSHAKE_TIMEOUT"
)

// tracerName is the name of the otel tracer used by the devices.
const tracerName = "github.com/gomlx/gotta/tta"

// Stats are the counters of a device.
type Stats struct {
	// Launches is the number of kernel launches completed.
	Launches int64

	// ProgramLoads is the number of program images loaded to the device.
	ProgramLoads int64

	// Compilations is the number of program images built.
	Compilations int64

	// Restarts is the number of times the device program was restarted.
	Restarts int64

	// Callbacks is the number of callback commands executed.
	Callbacks int64
}

// Device is one TTA accelerator: it owns the device memory regions, the command slot and the command queue.
//
// Create it with NewDevice, and destroy it with Device.Destroy.
type Device struct {
	name    string
	desc    *machine.Description
	backend Backend

	compiler     Compiler
	order        binary.ByteOrder
	layout       *memoryLayout
	staging      *stagingPools
	handshake    *handshake
	residency    residency
	scheduler    *scheduler
	tracer       trace.Tracer
	pollInterval time.Duration

	// compileMu is held through the whole new-kernel path: build, load, restart and symbol resolution.
	compileMu sync.Mutex

	// ctx is cancelled when the device is destroyed, interrupting any waiting handshake.
	ctx    context.Context
	cancel context.CancelFunc

	// fatalErr is set once the device is aborted.
	fatalErr  atomic.Pointer[error]
	destroyed atomic.Bool

	buffersAlive atomic.Int64

	numLaunches, numProgramLoads, numCompilations, numRestarts, numCallbacks atomic.Int64
}

// DeviceConfig configures a new Device. Create it with NewDevice and finish with Done.
type DeviceConfig struct {
	name             string
	desc             *machine.Description
	backend          Backend
	compiler         Compiler
	roles            RoleIDs
	reservations     Reservations
	pollInterval     time.Duration
	handshakeTimeout time.Duration
	tracerProvider   trace.TracerProvider

	// err stores the first error that happened during configuration.
	// If it is not nil, it is immediately returned by the Done call.
	err error
}

// NewDevice starts the configuration of a device with the given name (used to register it, see GetDevice) and
// machine description. A Backend is required, see DeviceConfig.WithBackend.
func NewDevice(name string, desc *machine.Description) *DeviceConfig {
	c := &DeviceConfig{
		name:         name,
		desc:         desc,
		roles:        DefaultRoleIDs,
		reservations: DefaultReservations,
		pollInterval: DefaultPollInterval,
	}
	if name == "" {
		c.err = errors.New("NewDevice() requires a non-empty name")
		return c
	}
	if desc == nil {
		c.err = errors.Errorf("NewDevice(%q) given a nil machine description", name)
		return c
	}
	if v := os.Getenv(PollIntervalEnv); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			c.err = errors.Errorf("invalid duration %q in $%s", v, PollIntervalEnv)
			return c
		}
		c.pollInterval = d
	}
	if v := os.Getenv(HandshakeTimeoutEnv); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			c.err = errors.Errorf("invalid duration %q in $%s", v, HandshakeTimeoutEnv)
			return c
		}
		c.handshakeTimeout = d
	}
	return c
}

// WithBackend sets the memory transfer and program loader of the device. Required.
func (c *DeviceConfig) WithBackend(backend Backend) *DeviceConfig {
	if c.err != nil {
		return c
	}
	if backend == nil {
		c.err = errors.Errorf("NewDevice(%q).WithBackend() given a nil backend", c.name)
		return c
	}
	c.backend = backend
	return c
}

// WithCompiler sets the compiler used to build program images missing from the kernels build directories.
// If not set, a missing image fails the launch with ErrCompile.
func (c *DeviceConfig) WithCompiler(compiler Compiler) *DeviceConfig {
	if c.err != nil {
		return c
	}
	c.compiler = compiler
	return c
}

// WithRoles sets the numerical ids of the address space roles. Default is DefaultRoleIDs.
func (c *DeviceConfig) WithRoles(roles RoleIDs) *DeviceConfig {
	if c.err != nil {
		return c
	}
	c.roles = roles
	return c
}

// WithReservations sets the space left unallocated at the start of the local and global address spaces.
// Default is DefaultReservations.
func (c *DeviceConfig) WithReservations(reservations Reservations) *DeviceConfig {
	if c.err != nil {
		return c
	}
	c.reservations = reservations
	return c
}

// WithPollInterval sets the interval between reads of the slot status while waiting for a kernel to finish.
// It overrides $GOTTA_POLL_INTERVAL.
func (c *DeviceConfig) WithPollInterval(interval time.Duration) *DeviceConfig {
	if c.err != nil {
		return c
	}
	if interval <= 0 {
		c.err = errors.Errorf("NewDevice(%q).WithPollInterval(%s): interval must be positive", c.name, interval)
		return c
	}
	c.pollInterval = interval
	return c
}

// WithHandshakeTimeout bounds each wait of the command slot handshake. A timeout aborts the device with
// ErrHandshakeTimeout: the state of the device is unknown afterward. 0 (the default) means no timeout.
// It overrides $GOTTA_HANDSHAKE_TIMEOUT.
func (c *DeviceConfig) WithHandshakeTimeout(timeout time.Duration) *DeviceConfig {
	if c.err != nil {
		return c
	}
	if timeout < 0 {
		c.err = errors.Errorf("NewDevice(%q).WithHandshakeTimeout(%s): timeout can't be negative", c.name, timeout)
		return c
	}
	c.handshakeTimeout = timeout
	return c
}

// WithTracerProvider sets the otel provider used to trace command execution and kernel builds.
// Default is the global provider.
func (c *DeviceConfig) WithTracerProvider(tp trace.TracerProvider) *DeviceConfig {
	if c.err != nil {
		return c
	}
	c.tracerProvider = tp
	return c
}

// Done configures the address spaces, initializes the command slot and registers the device.
func (c *DeviceConfig) Done() (*Device, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.backend == nil {
		return nil, errors.Errorf("NewDevice(%q) requires a backend, see WithBackend()", c.name)
	}
	layout, err := configureAddressSpaces(c.desc, c.roles, c.reservations)
	if err != nil {
		return nil, err
	}
	tp := c.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	d := &Device{
		name:         c.name,
		desc:         c.desc,
		backend:      c.backend,
		compiler:     c.compiler,
		order:        c.desc.Order(),
		layout:       layout,
		staging:      newStagingPools(),
		tracer:       tp.Tracer(tracerName),
		pollInterval: c.pollInterval,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.handshake = newHandshake(d.backend, d.order, layout.commandSlot, d.staging)
	d.handshake.pollInterval = c.pollInterval
	d.handshake.timeout = c.handshakeTimeout
	d.scheduler = newScheduler(d.execute)

	if err := d.initDataMemory(); err != nil {
		d.cancel()
		return nil, err
	}
	if err := registerDevice(d); err != nil {
		d.cancel()
		return nil, err
	}
	klog.V(1).Infof("tta: device %q ready: %s", d.name, d)
	return d, nil
}

// initDataMemory marks the command slot as FREE.
func (d *Device) initDataMemory() error {
	if err := d.handshake.initSlot(); err != nil {
		return errors.WithMessagef(err, "device %q: failed to initialize the command slot", d.name)
	}
	return nil
}

// Name of the device, as registered.
func (d *Device) Name() string { return d.name }

// Machine description of the device.
func (d *Device) Machine() *machine.Description { return d.desc }

// ByteOrder of the device.
func (d *Device) ByteOrder() binary.ByteOrder { return d.order }

// NeedsByteSwap returns whether the device byte order differs from the host's.
func (d *Device) NeedsByteSwap() bool { return needsByteSwap(d.order) }

// PollInterval is the interval between reads of the slot status while waiting for a kernel to finish.
func (d *Device) PollInterval() time.Duration { return d.pollInterval }

// CommandSlot returns the device address of the command slot.
func (d *Device) CommandSlot() uint32 { return d.layout.commandSlot }

// LocalMemSize is the size of the local address space, net of the reserved space.
func (d *Device) LocalMemSize() uint32 { return d.layout.localSize }

// GlobalMemSize is the size of the global address space, net of the reserved space.
func (d *Device) GlobalMemSize() uint32 { return d.layout.globalSize }

// MaxMemAllocSize is the largest allocation possible in global memory.
func (d *Device) MaxMemAllocSize() uint32 { return d.layout.globalMem.Size() }

// LocalMem returns the region of local memory, where local arguments are allocated.
func (d *Device) LocalMem() *memregion.Region { return d.layout.localMem }

// GlobalMem returns the region of global memory, where buffers and scalar arguments are allocated.
func (d *Device) GlobalMem() *memregion.Region { return d.layout.globalMem }

// BuffersAlive returns the number of buffers of the device not yet destroyed.
func (d *Device) BuffersAlive() int64 { return d.buffersAlive.Load() }

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		Launches:     d.numLaunches.Load(),
		ProgramLoads: d.numProgramLoads.Load(),
		Compilations: d.numCompilations.Load(),
		Restarts:     d.numRestarts.Load(),
		Callbacks:    d.numCallbacks.Load(),
	}
}

// Err returns the fatal error that aborted the device, or nil.
func (d *Device) Err() error {
	if errPtr := d.fatalErr.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// abort the device with the fatal error: every later command fails with it. Only the first error is kept.
func (d *Device) abort(err error) {
	if d.fatalErr.CompareAndSwap(nil, &err) {
		klog.Errorf("tta: device %q aborted: %+v", d.name, err)
	}
}

// Submit the command to the device queue. It is executed as soon as its dependencies are satisfied; wait for
// it with Command.Event.
//
// If any of the events it depends on already failed, the command fails immediately with ErrTriggerFailed.
func (d *Device) Submit(cmd *Command) error {
	if cmd == nil {
		return errors.New("Device.Submit(nil)")
	}
	if cmd.device != d {
		return errors.Errorf("device %q: command %s belongs to another device", d.name, cmd)
	}
	if d.destroyed.Load() {
		return errors.Wrapf(ErrDeviceDestroyed, "device %q", d.name)
	}
	if trigger := cmd.failedTrigger(); trigger != nil {
		cmd.event.finish(errors.Wrapf(ErrTriggerFailed, "%s: %v", cmd, trigger.Err()))
		return nil
	}
	if err := d.scheduler.submit(cmd); err != nil {
		return errors.WithMessagef(err, "device %q", d.name)
	}
	for _, trigger := range cmd.triggers {
		trigger.onFinish(func(trigger *Event) {
			d.scheduler.notify(cmd, trigger)
		})
	}
	return nil
}

// Notify the device that trigger, a dependency of cmd, finished, or that the readiness predicate of cmd may have
// changed (trigger can be nil then).
//
// Commands configured with LaunchConfig.After are notified automatically.
func (d *Device) Notify(cmd *Command, trigger *Event) {
	d.scheduler.notify(cmd, trigger)
}

// Flush executes the commands ready to run.
func (d *Device) Flush() {
	d.scheduler.drain()
}

// Join executes the commands ready to run. To wait for a command, use its Event.
func (d *Device) Join() {
	d.scheduler.drain()
}

// Destroy the device: queued commands fail with ErrDeviceDestroyed, a waiting handshake is cancelled, and the
// device is removed from the registry. It is idempotent.
func (d *Device) Destroy() error {
	if d == nil || !d.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()
	d.scheduler.failAll(errors.Wrapf(ErrDeviceDestroyed, "device %q", d.name))
	unregisterDevice(d)
	if n := d.buffersAlive.Load(); n > 0 {
		klog.V(1).Infof("tta: device %q destroyed with %d buffers alive", d.name, n)
	}
	return nil
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	order := "big-endian"
	if d.order == binary.LittleEndian {
		order = "little-endian"
	}
	return fmt.Sprintf("TTA device %q (machine %q, %d cores, %s, local %d bytes, global %d bytes, slot 0x%x)",
		d.name, d.desc.Name, d.desc.NumCores(), order, d.layout.localSize, d.layout.globalSize, d.layout.commandSlot)
}
