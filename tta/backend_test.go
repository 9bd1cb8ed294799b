package tta

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gotta/machine"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// singleCoreMachine has 128 bytes of local memory and 4096 bytes of global memory after the default reservations.
const singleCoreMachine = `
name: test-single
cores: 1
byte_order: big
address_spaces:
  - name: data
    start: 0x0
    end: 0x480
    ids: [0, 4]
  - name: global
    start: 0x10000
    end: 0x11800
    shared: true
    ids: [3, 5]
`

// writeOp is one call to CopyHostToDevice.
type writeOp struct {
	addr uint32
	data []byte
}

// recordingBackend is a Backend whose memory is a sparse map, recording every write. A READY written to the status
// word of the command slot is immediately replaced by FINISHED, unless hang is set.
type recordingBackend struct {
	mu     sync.Mutex
	order  binary.ByteOrder
	slot   uint32
	mem    map[uint32]byte
	writes []writeOp
	reads  int

	hang bool

	// onReady is called when the host writes READY, with the lock released.
	onReady func(cmd *ExecutionCommand)

	symbols                   map[string]uint32
	loads, restarts, resolves atomic.Int64
	loadErr, restartErr       error
	loadedImages              []string
}

func newRecordingBackend(order binary.ByteOrder, slot uint32) *recordingBackend {
	return &recordingBackend{
		order:   order,
		slot:    slot,
		mem:     make(map[uint32]byte),
		symbols: make(map[string]uint32),
	}
}

func (b *recordingBackend) CopyHostToDevice(src []byte, deviceAddr uint32) error {
	b.mu.Lock()
	b.writes = append(b.writes, writeOp{addr: deviceAddr, data: slices.Clone(src)})
	for ii, v := range src {
		b.mem[deviceAddr+uint32(ii)] = v
	}
	var readyCmd *ExecutionCommand
	statusAddr := b.slot + StatusOffset
	if deviceAddr == statusAddr && len(src) == 4 && SlotStatus(b.order.Uint32(src)) == StatusReady {
		readyCmd = b.commandLocked()
		if !b.hang {
			b.putWordLocked(statusAddr, uint32(StatusFinished))
		}
	}
	onReady := b.onReady
	b.mu.Unlock()
	if readyCmd != nil && onReady != nil {
		onReady(readyCmd)
	}
	return nil
}

func (b *recordingBackend) CopyDeviceToHost(deviceAddr uint32, dst []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	for ii := range dst {
		dst[ii] = b.mem[deviceAddr+uint32(ii)]
	}
	return nil
}

func (b *recordingBackend) putWordLocked(addr, word uint32) {
	var buf [4]byte
	b.order.PutUint32(buf[:], word)
	for ii, v := range buf {
		b.mem[addr+uint32(ii)] = v
	}
}

func (b *recordingBackend) commandLocked() *ExecutionCommand {
	data := make([]byte, ExecutionCommandSize)
	for ii := range data {
		data[ii] = b.mem[b.slot+uint32(ii)]
	}
	return must.M1(DecodeExecutionCommand(b.order, data))
}

func (b *recordingBackend) LoadProgram(imagePath string) error {
	if b.loadErr != nil {
		return b.loadErr
	}
	b.mu.Lock()
	b.loadedImages = append(b.loadedImages, imagePath)
	b.mu.Unlock()
	b.loads.Add(1)
	return nil
}

func (b *recordingBackend) RestartProgram() error {
	if b.restartErr != nil {
		return b.restartErr
	}
	b.restarts.Add(1)
	return nil
}

func (b *recordingBackend) ResolveSymbol(name string) (uint32, error) {
	b.resolves.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	addr, found := b.symbols[name]
	if !found {
		return 0, errors.Wrapf(ErrSymbolNotFound, "%q", name)
	}
	return addr, nil
}

// writesSnapshot returns a copy of the writes recorded so far.
func (b *recordingBackend) writesSnapshot() []writeOp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.writes)
}

func (b *recordingBackend) numWrites() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

// statusWord returns the current value of the status word of the slot.
func (b *recordingBackend) statusWord() SlotStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	var buf [4]byte
	for ii := range buf {
		buf[ii] = b.mem[b.slot+StatusOffset+uint32(ii)]
	}
	return SlotStatus(b.order.Uint32(buf[:]))
}

// countingCompiler counts the builds, and returns the requested image path.
type countingCompiler struct {
	calls    atomic.Int64
	requests []*BuildRequest
	mu       sync.Mutex
	err      error
}

func (c *countingCompiler) Compile(_ context.Context, req *BuildRequest) (string, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	return req.ImagePath, nil
}

// testDevice holds a device on a recording backend.
type testDevice struct {
	*Device
	backend  *recordingBackend
	compiler *countingCompiler
}

// newTestDevice creates a device on the single core machine, with a recording backend and a counting compiler.
func newTestDevice(t *testing.T, options ...func(*DeviceConfig)) *testDevice {
	desc := must.M1(machine.Parse([]byte(singleCoreMachine)))
	slot := uint32(0x10000) + DefaultReservations.Global
	backend := newRecordingBackend(desc.Order(), slot)
	compiler := &countingCompiler{}
	config := NewDevice(t.Name(), desc).
		WithBackend(backend).
		WithCompiler(compiler).
		WithPollInterval(time.Millisecond)
	for _, option := range options {
		option(config)
	}
	d, err := config.Done()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Destroy() })
	return &testDevice{Device: d, backend: backend, compiler: compiler}
}

// newTestKernel creates a kernel with a fresh (empty) build directory, and registers its symbol in the backend.
func (td *testDevice) newTestKernel(t *testing.T, name string, entry uint32, args ...ArgInfo) *Kernel {
	td.backend.mu.Lock()
	td.backend.symbols["_"+name+"_md"] = entry
	td.backend.mu.Unlock()
	return &Kernel{
		Name:     name,
		Args:     args,
		BuildDir: filepath.Join(t.TempDir(), name),
	}
}

// await the event, failing the test if it takes too long.
func await(t *testing.T, e *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}
