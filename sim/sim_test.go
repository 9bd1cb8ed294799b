package sim

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gotta/dtypes"
	"github.com/gomlx/gotta/machine"
	"github.com/gomlx/gotta/tta"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMachine = `
name: sim-test
byte_order: big
address_spaces:
  - {name: data, start: 0x0, end: 0x1000, ids: [0, 4]}
  - {name: global, start: 0x10000, end: 0x14000, shared: true, ids: [3, 5]}
`

func TestParseImage(t *testing.T) {
	img := must.M1(ParseImage([]byte(`
kernels:
  - {name: vecadd, metadata: 0x100, local: [4]}
  - {name: my_fill, builtin: fill, metadata: 0x200, local: [2, 2]}
`)))
	assert.Equal(t, uint32(DefaultCommandSlotOffset), img.CommandSlotOffset)
	require.Len(t, img.Kernels, 2)
	assert.Equal(t, [3]uint32{4, 1, 1}, img.Kernels[0].local)
	assert.Equal(t, [3]uint32{2, 2, 1}, img.Kernels[1].local)
	assert.Equal(t, "_my_fill_md", img.Kernels[1].SymbolName())
	assert.Same(t, img.Kernels[1], img.kernelAt(0x200))
	assert.Nil(t, img.kernelAt(0x300))

	encoded := must.M1(img.Encode())
	again := must.M1(ParseImage(encoded))
	assert.Equal(t, img.Kernels[1].Builtin, again.Kernels[1].Builtin)

	for name, invalid := range map[string]string{
		"UnknownBuiltin":    "kernels: [{name: conv, metadata: 0x100}]",
		"NoName":            "kernels: [{metadata: 0x100}]",
		"ZeroAxis":          "kernels: [{name: vecadd, metadata: 0x100, local: [0]}]",
		"TooManyAxes":       "kernels: [{name: vecadd, metadata: 0x100, local: [1, 1, 1, 1]}]",
		"DuplicateMetadata": "kernels: [{name: vecadd, metadata: 0x100}, {name: fill, metadata: 0x100}]",
		"NotYAML":           "kernels: {",
	} {
		_, err := ParseImage([]byte(invalid))
		require.Error(t, err, name)
	}
}

func TestMemory(t *testing.T) {
	desc := must.M1(machine.Parse([]byte(testMachine)))
	mem := must.M1(NewMemory(desc))
	require.NoError(t, mem.Write(0x10000, []byte{1, 2, 3}))
	got := make([]byte, 3)
	require.NoError(t, mem.Read(0x10000, got))
	assert.Equal(t, []byte{1, 2, 3}, got)
	written, read := mem.Traffic()
	assert.Equal(t, int64(3), written)
	assert.Equal(t, int64(3), read)

	require.Error(t, mem.Write(0x13FFF, []byte{1, 2}), "crosses the end of the address space")
	require.Error(t, mem.Read(0x2000, got), "between address spaces")

	overlapping := must.M1(machine.Parse([]byte(`
name: overlapping
address_spaces:
  - {name: a, start: 0x0, end: 0x1000, ids: [0, 4]}
  - {name: b, start: 0x800, end: 0x2000, ids: [3, 5]}
`)))
	_, err := NewMemory(overlapping)
	require.Error(t, err)
}

// writeImage writes the program image YAML to a temporary file and returns its path.
func writeImage(t *testing.T, yaml string) string {
	path := filepath.Join(t.TempDir(), "program.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestDevice_MainLoop(t *testing.T) {
	desc := must.M1(machine.Parse([]byte(testMachine)))
	d := must.M1(New(desc, Config{}))
	defer d.Close()
	order := binary.BigEndian

	require.Error(t, d.RestartProgram(), "no program loaded")
	_, err := d.ResolveSymbol("_fill_md")
	require.Error(t, err)

	require.Error(t, d.LoadProgram(writeImage(t, "command_slot_offset: 0x3F00\nkernels: []\n")),
		"command slot doesn't fit")
	require.NoError(t, d.LoadProgram(writeImage(t, "kernels: [{name: fill, metadata: 0x40, local: [4]}]\n")))
	require.NoError(t, d.RestartProgram())
	entry := must.M1(d.ResolveSymbol("_fill_md"))
	assert.Equal(t, uint32(0x40), entry)
	_, err = d.ResolveSymbol("_vecadd_md")
	require.ErrorIs(t, err, tta.ErrSymbolNotFound)

	// Hand-written command: fill(x, value) over 8 items, 2 groups of 4.
	const slot = 0x10000 + DefaultCommandSlotOffset
	const x, value = 0x11000, 0x11100
	require.NoError(t, d.CopyHostToDevice(dtypes.Encode(order, int32(42)), value))
	cmd := &tta.ExecutionCommand{Kernel: entry, WorkDim: 1, NumGroups: [3]uint32{2, 1, 1}, Status: tta.StatusFree}
	cmd.Args[0], cmd.Args[1] = x, value
	require.NoError(t, d.CopyHostToDevice(cmd.Encode(order, make([]byte, tta.ExecutionCommandSize)), slot))
	require.NoError(t, d.CopyHostToDevice(dtypes.Encode(order, uint32(tta.StatusReady)), slot+tta.StatusOffset))

	deadline := time.Now().Add(10 * time.Second)
	for {
		status := must.M1(d.readStatus(slot))
		if status == tta.StatusFinished {
			break
		}
		require.True(t, time.Now().Before(deadline), "kernel didn't finish, status %s", status)
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, d.KernelErr())
	assert.Equal(t, int64(1), d.Executed())
	data := make([]byte, 4*9)
	require.NoError(t, d.CopyDeviceToHost(x, data))
	values := must.M1(dtypes.DecodeSlice[int32](order, data))
	assert.Equal(t, []int32{42, 42, 42, 42, 42, 42, 42, 42, 0}, values)

	// Loading a program stops the main loop until restarted.
	require.NoError(t, d.LoadProgram(writeImage(t, "kernels: [{name: fill, metadata: 0x40, local: [4]}]\n")))
	assert.Equal(t, int64(2), d.Loads())
	assert.Equal(t, int64(1), d.Restarts())
}

func TestDevice_KernelError(t *testing.T) {
	desc := must.M1(machine.Parse([]byte(testMachine)))
	d := must.M1(New(desc, Config{PollInterval: time.Millisecond}))
	defer d.Close()
	order := binary.BigEndian
	require.NoError(t, d.LoadProgram(writeImage(t, "kernels: [{name: fill, metadata: 0x40, local: [4]}]\n")))
	require.NoError(t, d.RestartProgram())

	// Unknown kernel metadata: the command still finishes, and the error is kept.
	const slot = 0x10000 + DefaultCommandSlotOffset
	cmd := &tta.ExecutionCommand{Kernel: 0x99, WorkDim: 1, NumGroups: [3]uint32{1, 1, 1}}
	require.NoError(t, d.CopyHostToDevice(cmd.Encode(order, make([]byte, tta.ExecutionCommandSize)), slot))
	require.NoError(t, d.CopyHostToDevice(dtypes.Encode(order, uint32(tta.StatusReady)), slot+tta.StatusOffset))
	require.Eventually(t, func() bool {
		return must.M1(d.readStatus(slot)) == tta.StatusFinished
	}, 10*time.Second, time.Millisecond)
	require.Error(t, d.KernelErr())
}

func TestNew_NoGlobalAddressSpace(t *testing.T) {
	desc := must.M1(machine.Parse([]byte(`
name: no-global
address_spaces:
  - {name: data, start: 0x0, end: 0x1000, ids: [0, 4]}
`)))
	_, err := New(desc, Config{})
	require.Error(t, err)
}
