package tta

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"
)

var scalarsAndLocalArgs = []ArgInfo{
	{Name: "n", Kind: ArgScalar},
	{Name: "alpha", Kind: ArgScalar},
	{Name: "scratch", Kind: ArgLocal},
}

func TestLaunch_TemporaryArguments(t *testing.T) {
	td := newTestDevice(t)
	k := td.newTestKernel(t, "scaled", 0x40, scalarsAndLocalArgs...)
	localMem, globalMem := td.LocalMem(), td.GlobalMem()

	var liveLocal, liveGlobal int
	var seen *ExecutionCommand
	td.backend.onReady = func(cmd *ExecutionCommand) {
		liveLocal, liveGlobal = localMem.LiveChunks(), globalMem.LiveChunks()
		seen = cmd
	}
	numInitWrites := td.backend.numWrites()

	e, err := k.Launch(td.Device).
		WithArgs(Scalar(int32(7)), Scalar(float32(0.5)), Local(64)).
		WithLocalSize(4).
		WithGlobalSize(16).
		Submit()
	require.NoError(t, err)
	require.NoError(t, await(t, e))
	assert.Equal(t, Complete, e.Status())

	// While the kernel ran: 2 scalars in global memory, 1 local chunk.
	assert.Equal(t, 1, liveLocal)
	assert.Equal(t, 2, liveGlobal)
	require.NotNil(t, seen)
	assert.Equal(t, uint32(0x40), seen.Kernel)
	assert.Equal(t, uint32(1), seen.WorkDim)
	assert.Equal(t, [3]uint32{4, 1, 1}, seen.NumGroups)
	for ii := range 2 {
		assert.GreaterOrEqual(t, seen.Args[ii], globalMem.Start(), "scalar arg #%d", ii)
		assert.Less(t, seen.Args[ii], globalMem.Start()+globalMem.Size(), "scalar arg #%d", ii)
	}
	assert.GreaterOrEqual(t, seen.Args[2], localMem.Start())
	assert.Less(t, seen.Args[2], localMem.Start()+localMem.Size())
	assert.Zero(t, seen.Args[3])

	// And after, every temporary chunk is freed.
	assert.Equal(t, 0, localMem.LiveChunks())
	assert.Equal(t, 0, globalMem.LiveChunks())
	assert.Equal(t, localMem.NumAllocations(), localMem.NumFrees())
	assert.Equal(t, globalMem.NumAllocations(), globalMem.NumFrees())

	// Scalars are written (in device order) before the command, then READY and FREE.
	writes := td.backend.writesSnapshot()[numInitWrites:]
	require.Len(t, writes, 5)
	assert.Equal(t, seen.Args[0], writes[0].addr)
	assert.Equal(t, []byte{0, 0, 0, 7}, writes[0].data)
	assert.Equal(t, seen.Args[1], writes[1].addr)
	assert.Equal(t, []byte{0x3f, 0, 0, 0}, writes[1].data)
	assert.Equal(t, td.CommandSlot(), writes[2].addr)
	assert.Len(t, writes[2].data, ExecutionCommandSize)
	assert.Equal(t, td.CommandSlot()+StatusOffset, writes[3].addr)
	assert.Equal(t, []byte{0, 0, 0, byte(StatusReady)}, writes[3].data)
	assert.Equal(t, td.CommandSlot()+StatusOffset, writes[4].addr)
	assert.Equal(t, []byte{0, 0, 0, byte(StatusFree)}, writes[4].data)

	stats := td.Stats()
	assert.Equal(t, int64(1), stats.Launches)
	assert.Equal(t, int64(1), stats.Compilations)
	assert.Equal(t, int64(1), stats.ProgramLoads)
	assert.Equal(t, int64(1), stats.Restarts)
}

func TestLaunch_AutoLocalsAndPointers(t *testing.T) {
	td := newTestDevice(t)
	k := td.newTestKernel(t, "withAutoLocals", 0x80,
		ArgInfo{Name: "x", Kind: ArgPointer}, ArgInfo{Name: "y", Kind: ArgPointer})
	k.AutoLocals = []uint32{32}
	x := must.M1(BufferFromValues(td.Device, []float32{1, 2, 3, 4}))
	defer func() { require.NoError(t, x.Destroy()) }()

	var seen *ExecutionCommand
	var liveLocal int
	td.backend.onReady = func(cmd *ExecutionCommand) {
		seen = cmd
		liveLocal = td.LocalMem().LiveChunks()
	}
	e := must.M1(k.Launch(td.Device).WithArgs(BufferArg(x), NullPointer()).Submit())
	require.NoError(t, await(t, e))
	require.NotNil(t, seen)
	assert.Equal(t, x.Addr(), seen.Args[0])
	assert.Zero(t, seen.Args[1], "null pointers are passed as address 0")
	assert.Equal(t, td.LocalMem().Start(), seen.Args[2], "automatic locals come after the declared arguments")
	assert.Equal(t, 1, liveLocal)
	assert.Equal(t, 0, td.LocalMem().LiveChunks())
	assert.Equal(t, 1, td.GlobalMem().LiveChunks(), "only the buffer is left")
}

func TestLaunch_DestroyedSubBuffer(t *testing.T) {
	td := newTestDevice(t)
	k := td.newTestKernel(t, "subBuffer", 0x40, ArgInfo{Name: "x", Kind: ArgPointer})

	// Parent destroyed before the launch is configured, also through a nested sub-buffer.
	parent := must.M1(td.NewBuffer(64))
	sub := must.M1(parent.SubBuffer(16, 16))
	nested := must.M1(sub.SubBuffer(0, 8))
	require.NoError(t, parent.Destroy())
	_, err := k.Launch(td.Device).WithArgs(BufferArg(sub)).Done()
	require.ErrorContains(t, err, "destroyed")
	_, err = k.Launch(td.Device).WithArgs(BufferArg(nested)).Done()
	require.ErrorContains(t, err, "destroyed")

	// Parent destroyed while the launch is pending: its memory is reused by another buffer, which the kernel must
	// not be given.
	parent = must.M1(td.NewBuffer(64))
	sub = must.M1(parent.SubBuffer(16, 16))
	var open atomic.Bool
	cmd := must.M1(k.Launch(td.Device).WithArgs(BufferArg(sub)).WithReadiness(open.Load).Done())
	require.NoError(t, td.Submit(cmd))
	require.NoError(t, parent.Destroy())
	other := must.M1(td.NewBuffer(64))
	defer func() { require.NoError(t, other.Destroy()) }()
	numWrites := td.backend.numWrites()
	open.Store(true)
	td.Notify(cmd, nil)
	err = await(t, cmd.Event())
	require.ErrorContains(t, err, "destroyed")
	assert.False(t, IsFatal(err))
	assert.Equal(t, numWrites, td.backend.numWrites(), "the command must not reach the device")
	require.NoError(t, td.Err())
}

func TestLaunch_Validation(t *testing.T) {
	td := newTestDevice(t)
	k := td.newTestKernel(t, "validated", 0x40, ArgInfo{Name: "x", Kind: ArgPointer})

	_, err := k.Launch(td.Device).Done()
	require.Error(t, err, "missing arguments")

	_, err = k.Launch(td.Device).WithArgs(Scalar(int32(1))).Done()
	require.Error(t, err, "argument of the wrong kind")

	_, err = k.Launch(td.Device).WithArgs(NullPointer()).WithLocalSize(4).WithGlobalSize(10).Done()
	require.Error(t, err, "global size not divisible by the local size")

	_, err = k.Launch(td.Device).WithArgs(NullPointer()).WithLocalSize(1, 2, 3, 4).Done()
	require.Error(t, err, "too many axes")

	_, err = k.Launch(td.Device).WithArgs(NullPointer()).WithLocalSize(0).Done()
	require.Error(t, err, "0 sized axis")

	_, err = k.Launch(nil).WithArgs(NullPointer()).Done()
	require.Error(t, err)

	b := must.M1(td.NewBuffer(16))
	require.NoError(t, b.Destroy())
	_, err = k.Launch(td.Device).WithArgs(BufferArg(b)).Done()
	require.Error(t, err, "destroyed buffer")

	other := newTestDevice(t, func(c *DeviceConfig) { c.name = t.Name() + "_other" })
	ob := must.M1(other.NewBuffer(16))
	_, err = k.Launch(td.Device).WithArgs(BufferArg(ob)).Done()
	require.Error(t, err, "buffer of another device")

	many := &Kernel{Name: "many", AutoLocals: make([]uint32, MaxKernelArgs+1)}
	_, err = many.Launch(td.Device).Done()
	require.Error(t, err, "too many arguments")

	cmd := must.M1(k.Launch(td.Device).WithArgs(NullPointer()).WithLocalSize(2, 2).WithGlobalSize(8, 4).
		WithGlobalOffset(1, 2).Done())
	launch := cmd.Launch()
	assert.Equal(t, uint32(2), launch.WorkDim)
	assert.Equal(t, [3]uint32{4, 2, 1}, launch.NumGroups)
	assert.Equal(t, [3]uint32{1, 2, 0}, launch.GlobalOffset)
	assert.Equal(t, Queued, cmd.Status())
	assert.Equal(t, KindNDRangeKernel, cmd.Kind())
	require.Error(t, other.Submit(cmd), "command of another device")
	require.NoError(t, td.Submit(cmd))
	require.NoError(t, await(t, cmd.Event()))
}

func TestLaunch_Residency(t *testing.T) {
	td := newTestDevice(t)
	k := td.newTestKernel(t, "resident", 0x40, ArgInfo{Name: "x", Kind: ArgPointer})
	launch := func(kernel *Kernel, local uint32) {
		e, err := kernel.Launch(td.Device).WithArgs(NullPointer()).WithLocalSize(local).WithGlobalSize(4 * local).Submit()
		require.NoError(t, err)
		require.NoError(t, await(t, e))
	}

	launch(k, 1)
	assert.Equal(t, int64(1), td.compiler.calls.Load())
	assert.Equal(t, int64(1), td.backend.loads.Load())
	assert.Equal(t, int64(1), td.backend.resolves.Load())
	assert.Equal(t, int64(1), td.backend.restarts.Load())

	// Same kernel, same local shape: no build, load or symbol resolution, only a restart.
	launch(k, 1)
	assert.Equal(t, int64(1), td.compiler.calls.Load())
	assert.Equal(t, int64(1), td.backend.loads.Load())
	assert.Equal(t, int64(1), td.backend.resolves.Load())
	assert.Equal(t, int64(2), td.backend.restarts.Load())

	// A different local shape is a different program.
	launch(k, 2)
	assert.Equal(t, int64(2), td.compiler.calls.Load())
	assert.Equal(t, int64(2), td.backend.loads.Load())
	assert.Equal(t, int64(2), td.backend.resolves.Load())

	// A different *Kernel, even with the same name, is a different program.
	k2 := td.newTestKernel(t, "resident", 0x40, ArgInfo{Name: "x", Kind: ArgPointer})
	launch(k2, 2)
	assert.Equal(t, int64(3), td.compiler.calls.Load())
	assert.Equal(t, int64(3), td.backend.loads.Load())

	// Back to the first kernel: it is no longer resident.
	launch(k, 2)
	assert.Equal(t, int64(4), td.backend.loads.Load())

	// The counting compiler doesn't write images, so every load needs a build.
	require.Len(t, td.compiler.requests, 4)
	req := td.compiler.requests[0]
	assert.Same(t, k, req.Kernel)
	assert.Equal(t, [3]uint32{1, 1, 1}, req.Local)
	assert.Equal(t, k.ImagePath([3]uint32{1, 1, 1}), req.ImagePath)
	assert.Equal(t, filepath.Join(k.BuildDir, "1-1-1", ImageFileName), req.ImagePath)
	assert.Equal(t, k.ImagePath([3]uint32{2, 1, 1}), td.compiler.requests[1].ImagePath)
	assert.Equal(t, k2.ImagePath([3]uint32{2, 1, 1}), td.compiler.requests[2].ImagePath)
	assert.Equal(t, DefaultReservations.Global, req.CommandSlotOffset)
	assert.Equal(t, int64(5), td.Stats().Launches)
}

func TestLaunch_ExistingImage(t *testing.T) {
	td := newTestDevice(t)
	k := td.newTestKernel(t, "prebuilt", 0x40)
	imagePath := k.ImagePath([3]uint32{1, 1, 1})
	require.NoError(t, os.MkdirAll(filepath.Dir(imagePath), 0o755))
	require.NoError(t, os.WriteFile(imagePath, []byte("image"), 0o644))

	e := must.M1(k.Launch(td.Device).Submit())
	require.NoError(t, await(t, e))
	assert.Zero(t, td.compiler.calls.Load(), "the image exists, it should not be built")
	require.Len(t, td.backend.loadedImages, 1)
	assert.Equal(t, imagePath, td.backend.loadedImages[0])
}

func TestLaunch_ImagePerLocalShape(t *testing.T) {
	var built [][3]uint32
	writingCompiler := CompilerFunc(func(_ context.Context, req *BuildRequest) (string, error) {
		built = append(built, req.Local)
		return req.ImagePath, os.WriteFile(req.ImagePath, []byte("image"), 0o644)
	})
	td := newTestDevice(t, func(c *DeviceConfig) { c.WithCompiler(writingCompiler) })
	k := td.newTestKernel(t, "shaped", 0x40)
	launch := func(local uint32) {
		require.NoError(t, await(t, must.M1(k.Launch(td.Device).WithLocalSize(local).WithGlobalSize(8).Submit())))
	}

	launch(4)
	launch(8)
	require.Equal(t, [][3]uint32{{4, 1, 1}, {8, 1, 1}}, built, "each local shape is built separately")
	require.Len(t, td.backend.loadedImages, 2)
	assert.Equal(t, k.ImagePath([3]uint32{4, 1, 1}), td.backend.loadedImages[0])
	assert.Equal(t, k.ImagePath([3]uint32{8, 1, 1}), td.backend.loadedImages[1])

	// Going back to the first shape reloads its image, which already exists.
	launch(4)
	assert.Len(t, built, 2)
	require.Len(t, td.backend.loadedImages, 3)
	assert.Equal(t, k.ImagePath([3]uint32{4, 1, 1}), td.backend.loadedImages[2])
}

func TestLaunch_PrebuiltCompiler(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "vecadd.tpef")
	td := newTestDevice(t, func(c *DeviceConfig) {
		c.WithCompiler(PrebuiltCompiler{"vecadd": imagePath})
	})
	k := td.newTestKernel(t, "vecadd", 0x40)
	require.NoError(t, await(t, must.M1(k.Launch(td.Device).Submit())))
	require.Len(t, td.backend.loadedImages, 1)
	assert.Equal(t, imagePath, td.backend.loadedImages[0])

	// Unknown kernels fail to build, which aborts the device.
	unknown := td.newTestKernel(t, "unknown", 0x80)
	err := await(t, must.M1(unknown.Launch(td.Device).Submit()))
	require.ErrorIs(t, err, ErrCompile)
	require.True(t, IsFatal(err))
}

func TestLaunch_FatalErrors(t *testing.T) {
	t.Run("SymbolNotFound", func(t *testing.T) {
		td := newTestDevice(t)
		k := td.newTestKernel(t, "present", 0x40)
		missing := &Kernel{Name: "missing", BuildDir: filepath.Join(t.TempDir(), "missing")}

		err := await(t, must.M1(missing.Launch(td.Device).Submit()))
		require.ErrorIs(t, err, ErrSymbolNotFound)
		require.True(t, IsFatal(err))
		require.ErrorIs(t, td.Err(), ErrSymbolNotFound)

		// Later commands fail with the same error, without any device I/O.
		numWrites := td.backend.numWrites()
		loads := td.backend.loads.Load()
		e := must.M1(k.Launch(td.Device).Submit())
		err = await(t, e)
		require.ErrorIs(t, err, ErrSymbolNotFound)
		assert.Equal(t, Failed, e.Status())
		assert.Equal(t, numWrites, td.backend.numWrites())
		assert.Equal(t, loads, td.backend.loads.Load())

		cb := NewCallbackCommand(td.Device, func(context.Context) error {
			t.Error("callback should not run on an aborted device")
			return nil
		})
		require.NoError(t, td.Submit(cb))
		require.ErrorIs(t, await(t, cb.Event()), ErrSymbolNotFound)
	})

	t.Run("OutOfLocalMemory", func(t *testing.T) {
		td := newTestDevice(t)
		k := td.newTestKernel(t, "bigLocal", 0x40, scalarsAndLocalArgs...)
		numWrites := td.backend.numWrites()
		e := must.M1(k.Launch(td.Device).WithArgs(Scalar(int32(1)), Scalar(float32(1)), Local(4096)).Submit())
		err := await(t, e)
		require.ErrorIs(t, err, ErrOutOfLocalMemory)
		require.True(t, IsFatal(err))
		// The scalars were copied, but the command was never written.
		assert.Equal(t, numWrites+2, td.backend.numWrites())
		assert.Equal(t, 0, td.GlobalMem().LiveChunks(), "temporary chunks must be freed")
		assert.Equal(t, 0, td.LocalMem().LiveChunks())
		require.ErrorIs(t, td.Err(), ErrOutOfLocalMemory)
	})

	t.Run("OutOfGlobalMemory", func(t *testing.T) {
		td := newTestDevice(t)
		k := td.newTestKernel(t, "bigScalar", 0x40, ArgInfo{Name: "s", Kind: ArgScalar})
		err := await(t, must.M1(k.Launch(td.Device).WithArgs(RawScalar(make([]byte, 8192))).Submit()))
		require.ErrorIs(t, err, ErrOutOfGlobalMemory)
		require.True(t, IsFatal(err))
		var fatal *FatalError
		require.True(t, errors.As(err, &fatal))
		assert.Equal(t, ErrOutOfGlobalMemory, fatal.Class)
	})

	t.Run("ProgramLoad", func(t *testing.T) {
		td := newTestDevice(t)
		td.backend.loadErr = errors.New("no such device")
		k := td.newTestKernel(t, "unloadable", 0x40)
		err := await(t, must.M1(k.Launch(td.Device).Submit()))
		require.ErrorIs(t, err, ErrProgramLoad)
		require.True(t, IsFatal(err))
	})

	t.Run("Compile", func(t *testing.T) {
		td := newTestDevice(t)
		td.compiler.err = errors.New("tcecc not found")
		k := td.newTestKernel(t, "uncompilable", 0x40)
		err := await(t, must.M1(k.Launch(td.Device).Submit()))
		require.ErrorIs(t, err, ErrCompile)
		assert.Zero(t, td.backend.loads.Load())
	})

	t.Run("HandshakeTimeout", func(t *testing.T) {
		td := newTestDevice(t, func(c *DeviceConfig) { c.WithHandshakeTimeout(30 * time.Millisecond) })
		td.backend.hang = true
		k := td.newTestKernel(t, "hanging", 0x40, ArgInfo{Name: "s", Kind: ArgScalar})
		err := await(t, must.M1(k.Launch(td.Device).WithArgs(Scalar(int32(3))).Submit()))
		require.ErrorIs(t, err, ErrHandshakeTimeout)
		require.True(t, IsFatal(err))
		// The device may still be reading the argument: it is leaked.
		assert.Equal(t, 1, td.GlobalMem().LiveChunks())
		assert.Zero(t, td.Stats().Launches)
	})
}

func TestCallbackErrorIsNotFatal(t *testing.T) {
	td := newTestDevice(t)
	cb := NewCallbackCommand(td.Device, func(context.Context) error { return errors.New("read failed") })
	require.NoError(t, td.Submit(cb))
	require.Error(t, await(t, cb.Event()))
	assert.Equal(t, Failed, cb.Status())
	require.NoError(t, td.Err())

	ok := NewCallbackCommand(td.Device, nil)
	require.NoError(t, td.Submit(ok))
	require.NoError(t, await(t, ok.Event()))
	assert.Equal(t, int64(2), td.Stats().Callbacks)
}

func TestLaunch_Concurrent(t *testing.T) {
	td := newTestDevice(t)
	k := td.newTestKernel(t, "concurrent", 0x40, ArgInfo{Name: "i", Kind: ArgScalar})
	const numLaunches = 32
	var g errgroup.Group
	for ii := range numLaunches {
		g.Go(func() error {
			e, err := k.Launch(td.Device).WithArgs(Scalar(int32(ii))).Submit()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Await(ctx)
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(numLaunches), td.Stats().Launches)
	assert.Equal(t, int64(1), td.compiler.calls.Load(), "the kernel is only built once")
	assert.Equal(t, int64(1), td.backend.loads.Load())
	assert.Equal(t, 0, td.GlobalMem().LiveChunks())
	assert.Equal(t, StatusFree, td.backend.statusWord())
}

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	td := newTestDevice(t, func(c *DeviceConfig) { c.WithTracerProvider(tp) })
	k := td.newTestKernel(t, "traced", 0x40)
	require.NoError(t, await(t, must.M1(k.Launch(td.Device).Submit())))
	require.NoError(t, await(t, must.M1(k.Launch(td.Device).Submit())))

	var names []string
	for _, span := range sr.Ended() {
		names = append(names, span.Name())
	}
	// The first launch builds the kernel, the second finds it resident.
	assert.Equal(t, []string{"tta.compile", "tta.execute", "tta.execute"}, names)
	execSpan := sr.Ended()[1]
	var kernelName string
	for _, attr := range execSpan.Attributes() {
		if attr.Key == "tta.kernel" {
			kernelName = attr.Value.AsString()
		}
	}
	assert.Equal(t, "traced", kernelName)
}

func TestDestroy(t *testing.T) {
	td := newTestDevice(t)
	trigger := NewUserEvent()
	k := td.newTestKernel(t, "neverRun", 0x40)
	e := must.M1(k.Launch(td.Device).After(trigger).Submit())
	assert.Equal(t, Queued, e.Status())

	require.NoError(t, td.Destroy())
	require.ErrorIs(t, await(t, e), ErrDeviceDestroyed)
	require.NoError(t, td.Destroy(), "Destroy is idempotent")

	_, err := k.Launch(td.Device).Submit()
	require.ErrorIs(t, err, ErrDeviceDestroyed)
	_, err = td.NewBuffer(16)
	require.ErrorIs(t, err, ErrDeviceDestroyed)

	// Notifying a destroyed device is a no-op.
	trigger.Complete()
	assert.Equal(t, 0, td.scheduler.numPending())
}
