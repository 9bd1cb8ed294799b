package tta

import (
	"context"

	"github.com/gomlx/gotta/memregion"
	"github.com/pkg/errors"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// execute runs one command taken from the ready list. It always finishes the command event.
func (d *Device) execute(cmd *Command) {
	ctx, span := d.tracer.Start(d.ctx, "tta.execute", trace.WithAttributes(
		attribute.String("tta.device", d.name),
		attribute.String("tta.command.id", cmd.id.String()),
		attribute.String("tta.command.kind", cmd.kind.String()),
	))
	defer span.End()

	err := d.executeCommand(ctx, cmd)
	if err != nil {
		if IsFatal(err) {
			d.abort(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	cmd.event.finish(err)
}

func (d *Device) executeCommand(ctx context.Context, cmd *Command) error {
	if d.destroyed.Load() {
		return errors.Wrapf(ErrDeviceDestroyed, "device %q", d.name)
	}
	if err := d.Err(); err != nil {
		return err
	}
	switch cmd.kind {
	case KindNDRangeKernel:
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("tta.kernel", cmd.launch.Kernel.Name))
		return d.runKernel(ctx, cmd.launch)
	case KindCallback:
		d.numCallbacks.Add(1)
		if cmd.callback == nil {
			return nil
		}
		return cmd.callback(ctx)
	default:
		return errors.Errorf("device %q: unknown command kind %s", d.name, cmd.kind)
	}
}

// runKernel executes one kernel launch: it makes sure the kernel program is loaded, marshals the arguments,
// runs the handshake and frees the temporary argument chunks.
func (d *Device) runKernel(ctx context.Context, launch *Launch) error {
	entry, err := d.prepareKernel(ctx, launch)
	if err != nil {
		return err
	}

	execCmd := &ExecutionCommand{
		Kernel:       entry,
		WorkDim:      launch.WorkDim,
		NumGroups:    launch.NumGroups,
		GlobalOffset: launch.GlobalOffset,
		Status:       StatusFree,
	}
	temps, err := d.marshalArgs(launch, execCmd)
	if err != nil {
		d.freeTemps(temps)
		return err
	}

	if err := d.handshake.execute(ctx, execCmd); err != nil {
		// The device may still be using the temporary chunks: they are leaked.
		klog.Errorf("tta: device %q: handshake for kernel %q failed, leaking %d temporary chunks", d.name, launch.Kernel.Name, len(temps))
		if errors.Is(err, ErrHandshakeTimeout) {
			return wrapFatalf(ErrHandshakeTimeout, err, "device %q: kernel %q", d.name, launch.Kernel.Name)
		}
		return wrapFatalf(ErrDeviceIO, err, "device %q: kernel %q", d.name, launch.Kernel.Name)
	}
	d.freeTemps(temps)
	d.numLaunches.Add(1)
	return nil
}

// prepareKernel makes sure the program of the kernel, for the local work-group shape of the launch, is loaded and
// running, and returns the device address of the kernel metadata.
func (d *Device) prepareKernel(ctx context.Context, launch *Launch) (uint32, error) {
	kernel := launch.Kernel
	if entry, found := d.residency.lookup(kernel, launch.Local); found {
		// Same kernel, no need to rebuild or reload.
		if err := d.restartProgram(); err != nil {
			return 0, err
		}
		return entry, nil
	}

	d.compileMu.Lock()
	defer d.compileMu.Unlock()
	if entry, found := d.residency.lookup(kernel, launch.Local); found {
		// Loaded while waiting for the lock.
		if err := d.restartProgram(); err != nil {
			return 0, err
		}
		return entry, nil
	}

	imagePath, err := d.ensureImage(ctx, launch)
	if err != nil {
		return 0, err
	}
	d.residency.invalidate()
	klog.V(1).Infof("tta: device %q: loading program %q for kernel %q, local %v", d.name, imagePath, kernel.Name, launch.Local)
	if err := d.backend.LoadProgram(imagePath); err != nil {
		return 0, wrapFatalf(ErrProgramLoad, err, "device %q: failed to load program %q", d.name, imagePath)
	}
	d.numProgramLoads.Add(1)
	if err := d.restartProgram(); err != nil {
		return 0, err
	}
	entry, err := d.backend.ResolveSymbol(kernel.SymbolName())
	if err != nil {
		if errors.Is(err, ErrSymbolNotFound) {
			return 0, wrapFatalf(ErrSymbolNotFound, err, "device %q: kernel %q metadata not found in %q",
				d.name, kernel.Name, imagePath)
		}
		return 0, wrapFatalf(ErrProgramLoad, err, "device %q: failed to resolve %q in %q",
			d.name, kernel.SymbolName(), imagePath)
	}
	d.residency.update(kernel, launch.Local, entry)
	klog.V(2).Infof("tta: device %q: kernel %q metadata at 0x%x", d.name, kernel.Name, entry)
	return entry, nil
}

func (d *Device) restartProgram() error {
	if err := d.backend.RestartProgram(); err != nil {
		d.residency.invalidate()
		return wrapFatalf(ErrProgramLoad, err, "device %q: failed to restart program", d.name)
	}
	d.numRestarts.Add(1)
	return nil
}

// ensureImage returns the path of the program image of the launch kernel, building it if it doesn't exist yet.
func (d *Device) ensureImage(ctx context.Context, launch *Launch) (string, error) {
	kernel := launch.Kernel
	imagePath := kernel.ImagePath(launch.Local)
	fs := afs.New()
	exists, err := fs.Exists(ctx, imagePath)
	if err != nil {
		return "", wrapFatalf(ErrCompile, err, "device %q: failed to check program image %q", d.name, imagePath)
	}
	if exists {
		return imagePath, nil
	}
	if d.compiler == nil {
		return "", newFatalf(ErrCompile, "device %q: program image %q for kernel %q doesn't exist, and no compiler is configured",
			d.name, imagePath, kernel.Name)
	}
	shapeDir := kernel.ShapeDir(launch.Local)
	if exists, _ := fs.Exists(ctx, shapeDir); !exists {
		if err := fs.Create(ctx, shapeDir, file.DefaultDirOsMode, true); err != nil {
			return "", wrapFatalf(ErrCompile, err, "device %q: failed to create build directory %q", d.name, shapeDir)
		}
	}

	ctx, span := d.tracer.Start(ctx, "tta.compile", trace.WithAttributes(
		attribute.String("tta.kernel", kernel.Name),
		attribute.String("tta.image", imagePath),
	))
	defer span.End()
	klog.V(1).Infof("tta: device %q: building program image %q for kernel %q", d.name, imagePath, kernel.Name)
	built, err := d.compiler.Compile(ctx, &BuildRequest{
		Kernel:            kernel,
		Local:             launch.Local,
		ImagePath:         imagePath,
		Machine:           d.desc,
		CommandSlotOffset: d.layout.commandSlot - d.layout.global.Start,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", wrapFatalf(ErrCompile, err, "device %q: failed to build kernel %q", d.name, kernel.Name)
	}
	d.numCompilations.Add(1)
	if built == "" {
		built = imagePath
	}
	return built, nil
}

// marshalArgs allocates and fills the device memory of the arguments of the launch, and sets their addresses in
// execCmd. It returns the temporary chunks to free once the kernel finished, also in case of error.
func (d *Device) marshalArgs(launch *Launch, execCmd *ExecutionCommand) (temps []*memregion.Chunk, err error) {
	kernel := launch.Kernel
	localMem, globalMem := d.layout.localMem, d.layout.globalMem
	for ii, arg := range launch.Args {
		switch arg.kind {
		case ArgLocal:
			chunk := localMem.Allocate(arg.size)
			if chunk == nil {
				return temps, newFatalf(ErrOutOfLocalMemory, "device %q: kernel %q argument #%d needs %d bytes of local memory",
					d.name, kernel.Name, ii, arg.size)
			}
			temps = append(temps, chunk)
			execCmd.Args[ii] = chunk.Start
			klog.V(2).Infof("tta: allocated %d bytes of local memory for arg %d @ 0x%x", arg.size, ii, chunk.Start)

		case ArgPointer:
			if arg.buffer == nil {
				execCmd.Args[ii] = 0
				continue
			}
			if err := arg.buffer.check(); err != nil {
				return temps, errors.WithMessagef(err, "device %q: kernel %q argument #%d", d.name, kernel.Name, ii)
			}
			execCmd.Args[ii] = arg.buffer.chunk.Start

		default:
			value := arg.encode(d.order)
			chunk := globalMem.Allocate(uint32(len(value)))
			if chunk == nil {
				return temps, newFatalf(ErrOutOfGlobalMemory, "device %q: kernel %q argument #%d needs %d bytes of global memory",
					d.name, kernel.Name, ii, len(value))
			}
			temps = append(temps, chunk)
			if err := d.backend.CopyHostToDevice(value, chunk.Start); err != nil {
				return temps, errors.WithMessagef(err, "device %q: failed to copy kernel %q argument #%d", d.name, kernel.Name, ii)
			}
			execCmd.Args[ii] = chunk.Start
			klog.V(2).Infof("tta: copied scalar arg %d (%d bytes) to global memory @ 0x%x", ii, len(value), chunk.Start)
		}
	}

	// Automatic local buffers.
	for ii, size := range kernel.AutoLocals {
		argIdx := len(launch.Args) + ii
		chunk := localMem.Allocate(size)
		if chunk == nil {
			return temps, newFatalf(ErrOutOfLocalMemory, "device %q: kernel %q automatic local #%d needs %d bytes of local memory",
				d.name, kernel.Name, ii, size)
		}
		temps = append(temps, chunk)
		execCmd.Args[argIdx] = chunk.Start
		klog.V(2).Infof("tta: allocated %d bytes of local memory for automatic local arg %d @ 0x%x", size, argIdx, chunk.Start)
	}
	return temps, nil
}

// freeTemps releases the temporary chunks of one launch.
func (d *Device) freeTemps(temps []*memregion.Chunk) {
	for _, chunk := range temps {
		if err := chunk.Free(); err != nil {
			klog.Errorf("tta: device %q: failed to free temporary chunk: %+v", d.name, err)
		}
	}
}
