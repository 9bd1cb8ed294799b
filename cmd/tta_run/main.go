// tta_run launches kernels on a simulated TTA device, and checks their results.
//
// It exercises the whole host runtime: device configuration, buffers, program loading, argument marshaling
// and the command slot handshake.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chewxy/math32"
	"github.com/gomlx/gotta/machine"
	"github.com/gomlx/gotta/sim"
	"github.com/gomlx/gotta/tta"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagMachine  = flag.String("machine", "", "URL or path of the YAML machine description")
	flagImage    = flag.String("image", "", "URL or path of the simulated program image (YAML) holding the kernel")
	flagKernel   = flag.String("kernel", "vecadd", "Kernel to run: vecadd, saxpy or norm")
	flagN        = flag.Int("n", 1024, "Number of work-items")
	flagLocal    = flag.Int("local", 8, "Work-group size: it must match the one in the program image")
	flagRepeat   = flag.Int("repeat", 1, "Number of launches")
	flagParallel = flag.Int("parallel", 1, "Number of goroutines submitting launches concurrently")
	flagTrace    = flag.Bool("trace", false, "Print the otel spans of the execution to stderr")
)

// config of one run.
type config struct {
	machineURL, imagePath, kernel string
	n, local                      uint32
	repeat, parallel              int
	tracerProvider                trace.TracerProvider
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `tta_run launches a kernel on a simulated TTA device and checks its results.

$ tta_run -machine=<machine.yaml> -image=<program.yaml> -kernel=vecadd -n=1024 -repeat=10

Usage:
`)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	if *flagMachine == "" || *flagImage == "" {
		fmt.Fprintln(os.Stderr, "Both the machine description (-machine) and the program image (-image) must be given!")
		fmt.Fprintln(os.Stderr)
		flag.Usage()
		os.Exit(1)
	}
	cfg := config{
		machineURL: *flagMachine,
		imagePath:  *flagImage,
		kernel:     *flagKernel,
		n:          uint32(*flagN),
		local:      uint32(*flagLocal),
		repeat:     *flagRepeat,
		parallel:   *flagParallel,
	}
	ctx := context.Background()
	if *flagTrace {
		exporter := must.M1(stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint()))
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "tta_run"))),
		)
		defer func() { must.M(tp.Shutdown(ctx)) }()
		cfg.tracerProvider = tp
	}

	start := time.Now()
	stats, err := run(ctx, cfg)
	if err != nil {
		klog.Fatalf("tta_run failed: %+v", err)
	}
	elapsed := time.Since(start)
	fmt.Printf("%s: %d launches of %d work-items in %s (%.1f launches/s)\n",
		cfg.kernel, stats.Launches, cfg.n, elapsed, float64(stats.Launches)/elapsed.Seconds())
	fmt.Printf("\tprogram loads: %d, restarts: %d, callbacks: %d\n", stats.ProgramLoads, stats.Restarts, stats.Callbacks)
}

// run creates a device on the simulated machine, launches the kernel cfg.repeat times and checks the results.
func run(ctx context.Context, cfg config) (tta.Stats, error) {
	if cfg.local == 0 || cfg.n%cfg.local != 0 {
		return tta.Stats{}, errors.Errorf("-n=%d must be a multiple of -local=%d", cfg.n, cfg.local)
	}
	desc, err := machine.Load(ctx, cfg.machineURL)
	if err != nil {
		return tta.Stats{}, err
	}
	simDevice, err := sim.New(desc, sim.Config{})
	if err != nil {
		return tta.Stats{}, err
	}
	defer simDevice.Close()

	buildDir, err := os.MkdirTemp("", "tta_run_")
	if err != nil {
		return tta.Stats{}, errors.Wrap(err, "failed to create the build directory")
	}
	defer func() { _ = os.RemoveAll(buildDir) }()

	deviceConfig := tta.NewDevice("tta_run", desc).
		WithBackend(simDevice).
		WithCompiler(tta.PrebuiltCompiler{cfg.kernel: cfg.imagePath})
	if cfg.tracerProvider != nil {
		deviceConfig = deviceConfig.WithTracerProvider(cfg.tracerProvider)
	}
	device, err := deviceConfig.Done()
	if err != nil {
		return tta.Stats{}, err
	}
	defer func() { _ = device.Destroy() }()
	klog.V(1).Infof("%s", device)

	w, err := newWorkload(device, cfg, buildDir)
	if err != nil {
		return tta.Stats{}, err
	}
	defer w.destroy()

	var g errgroup.Group
	g.SetLimit(max(cfg.parallel, 1))
	for range cfg.repeat {
		g.Go(func() error {
			e, err := w.launch()
			if err != nil {
				return err
			}
			return e.Await(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return device.Stats(), err
	}
	if err := simDevice.KernelErr(); err != nil {
		return device.Stats(), errors.WithMessage(err, "kernel failed on the device")
	}

	// Results are read in the device queue, after every launch.
	check := tta.NewCallbackCommand(device, func(context.Context) error { return w.check(cfg.repeat) })
	if err := device.Submit(check); err != nil {
		return device.Stats(), err
	}
	return device.Stats(), check.Event().Await(ctx)
}

// workload holds the kernel and buffers of one of the supported kernels.
type workload struct {
	device  *tta.Device
	kernel  *tta.Kernel
	cfg     config
	x, y    *tta.Buffer
	out     *tta.Buffer
	xValues []float32
}

func newWorkload(device *tta.Device, cfg config, buildDir string) (w *workload, err error) {
	w = &workload{device: device, cfg: cfg}
	defer func() {
		if err != nil {
			w.destroy()
		}
	}()
	w.xValues = make([]float32, cfg.n)
	for ii := range w.xValues {
		w.xValues[ii] = float32(ii % 100)
	}
	if w.x, err = tta.BufferFromValues(device, w.xValues); err != nil {
		return
	}
	ones := make([]float32, cfg.n)
	for ii := range ones {
		ones[ii] = 1
	}
	if w.y, err = tta.BufferFromValues(device, ones); err != nil {
		return
	}

	pointer := func(name string) tta.ArgInfo { return tta.ArgInfo{Name: name, Kind: tta.ArgPointer} }
	w.kernel = &tta.Kernel{Name: cfg.kernel, BuildDir: buildDir}
	switch cfg.kernel {
	case "vecadd":
		w.kernel.Args = []tta.ArgInfo{pointer("a"), pointer("b"), pointer("c")}
		w.out, err = device.NewBuffer(4 * cfg.n)
	case "saxpy":
		w.kernel.Args = []tta.ArgInfo{pointer("y"), pointer("x"), {Name: "alpha", Kind: tta.ArgScalar}}
	case "norm":
		w.kernel.Args = []tta.ArgInfo{pointer("x"), pointer("out"), {Name: "scratch", Kind: tta.ArgLocal}}
		w.out, err = device.NewBuffer(4 * cfg.n / cfg.local)
	default:
		err = errors.Errorf("unknown kernel %q, valid values are vecadd, saxpy or norm", cfg.kernel)
	}
	return
}

func (w *workload) launch() (*tta.Event, error) {
	var args []tta.ArgValue
	switch w.cfg.kernel {
	case "vecadd":
		args = []tta.ArgValue{tta.BufferArg(w.x), tta.BufferArg(w.y), tta.BufferArg(w.out)}
	case "saxpy":
		args = []tta.ArgValue{tta.BufferArg(w.y), tta.BufferArg(w.x), tta.Scalar(float32(2))}
	case "norm":
		args = []tta.ArgValue{tta.BufferArg(w.x), tta.BufferArg(w.out), tta.Local(4 * w.cfg.local)}
	}
	return w.kernel.Launch(w.device).
		WithArgs(args...).
		WithLocalSize(w.cfg.local).
		WithGlobalSize(w.cfg.n).
		Submit()
}

// check the results after repeat launches.
func (w *workload) check(repeat int) error {
	switch w.cfg.kernel {
	case "vecadd":
		c, err := tta.ReadValues[float32](w.out)
		if err != nil {
			return err
		}
		for ii, v := range c {
			if want := w.xValues[ii] + 1; v != want {
				return errors.Errorf("vecadd: c[%d]=%g, wanted %g", ii, v, want)
			}
		}
	case "saxpy":
		y, err := tta.ReadValues[float32](w.y)
		if err != nil {
			return err
		}
		for ii, v := range y {
			if want := 1 + float32(repeat)*2*w.xValues[ii]; v != want {
				return errors.Errorf("saxpy: y[%d]=%g, wanted %g", ii, v, want)
			}
		}
	case "norm":
		out, err := tta.ReadValues[float32](w.out)
		if err != nil {
			return err
		}
		local := int(w.cfg.local)
		for group, v := range out {
			var sum float32
			for _, x := range w.xValues[group*local : (group+1)*local] {
				sum += x * x
			}
			if want := math32.Sqrt(sum); math32.Abs(v-want) > 1e-3*want {
				return errors.Errorf("norm: out[%d]=%g, wanted %g", group, v, want)
			}
		}
	}
	klog.V(1).Infof("%s: results checked", w.cfg.kernel)
	return nil
}

func (w *workload) destroy() {
	for _, b := range []*tta.Buffer{w.x, w.y, w.out} {
		if b != nil {
			if err := b.Destroy(); err != nil {
				klog.Errorf("failed to destroy buffer: %+v", err)
			}
		}
	}
}
