package tta

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/gomlx/gotta/machine"
	"github.com/pkg/errors"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"k8s.io/klog/v2"
)

const (
	// TCECCExtraFlagsEnv holds extra flags appended to the tcecc command lines. They are also part of the BuildHash.
	TCECCExtraFlagsEnv = "GOTTA_TCECC_EXTRA_FLAGS"

	// CacheDirEnv overrides the directory where generated build files (the device extensions header) are
	// stored. Default is "gotta" under os.UserCacheDir.
	CacheDirEnv = "GOTTA_CACHE_DIR"
)

// TCECCCompiler builds kernel program images with the TCE toolchain (tcecc), in two steps: first the kernel,
// the kernel descriptor and the device main loop are linked to an LLVM bitcode program, and then it is compiled
// for the machine.
type TCECCCompiler struct {
	// DataDir holds the device main loop sources ("tta_device_main.c" and "tta_device_main_dthread.c") and the
	// "include" directory.
	DataDir string

	// ExtraFlags appended to both tcecc steps. Defaults to $GOTTA_TCECC_EXTRA_FLAGS.
	ExtraFlags string

	// CacheDir where InitBuild writes the device extensions header.
	CacheDir string

	// IncludeSwitch is set by InitBuild, and passed to the tcecc steps.
	IncludeSwitch string

	// Shell used to run the command lines, "sh" by default.
	Shell string
}

// NewTCECCCompiler returns a TCECCCompiler with the device main loop sources in dataDir, configured from the
// environment.
func NewTCECCCompiler(dataDir string) *TCECCCompiler {
	cacheDir := os.Getenv(CacheDirEnv)
	if cacheDir == "" {
		if userCache, err := os.UserCacheDir(); err == nil {
			cacheDir = filepath.Join(userCache, "gotta")
		} else {
			cacheDir = filepath.Join(os.TempDir(), "gotta")
		}
	}
	return &TCECCCompiler{
		DataDir:    dataDir,
		ExtraFlags: os.Getenv(TCECCExtraFlagsEnv),
		CacheDir:   cacheDir,
		Shell:      "sh",
	}
}

// CommandLine returns the shell command line that builds the program image for the request.
func (c *TCECCCompiler) CommandLine(req *BuildRequest) string {
	mainC := "tta_device_main.c"
	extraFlags := ""
	if req.Machine.IsMultiCore() {
		mainC = "tta_device_main_dthread.c"
		extraFlags += " -ldthread -lsync-lu -llockunit"
	}
	extraFlags += fmt.Sprintf(" -DKERNEL_EXE_CMD_OFFSET=%d", req.CommandSlotOffset)
	if c.IncludeSwitch != "" {
		extraFlags += " " + c.IncludeSwitch
	}
	if c.ExtraFlags != "" {
		extraFlags += " " + c.ExtraFlags
	}

	kernel := req.Kernel
	buildDir := kernel.BuildDir
	inputSrc := kernel.Source
	if inputSrc == "" {
		inputSrc = filepath.Join(buildDir, "parallel.bc")
	}
	deviceMainSrc := filepath.Join(c.DataDir, mainC)
	includeSwitch := "-I " + filepath.Join(c.DataDir, "include")
	kernelObjSrc := filepath.Join(buildDir, "..", "descriptor.so.kernel_obj.c")
	programBc := filepath.Join(filepath.Dir(req.ImagePath), "program.bc")

	var cmdLine strings.Builder
	// Step 1: keep program.bc, which is useful to capture the kernel for exploration tools.
	fmt.Fprintf(&cmdLine, "tcecc -llwpr %s %s %s %s -k %s -g -O3 --emit-llvm -o %s%s;",
		includeSwitch, deviceMainSrc, kernelObjSrc, inputSrc, kernel.SymbolName(), programBc, extraFlags)
	// Step 2: compile for the machine.
	fmt.Fprintf(&cmdLine, "tcecc $* -a %s %s -O3 -o %s%s\n",
		req.Machine.Source, programBc, req.ImagePath, extraFlags)
	return cmdLine.String()
}

// Compile implements Compiler: it runs the tcecc command line.
func (c *TCECCCompiler) Compile(ctx context.Context, req *BuildRequest) (string, error) {
	if req.Machine == nil || req.Machine.Source == "" {
		return "", errors.Errorf("tcecc requires the machine description file, but machine was not loaded from a file")
	}
	cmdLine := c.CommandLine(req)
	klog.V(1).Infof("tta: running %q", cmdLine)
	output, err := c.run(ctx, cmdLine)
	if err != nil {
		return "", errors.Wrapf(err, "error while running tcecc for kernel %q, output:\n%s", req.Kernel.Name, output)
	}
	return req.ImagePath, nil
}

func (c *TCECCCompiler) run(ctx context.Context, cmdLine string) ([]byte, error) {
	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", cmdLine)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return append(stdout.Bytes(), stderr.Bytes()...), err
	}
	return stdout.Bytes(), nil
}

// InitBuild generates the header giving kernels access to the custom operations of the machine (with
// tceopgen and tceoclextgen), and sets IncludeSwitch to include it. It returns the include switch.
func (c *TCECCCompiler) InitBuild(ctx context.Context, desc *machine.Description) (string, error) {
	if desc.Source == "" {
		return "", errors.Errorf("InitBuild requires the machine description file, but machine %q was not loaded from a file", desc.Name)
	}
	headerPath := path.Join(c.CacheDir, desc.Hash()+"_opencl_devext.h")
	opgen, err := c.run(ctx, "tceopgen")
	if err != nil {
		return "", errors.Wrapf(err, "tceopgen failed:\n%s", opgen)
	}
	extgen, err := c.run(ctx, "tceoclextgen "+desc.Source)
	if err != nil {
		return "", errors.Wrapf(err, "tceoclextgen %s failed:\n%s", desc.Source, extgen)
	}
	header := append(opgen, extgen...)
	if err := afs.New().Upload(ctx, headerPath, file.DefaultFileOsMode, bytes.NewReader(header)); err != nil {
		return "", errors.Wrapf(err, "failed to write the device extensions header %q", headerPath)
	}
	// gnu-keywords is needed to support the inline asm blocks.
	c.IncludeSwitch = "-fgnu-keywords -Dasm=__asm__ -include " + headerPath
	return c.IncludeSwitch, nil
}

// BuildHash returns the key of the cache of built programs for the machine description in adfURL and the extra
// tcecc flags: "tce-", the SHA1 of the description with each byte as two letters (low nibble first, 'A' based),
// "_" and the extra flags.
func BuildHash(ctx context.Context, adfURL, extraFlags string) (string, error) {
	data, err := afs.New().DownloadWithURL(ctx, adfURL)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read machine description %q", adfURL)
	}
	digest := sha1.Sum(data)
	var sb strings.Builder
	sb.WriteString("tce-")
	for _, b := range digest {
		sb.WriteByte('A' + b&0x0F)
		sb.WriteByte('A' + b>>4)
	}
	sb.WriteByte('_')
	sb.WriteString(extraFlags)
	return sb.String(), nil
}

// PrebuiltCompiler is a Compiler that returns pre-built program images, indexed by kernel name.
type PrebuiltCompiler map[string]string

// Compile implements Compiler.
func (p PrebuiltCompiler) Compile(_ context.Context, req *BuildRequest) (string, error) {
	imagePath, found := p[req.Kernel.Name]
	if !found {
		return "", errors.Errorf("no pre-built program image for kernel %q (available: %v)", req.Kernel.Name, keys(p))
	}
	return imagePath, nil
}
