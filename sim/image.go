package sim

import (
	"context"

	"github.com/pkg/errors"
	"github.com/viant/afs"
	"gopkg.in/yaml.v3"
)

// DefaultCommandSlotOffset is the offset of the command slot from the start of the global address space, as
// reserved by default by tta devices.
const DefaultCommandSlotOffset = 2048

// Image is a simulated program image. Instead of machine code it lists the kernels the program holds, by the name
// of their built-in implementation, and the address of their metadata symbol.
//
// Images are stored as YAML, e.g.:
//
//	command_slot_offset: 2048
//	kernels:
//	  - name: vecadd
//	    builtin: vecadd
//	    metadata: 0x100
//	    local: [4]
type Image struct {
	// CommandSlotOffset is the offset of the command slot in the global address space, compiled into the device
	// main loop. Zero means DefaultCommandSlotOffset.
	CommandSlotOffset uint32 `yaml:"command_slot_offset"`

	Kernels []*ImageKernel `yaml:"kernels"`
}

// ImageKernel is one kernel of an Image.
type ImageKernel struct {
	Name string `yaml:"name"`

	// Builtin is the name of the simulated implementation, see Builtins.
	Builtin string `yaml:"builtin"`

	// Metadata is the device address of the kernel metadata symbol "_<name>_md".
	Metadata uint32 `yaml:"metadata"`

	// Local is the work-group shape the kernel was compiled for. Missing axes are 1.
	Local []uint32 `yaml:"local"`

	builtin Kernel
	local   [3]uint32
}

// SymbolName of the kernel metadata.
func (k *ImageKernel) SymbolName() string {
	return "_" + k.Name + "_md"
}

// ParseImage parses a YAML program image, and binds its kernels to their built-in implementations.
func ParseImage(data []byte) (*Image, error) {
	img := &Image{}
	if err := yaml.Unmarshal(data, img); err != nil {
		return nil, errors.Wrap(err, "failed to parse program image")
	}
	if img.CommandSlotOffset == 0 {
		img.CommandSlotOffset = DefaultCommandSlotOffset
	}
	seen := make(map[uint32]string)
	for ii, k := range img.Kernels {
		if k == nil || k.Name == "" {
			return nil, errors.Errorf("program image: kernel #%d has no name", ii)
		}
		builtinName := k.Builtin
		if builtinName == "" {
			builtinName = k.Name
		}
		builtin, found := Builtins[builtinName]
		if !found {
			return nil, errors.Errorf("program image: kernel %q uses unknown builtin %q", k.Name, builtinName)
		}
		k.builtin = builtin
		if len(k.Local) > 3 {
			return nil, errors.Errorf("program image: kernel %q local shape %v has more than 3 axes", k.Name, k.Local)
		}
		k.local = [3]uint32{1, 1, 1}
		for axis, size := range k.Local {
			if size == 0 {
				return nil, errors.Errorf("program image: kernel %q local shape %v has a 0 axis", k.Name, k.Local)
			}
			k.local[axis] = size
		}
		if other, found := seen[k.Metadata]; found {
			return nil, errors.Errorf("program image: kernels %q and %q have the same metadata address 0x%x",
				other, k.Name, k.Metadata)
		}
		seen[k.Metadata] = k.Name
	}
	return img, nil
}

// LoadImage reads and parses the program image at the URL (or local path).
func LoadImage(ctx context.Context, url string) (*Image, error) {
	data, err := afs.New().DownloadWithURL(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read program image %q", url)
	}
	img, err := ParseImage(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "program image %q", url)
	}
	return img, nil
}

// Encode the image in YAML.
func (img *Image) Encode() ([]byte, error) {
	return yaml.Marshal(img)
}

// kernelAt returns the kernel whose metadata is at the address.
func (img *Image) kernelAt(addr uint32) *ImageKernel {
	for _, k := range img.Kernels {
		if k.Metadata == addr {
			return k
		}
	}
	return nil
}
