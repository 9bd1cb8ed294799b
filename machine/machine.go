// Package machine holds the description of a TTA accelerator as needed by the execution backend: its address spaces,
// the numeric ids tagging their roles, whether they are shared among cores, and the device byte order.
//
// Descriptions are written in YAML, e.g.:
//
//	name: tta-single-core
//	cores: 1
//	byte_order: big
//	address_spaces:
//	  - name: data
//	    start: 0x0
//	    end: 0x4000
//	    ids: [0, 4]
//	  - name: global
//	    start: 0x10000
//	    end: 0x100000
//	    shared: true
//	    ids: [3, 5]
package machine

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/viant/afs"
	"gopkg.in/yaml.v3"
)

// AddressSpace is one of the memories of the machine, as seen by the device.
type AddressSpace struct {
	Name string `yaml:"name"`

	// Start address of the address space.
	Start uint32 `yaml:"start"`

	// End is the address one past the last addressable byte.
	End uint32 `yaml:"end"`

	// Shared is whether the address space is shared among all cores of a multi-core machine.
	Shared bool `yaml:"shared"`

	// IDs are the numerical ids tagging the semantic roles of the address space.
	IDs []int `yaml:"ids"`
}

// HasNumericalID returns whether the address space is tagged with the given numerical id.
func (as *AddressSpace) HasNumericalID(id int) bool {
	return slices.Contains(as.IDs, id)
}

// Length of the address space in bytes. It may be negative for malformed descriptions.
func (as *AddressSpace) Length() int64 {
	return int64(as.End) - int64(as.Start)
}

// String implements fmt.Stringer.
func (as *AddressSpace) String() string {
	var shared string
	if as.Shared {
		shared = ", shared"
	}
	return fmt.Sprintf("AddressSpace[%q: 0x%x-0x%x, ids=%v%s]", as.Name, as.Start, as.End, as.IDs, shared)
}

// Description of a TTA machine.
type Description struct {
	Name string `yaml:"name"`

	// Cores is the number of cores. Zero is taken as 1.
	Cores int `yaml:"cores"`

	// ByteOrder of the device: "big" (default) or "little".
	ByteOrder string `yaml:"byte_order"`

	AddressSpaces []*AddressSpace `yaml:"address_spaces"`

	// Source is the URL the description was loaded from, if any.
	// It is the machine file handed to the kernel compiler.
	Source string `yaml:"-"`

	raw []byte
}

// Parse a YAML machine description.
func Parse(data []byte) (*Description, error) {
	desc := &Description{}
	if err := yaml.Unmarshal(data, desc); err != nil {
		return nil, errors.Wrap(err, "failed to parse machine description")
	}
	if err := desc.validate(); err != nil {
		return nil, err
	}
	desc.raw = slices.Clone(data)
	return desc, nil
}

// Load reads and parses a YAML machine description from the given URL (a local path works as well).
func Load(ctx context.Context, url string) (*Description, error) {
	data, err := afs.New().DownloadWithURL(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read machine description from %q", url)
	}
	desc, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "machine description %q", url)
	}
	desc.Source = url
	return desc, nil
}

// validate only checks the description is well-formed: role resolution and sharing constraints are checked
// when a device is configured with it.
func (d *Description) validate() error {
	if d.Cores < 0 {
		return errors.Errorf("machine %q: invalid number of cores %d", d.Name, d.Cores)
	}
	switch strings.ToLower(d.ByteOrder) {
	case "", "big", "little":
	default:
		return errors.Errorf("machine %q: invalid byte_order %q, valid values are \"big\" or \"little\"", d.Name, d.ByteOrder)
	}
	for ii, as := range d.AddressSpaces {
		if as == nil {
			return errors.Errorf("machine %q: address space #%d is empty", d.Name, ii)
		}
	}
	return nil
}

// NumCores returns the number of cores of the machine, at least 1.
func (d *Description) NumCores() int {
	return max(d.Cores, 1)
}

// IsMultiCore returns whether the machine has more than one core.
func (d *Description) IsMultiCore() bool {
	return d.NumCores() > 1
}

// Order returns the device byte order.
func (d *Description) Order() binary.ByteOrder {
	if strings.ToLower(d.ByteOrder) == "little" {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Hash returns a hex encoded hash of the serialized description, or of its fields if it was constructed in Go.
func (d *Description) Hash() string {
	data := d.raw
	if data == nil {
		var err error
		data, err = yaml.Marshal(d)
		if err != nil {
			data = []byte(fmt.Sprintf("%+v", *d))
		}
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// String implements fmt.Stringer.
func (d *Description) String() string {
	order := "big"
	if d.Order() == binary.LittleEndian {
		order = "little"
	}
	return fmt.Sprintf("Machine[%q, %d core(s), %s-endian, %d address spaces]", d.Name, d.NumCores(), order, len(d.AddressSpaces))
}
