package sim

import (
	"sort"
	"sync"

	"github.com/gomlx/gotta/machine"
	"github.com/pkg/errors"
)

// segment is the backing storage of one address space.
type segment struct {
	name       string
	start, end uint32
	data       []byte
}

// Memory is the byte-addressable memory of a simulated machine: one segment per address space. Accesses must
// fall entirely inside one segment.
//
// It is safe for concurrent use, and each access is atomic.
type Memory struct {
	mu       sync.Mutex
	segments []*segment

	bytesWritten, bytesRead int64
}

// NewMemory allocates the storage for the address spaces of the machine. Overlapping address spaces are an error.
func NewMemory(desc *machine.Description) (*Memory, error) {
	m := &Memory{}
	for _, as := range desc.AddressSpaces {
		if as.Length() <= 0 {
			continue
		}
		m.segments = append(m.segments, &segment{
			name:  as.Name,
			start: as.Start,
			end:   as.End,
			data:  make([]byte, as.Length()),
		})
	}
	sort.Slice(m.segments, func(i, j int) bool { return m.segments[i].start < m.segments[j].start })
	for ii := 1; ii < len(m.segments); ii++ {
		if m.segments[ii].start < m.segments[ii-1].end {
			return nil, errors.Errorf("machine %q: address spaces %q and %q overlap",
				desc.Name, m.segments[ii-1].name, m.segments[ii].name)
		}
	}
	return m, nil
}

// find returns the segment holding [addr, addr+size). Must be called with the lock held.
func (m *Memory) find(addr uint32, size int) (*segment, error) {
	end := uint64(addr) + uint64(size)
	for _, seg := range m.segments {
		if addr >= seg.start && end <= uint64(seg.end) {
			return seg, nil
		}
	}
	return nil, errors.Errorf("memory access [0x%x, 0x%x) out of the machine address spaces", addr, end)
}

// Write copies src to the memory starting at addr.
func (m *Memory) Write(addr uint32, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, err := m.find(addr, len(src))
	if err != nil {
		return err
	}
	copy(seg.data[addr-seg.start:], src)
	m.bytesWritten += int64(len(src))
	return nil
}

// Read fills dst from the memory starting at addr.
func (m *Memory) Read(addr uint32, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, err := m.find(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, seg.data[addr-seg.start:])
	m.bytesRead += int64(len(dst))
	return nil
}

// Traffic returns the number of bytes written and read so far.
func (m *Memory) Traffic() (written, read int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesWritten, m.bytesRead
}
