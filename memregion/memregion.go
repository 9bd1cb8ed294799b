// Package memregion implements a chunk allocator over a contiguous range of device addresses.
//
// A Region hands out non-overlapping Chunks and reclaims them, coalescing neighbouring free space. Chunks can also
// be sliced into sub-chunk views (see Region.SubChunk), which share the address range of their parent and are
// never handed out by the allocator itself.
//
// The Region never touches the memory it manages: it only does the book-keeping of device addresses.
// It is safe for concurrent use.
package memregion

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// DefaultAlignment of the chunks allocated, in bytes.
//
// It matches the largest vector type alignment (16 x 64 bits) a kernel may access.
const DefaultAlignment = 128

// Chunk is an allocated range of device addresses.
//
// All public attributes are read-only.
type Chunk struct {
	// Start is the device address of the first byte of the chunk.
	Start uint32

	// Size of the chunk in bytes. For chunks allocated from a Region this is the requested size,
	// the reserved space may be larger due to alignment.
	Size uint32

	// Parent is set for sub-chunks (see Region.SubChunk), and nil otherwise.
	Parent *Chunk

	region   *Region
	reserved uint32 // Aligned size reserved in the region, 0 for sub-chunks.
	released atomic.Bool
}

// End returns the device address one past the last byte of the chunk.
func (c *Chunk) End() uint32 {
	return c.Start + c.Size
}

// IsSubChunk returns whether the chunk is a view on another chunk.
func (c *Chunk) IsSubChunk() bool {
	return c.Parent != nil
}

// Released returns whether the chunk has already been returned with Free.
func (c *Chunk) Released() bool {
	return c.released.Load()
}

// Free returns the chunk to the Region it was allocated from. See Region.Free.
func (c *Chunk) Free() error {
	if c == nil {
		return errors.New("memregion: Free called on a nil chunk")
	}
	if c.region == nil {
		return errors.Errorf("memregion: chunk %s doesn't belong to any region", c)
	}
	return c.region.Free(c)
}

// String implements fmt.Stringer.
func (c *Chunk) String() string {
	if c == nil {
		return "Chunk(nil)"
	}
	if c.Parent != nil {
		return fmt.Sprintf("Chunk[0x%x+%d, sub-chunk of 0x%x]", c.Start, c.Size, c.Parent.Start)
	}
	return fmt.Sprintf("Chunk[0x%x+%d]", c.Start, c.Size)
}

// span is a free range in the region.
type span struct {
	start, size uint32
}

// Region manages the allocations of one contiguous range of device addresses.
type Region struct {
	name        string
	start, size uint32
	alignment   uint32

	mu        sync.Mutex
	freeList  []span // Sorted by start, never adjacent (always coalesced).
	allocated map[uint32]*Chunk
	used      uint32

	numAllocs, numFrees atomic.Int64
}

// New creates a Region covering [start, start+size) with DefaultAlignment.
func New(name string, start, size uint32) *Region {
	return NewAligned(name, start, size, DefaultAlignment)
}

// NewAligned creates a Region covering [start, start+size), where every chunk starts at a multiple of alignment
// (relative to address 0). Alignment must be a power of 2, or it panics.
func NewAligned(name string, start, size, alignment uint32) *Region {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		panic(errors.Errorf("memregion.NewAligned(%q): alignment %d is not a power of 2", name, alignment))
	}
	r := &Region{
		name:      name,
		start:     start,
		size:      size,
		alignment: alignment,
		allocated: make(map[uint32]*Chunk),
	}
	if size > 0 {
		r.freeList = []span{{start: start, size: size}}
	}
	return r
}

// Name of the region, used for logging.
func (r *Region) Name() string { return r.name }

// Start address of the region.
func (r *Region) Start() uint32 { return r.start }

// Size of the region in bytes.
func (r *Region) Size() uint32 { return r.size }

// Used returns the number of bytes currently reserved by live chunks, including alignment padding.
func (r *Region) Used() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// NumAllocations returns the total number of successful Allocate calls since creation.
func (r *Region) NumAllocations() int64 { return r.numAllocs.Load() }

// NumFrees returns the total number of successful Free calls of allocated (non-sub) chunks since creation.
func (r *Region) NumFrees() int64 { return r.numFrees.Load() }

// LiveChunks returns the number of allocated chunks not yet freed.
func (r *Region) LiveChunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.allocated)
}

func (r *Region) alignUp(v uint64) uint64 {
	a := uint64(r.alignment)
	return (v + a - 1) &^ (a - 1)
}

// Allocate reserves a chunk of the given size. It returns nil if there is no contiguous space left.
//
// A zero sized request still reserves the minimum (aligned) space, so every chunk has a distinct address.
func (r *Region) Allocate(size uint32) *Chunk {
	reserved := r.alignUp(uint64(max(size, 1)))
	r.mu.Lock()
	defer r.mu.Unlock()
	for ii, free := range r.freeList {
		// First fit: the start of the chunk may need to be moved forward to the alignment.
		chunkStart := r.alignUp(uint64(free.start))
		freeEnd := uint64(free.start) + uint64(free.size)
		if chunkStart+reserved > freeEnd {
			continue
		}
		chunk := &Chunk{
			Start:    uint32(chunkStart),
			Size:     size,
			region:   r,
			reserved: uint32(reserved),
		}
		r.carve(ii, uint32(chunkStart), uint32(reserved))
		r.allocated[chunk.Start] = chunk
		r.used += chunk.reserved
		r.numAllocs.Add(1)
		return chunk
	}
	return nil
}

// carve removes [start, start+size) from the free span at index ii, which must contain it.
func (r *Region) carve(ii int, start, size uint32) {
	free := r.freeList[ii]
	before := span{start: free.start, size: start - free.start}
	after := span{start: start + size, size: free.start + free.size - (start + size)}
	var replacement []span
	if before.size > 0 {
		replacement = append(replacement, before)
	}
	if after.size > 0 {
		replacement = append(replacement, after)
	}
	r.freeList = append(r.freeList[:ii], append(replacement, r.freeList[ii+1:]...)...)
}

// Free returns the chunk to the region. Freeing a chunk twice, or a chunk from another region, is an error.
//
// Sub-chunks are views and don't own any space: freeing them only marks them as released.
func (r *Region) Free(c *Chunk) error {
	if c == nil {
		return errors.Errorf("memregion %q: Free called on a nil chunk", r.name)
	}
	if c.region != r {
		return errors.Errorf("memregion %q: chunk %s was not allocated from this region", r.name, c)
	}
	if !c.released.CompareAndSwap(false, true) {
		return errors.Errorf("memregion %q: chunk %s freed more than once", r.name, c)
	}
	if c.Parent != nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.allocated[c.Start] != c {
		return errors.Errorf("memregion %q: chunk %s not found in the allocation table", r.name, c)
	}
	delete(r.allocated, c.Start)
	r.used -= c.reserved
	r.numFrees.Add(1)

	// Insert back into the free list and coalesce with neighbours.
	ii := sort.Search(len(r.freeList), func(i int) bool { return r.freeList[i].start > c.Start })
	r.freeList = append(r.freeList, span{})
	copy(r.freeList[ii+1:], r.freeList[ii:])
	r.freeList[ii] = span{start: c.Start, size: c.reserved}
	if ii+1 < len(r.freeList) && r.freeList[ii].start+r.freeList[ii].size == r.freeList[ii+1].start {
		r.freeList[ii].size += r.freeList[ii+1].size
		r.freeList = append(r.freeList[:ii+1], r.freeList[ii+2:]...)
	}
	if ii > 0 && r.freeList[ii-1].start+r.freeList[ii-1].size == r.freeList[ii].start {
		r.freeList[ii-1].size += r.freeList[ii].size
		r.freeList = append(r.freeList[:ii], r.freeList[ii+1:]...)
	}
	return nil
}

// SubChunk creates a view of size bytes starting at origin (relative to the parent start) of the parent chunk.
// The view must fit inside the parent.
func (r *Region) SubChunk(parent *Chunk, origin, size uint32) (*Chunk, error) {
	if parent == nil {
		return nil, errors.Errorf("memregion %q: SubChunk given a nil parent", r.name)
	}
	if parent.region != r {
		return nil, errors.Errorf("memregion %q: parent %s was not allocated from this region", r.name, parent)
	}
	if parent.Released() {
		return nil, errors.Errorf("memregion %q: parent %s was already freed", r.name, parent)
	}
	if uint64(origin)+uint64(size) > uint64(parent.Size) {
		return nil, errors.Errorf("memregion %q: sub-chunk [%d, %d) doesn't fit in %s", r.name, origin, origin+size, parent)
	}
	return &Chunk{
		Start:  parent.Start + origin,
		Size:   size,
		Parent: parent,
		region: r,
	}, nil
}

// String implements fmt.Stringer. It lists the live allocations, useful for debugging.
func (r *Region) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	starts := make([]uint32, 0, len(r.allocated))
	for start := range r.allocated {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	var sb strings.Builder
	fmt.Fprintf(&sb, "Region %q [0x%x, 0x%x): %d/%d bytes used", r.name, r.start, uint64(r.start)+uint64(r.size), r.used, r.size)
	for _, start := range starts {
		fmt.Fprintf(&sb, "\n\t%s", r.allocated[start])
	}
	return sb.String()
}
