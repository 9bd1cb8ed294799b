package tta

import "sync/atomic"

// residencyEntry describes the kernel program currently loaded on the device.
type residencyEntry struct {
	kernel *Kernel
	local  [3]uint32

	// entry is the device address of the kernel metadata symbol.
	entry uint32
}

// residency caches which kernel (and for which local work-group shape) is loaded on the device.
//
// It is written only under the device compile lock, but read lock-free by repeat launches.
type residency struct {
	current atomic.Pointer[residencyEntry]
}

// isNewKernel returns whether launching kernel with the given local shape requires building and loading a new
// program image.
func (r *residency) isNewKernel(kernel *Kernel, local [3]uint32) bool {
	_, found := r.lookup(kernel, local)
	return !found
}

// lookup returns the entry address of the resident kernel, if it matches.
func (r *residency) lookup(kernel *Kernel, local [3]uint32) (entry uint32, found bool) {
	current := r.current.Load()
	if current == nil || current.kernel != kernel || current.local != local {
		return 0, false
	}
	return current.entry, true
}

func (r *residency) update(kernel *Kernel, local [3]uint32, entry uint32) {
	r.current.Store(&residencyEntry{kernel: kernel, local: local, entry: entry})
}

// invalidate is used when loading a program fails midway: whatever is on the device is unknown.
func (r *residency) invalidate() {
	r.current.Store(nil)
}
