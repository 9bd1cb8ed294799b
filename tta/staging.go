package tta

import (
	"math/bits"
	"sync"
)

const (
	// minStagingSize is the minimum size for pooled staging buffers (a bit larger than one ExecutionCommand).
	minStagingSize = 512
	// maxStagingSize is the maximum size for pooled staging buffers (16MB).
	maxStagingSize = 16 * 1024 * 1024
)

// stagingPools manages pools of host staging buffers with power-of-2 sizes, used to encode data transferred to
// the device.
//
// It is safe for concurrent use.
type stagingPools struct {
	// pools[i] contains buffers of size 2^(i+minShift).
	pools    []sync.Pool
	minShift int
	maxShift int
}

func newStagingPools() *stagingPools {
	minShift := bits.Len(uint(minStagingSize - 1))
	maxShift := bits.Len(uint(maxStagingSize - 1))
	return &stagingPools{
		pools:    make([]sync.Pool, maxShift-minShift+1),
		minShift: minShift,
		maxShift: maxShift,
	}
}

// Get returns a zeroed buffer of exactly size bytes, whose capacity is the next power-of-2.
// Requests larger than maxStagingSize are allocated directly and not pooled.
func (sp *stagingPools) Get(size int) []byte {
	shift := max(bits.Len(uint(max(size, 1)-1)), sp.minShift)
	if shift > sp.maxShift {
		return make([]byte, size)
	}
	poolIndex := shift - sp.minShift
	if obj := sp.pools[poolIndex].Get(); obj != nil {
		buf := (*obj.(*[]byte))[:size]
		clear(buf)
		return buf
	}
	return make([]byte, size, 1<<shift)
}

// Return a buffer acquired with Get to its pool.
func (sp *stagingPools) Return(buf []byte) {
	c := cap(buf)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	shift := bits.TrailingZeros(uint(c))
	if shift < sp.minShift || shift > sp.maxShift {
		return
	}
	buf = buf[:0]
	sp.pools[shift-sp.minShift].Put(&buf)
}
