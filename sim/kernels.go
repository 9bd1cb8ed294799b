package sim

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gotta/tta"
	"github.com/pkg/errors"
)

// Kernel is the simulated implementation of a kernel: it runs one work-group.
type Kernel func(kc *KernelContext, group [3]uint32) error

// Builtins are the kernels a simulated program image can hold, by name. Arguments are listed in order; pointers
// are to float32 arrays unless noted otherwise.
//
//   - vecadd(a, b, c): c = a + b.
//   - scale(x, alpha float32): x *= alpha.
//   - saxpy(y, x, alpha float32): y = alpha*x + y.
//   - fill(x *int32, value int32): x = value.
//   - norm(x, out, scratch local): out[group] = sqrt(sum(x[i]^2)) over the work-items i of each group, using
//     scratch (4 bytes per work-item) as the local accumulator.
//   - mandelbrot(out *int32, maxIterations int32, xmin, ymin, xmax, ymax float32): 2D, the number of iterations
//     for each pixel of the plane to diverge.
var Builtins = map[string]Kernel{
	"vecadd":     vecAdd,
	"scale":      scale,
	"saxpy":      saxpy,
	"fill":       fill,
	"norm":       norm,
	"mandelbrot": mandelbrot,
}

// KernelContext gives a kernel access to the device memory and to its launch parameters.
type KernelContext struct {
	Memory  *Memory
	Order   binary.ByteOrder
	Command *tta.ExecutionCommand
	Local   [3]uint32
}

// Arg returns the device address of the argument.
func (kc *KernelContext) Arg(idx int) uint32 {
	return kc.Command.Args[idx]
}

// GlobalSize of the launch on the axis.
func (kc *KernelContext) GlobalSize(axis int) uint32 {
	return kc.Command.NumGroups[axis] * kc.Local[axis]
}

// GlobalID returns the global id on the axis of the work-item with local id lid in the group.
func (kc *KernelContext) GlobalID(axis int, group [3]uint32, lid uint32) uint32 {
	return kc.Command.GlobalOffset[axis] + group[axis]*kc.Local[axis] + lid
}

// LoadU32 reads the element idx of the uint32 array at addr.
func (kc *KernelContext) LoadU32(addr, idx uint32) (uint32, error) {
	var buf [4]byte
	if err := kc.Memory.Read(addr+4*idx, buf[:]); err != nil {
		return 0, err
	}
	return kc.Order.Uint32(buf[:]), nil
}

// StoreU32 writes the element idx of the uint32 array at addr.
func (kc *KernelContext) StoreU32(addr, idx, value uint32) error {
	var buf [4]byte
	kc.Order.PutUint32(buf[:], value)
	return kc.Memory.Write(addr+4*idx, buf[:])
}

// LoadF32 reads the element idx of the float32 array at addr.
func (kc *KernelContext) LoadF32(addr, idx uint32) (float32, error) {
	bits, err := kc.LoadU32(addr, idx)
	return math.Float32frombits(bits), err
}

// StoreF32 writes the element idx of the float32 array at addr.
func (kc *KernelContext) StoreF32(addr, idx uint32, value float32) error {
	return kc.StoreU32(addr, idx, math.Float32bits(value))
}

// forEachItem calls fn with the global id on axis 0 of each work-item of the group.
func (kc *KernelContext) forEachItem(group [3]uint32, fn func(lid, gid uint32) error) error {
	for lid := range kc.Local[0] {
		if err := fn(lid, kc.GlobalID(0, group, lid)); err != nil {
			return err
		}
	}
	return nil
}

func vecAdd(kc *KernelContext, group [3]uint32) error {
	a, b, c := kc.Arg(0), kc.Arg(1), kc.Arg(2)
	return kc.forEachItem(group, func(_, gid uint32) error {
		va, err := kc.LoadF32(a, gid)
		if err != nil {
			return err
		}
		vb, err := kc.LoadF32(b, gid)
		if err != nil {
			return err
		}
		return kc.StoreF32(c, gid, va+vb)
	})
}

func scale(kc *KernelContext, group [3]uint32) error {
	x := kc.Arg(0)
	alpha, err := kc.LoadF32(kc.Arg(1), 0)
	if err != nil {
		return err
	}
	return kc.forEachItem(group, func(_, gid uint32) error {
		v, err := kc.LoadF32(x, gid)
		if err != nil {
			return err
		}
		return kc.StoreF32(x, gid, alpha*v)
	})
}

func saxpy(kc *KernelContext, group [3]uint32) error {
	y, x := kc.Arg(0), kc.Arg(1)
	alpha, err := kc.LoadF32(kc.Arg(2), 0)
	if err != nil {
		return err
	}
	return kc.forEachItem(group, func(_, gid uint32) error {
		vx, err := kc.LoadF32(x, gid)
		if err != nil {
			return err
		}
		vy, err := kc.LoadF32(y, gid)
		if err != nil {
			return err
		}
		return kc.StoreF32(y, gid, alpha*vx+vy)
	})
}

func fill(kc *KernelContext, group [3]uint32) error {
	x := kc.Arg(0)
	value, err := kc.LoadU32(kc.Arg(1), 0)
	if err != nil {
		return err
	}
	return kc.forEachItem(group, func(_, gid uint32) error {
		return kc.StoreU32(x, gid, value)
	})
}

func norm(kc *KernelContext, group [3]uint32) error {
	x, out, scratch := kc.Arg(0), kc.Arg(1), kc.Arg(2)
	if scratch == 0 {
		return errors.New("norm: scratch local buffer has address 0")
	}
	err := kc.forEachItem(group, func(lid, gid uint32) error {
		v, err := kc.LoadF32(x, gid)
		if err != nil {
			return err
		}
		return kc.StoreF32(scratch, lid, v*v)
	})
	if err != nil {
		return err
	}
	var sum float32
	for lid := range kc.Local[0] {
		v, err := kc.LoadF32(scratch, lid)
		if err != nil {
			return err
		}
		sum += v
	}
	return kc.StoreF32(out, group[0], math32.Sqrt(sum))
}

// mandelbrotIterations returns the number of iterations of z(n+1)=z(n)^2+c for |z| to be larger than 2.
func mandelbrotIterations(cx, cy float32, maxIterations int) int {
	c := complex(cx, cy)
	z := complex(float32(0), float32(0))
	for n := range maxIterations {
		z = z*z + c
		if math32.Hypot(real(z), imag(z)) > 2 {
			return n
		}
	}
	return maxIterations
}

func mandelbrot(kc *KernelContext, group [3]uint32) error {
	out := kc.Arg(0)
	maxIterations, err := kc.LoadU32(kc.Arg(1), 0)
	if err != nil {
		return err
	}
	var bounds [4]float32 // xmin, ymin, xmax, ymax
	for ii := range bounds {
		if bounds[ii], err = kc.LoadF32(kc.Arg(2+ii), 0); err != nil {
			return err
		}
	}
	width, height := kc.GlobalSize(0), kc.GlobalSize(1)
	for ly := range kc.Local[1] {
		y := kc.GlobalID(1, group, ly)
		cy := bounds[1] + (bounds[3]-bounds[1])*float32(y)/float32(height)
		for lx := range kc.Local[0] {
			x := kc.GlobalID(0, group, lx)
			cx := bounds[0] + (bounds[2]-bounds[0])*float32(x)/float32(width)
			iter := mandelbrotIterations(cx, cy, int(maxIterations))
			if err := kc.StoreU32(out, y*width+x, uint32(iter)); err != nil {
				return err
			}
		}
	}
	return nil
}
