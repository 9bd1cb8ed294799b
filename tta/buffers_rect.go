package tta

import (
	"github.com/pkg/errors"
)

// Rect describes a 3D rectangular transfer between a buffer and host memory, each with its own pitches.
//
// Offsets are in bytes: the byte (x, y, z) of a region is at x + y*RowPitch + z*SlicePitch.
type Rect struct {
	BufferOrigin [3]uint32
	HostOrigin   [3]uint32

	// Region is the size of the transfer: bytes per row, rows per slice and slices.
	Region [3]uint32

	BufferRowPitch, BufferSlicePitch uint32
	HostRowPitch, HostSlicePitch     uint32
}

// rows calls fn for each row of the transfer, with the host and buffer offsets of the row.
func (r *Rect) rows(fn func(hostOffset, bufferOffset uint64) error) error {
	hostBase := uint64(r.HostOrigin[0]) + uint64(r.HostRowPitch)*uint64(r.HostOrigin[1]) +
		uint64(r.HostSlicePitch)*uint64(r.HostOrigin[2])
	bufferBase := uint64(r.BufferOrigin[0]) + uint64(r.BufferRowPitch)*uint64(r.BufferOrigin[1]) +
		uint64(r.BufferSlicePitch)*uint64(r.BufferOrigin[2])
	for k := range uint64(r.Region[2]) {
		for j := range uint64(r.Region[1]) {
			hostOffset := hostBase + uint64(r.HostRowPitch)*j + uint64(r.HostSlicePitch)*k
			bufferOffset := bufferBase + uint64(r.BufferRowPitch)*j + uint64(r.BufferSlicePitch)*k
			if err := fn(hostOffset, bufferOffset); err != nil {
				return err
			}
		}
	}
	return nil
}

// validate checks the rows of the transfer fit in the host memory and the buffer.
func (r *Rect) validate(hostLen int, bufferSize uint32) error {
	if r.Region[0] == 0 || r.Region[1] == 0 || r.Region[2] == 0 {
		return errors.Errorf("empty rect region %v", r.Region)
	}
	last := [3]uint64{uint64(r.Region[0]), uint64(r.Region[1]) - 1, uint64(r.Region[2]) - 1}
	hostEnd := uint64(r.HostOrigin[0]) + last[0] +
		uint64(r.HostRowPitch)*(uint64(r.HostOrigin[1])+last[1]) +
		uint64(r.HostSlicePitch)*(uint64(r.HostOrigin[2])+last[2])
	if hostEnd > uint64(hostLen) {
		return errors.Errorf("rect ends at byte %d of host memory of %d bytes", hostEnd, hostLen)
	}
	bufferEnd := uint64(r.BufferOrigin[0]) + last[0] +
		uint64(r.BufferRowPitch)*(uint64(r.BufferOrigin[1])+last[1]) +
		uint64(r.BufferSlicePitch)*(uint64(r.BufferOrigin[2])+last[2])
	if bufferEnd > uint64(bufferSize) {
		return errors.Errorf("rect ends at byte %d of a buffer of %d bytes", bufferEnd, bufferSize)
	}
	return nil
}

// WriteRect copies the rectangular region from host to the buffer, one row at a time.
func (b *Buffer) WriteRect(host []byte, rect Rect) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := rect.validate(len(host), b.chunk.Size); err != nil {
		return errors.WithMessage(err, "Buffer.WriteRect")
	}
	rowLen := uint64(rect.Region[0])
	return rect.rows(func(hostOffset, bufferOffset uint64) error {
		return b.Write(uint32(bufferOffset), host[hostOffset:hostOffset+rowLen])
	})
}

// ReadRect copies the rectangular region from the buffer to host, one row at a time.
func (b *Buffer) ReadRect(host []byte, rect Rect) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := rect.validate(len(host), b.chunk.Size); err != nil {
		return errors.WithMessage(err, "Buffer.ReadRect")
	}
	rowLen := uint64(rect.Region[0])
	return rect.rows(func(hostOffset, bufferOffset uint64) error {
		return b.Read(uint32(bufferOffset), host[hostOffset:hostOffset+rowLen])
	})
}
