package tta

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gomlx/gotta/dtypes"
	"github.com/gomlx/gotta/memregion"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is a chunk of the device global memory, passed to kernels as a pointer argument.
//
// Buffers are created with Device.NewBuffer or Device.BufferFromHost, and should be destroyed with Buffer.Destroy.
// Leaked buffers are freed when garbage collected.
type Buffer struct {
	device  *Device
	chunk   *memregion.Chunk
	parent  *Buffer
	wrapper *bufferWrapper
}

// bufferWrapper holds the resources to release when the Buffer is destroyed or collected.
type bufferWrapper struct {
	mu     sync.Mutex
	device *Device
	chunk  *memregion.Chunk
}

func (w *bufferWrapper) destroy() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chunk == nil {
		return nil
	}
	err := w.chunk.Free()
	if !w.chunk.IsSubChunk() {
		w.device.buffersAlive.Add(-1)
	}
	w.chunk = nil
	return err
}

// NewBuffer allocates a buffer of size bytes from the device global memory. Its contents are undefined.
func (d *Device) NewBuffer(size uint32) (*Buffer, error) {
	if d.destroyed.Load() {
		return nil, errors.Wrapf(ErrDeviceDestroyed, "device %q", d.name)
	}
	chunk := d.layout.globalMem.Allocate(size)
	if chunk == nil {
		return nil, errors.Wrapf(ErrOutOfGlobalMemory, "device %q: failed to allocate buffer of %d bytes (%d of %d bytes used)",
			d.name, size, d.layout.globalMem.Used(), d.layout.globalMem.Size())
	}
	d.buffersAlive.Add(1)
	klog.V(2).Infof("tta: device %q: new buffer %s", d.name, chunk)
	return newBuffer(d, chunk, nil), nil
}

func newBuffer(d *Device, chunk *memregion.Chunk, parent *Buffer) *Buffer {
	b := &Buffer{device: d, chunk: chunk, parent: parent}
	wrapper := &bufferWrapper{device: d, chunk: chunk}
	runtime.AddCleanup(b, func(wrapper *bufferWrapper) {
		wrapper.mu.Lock()
		leaked := wrapper.chunk != nil && !wrapper.chunk.IsSubChunk()
		wrapper.mu.Unlock()
		if leaked {
			klog.V(1).Infof("tta: device %q: buffer leaked, freeing it", wrapper.device.name)
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("tta.Buffer.Destroy failed: %v", err)
		}
	}, wrapper)
	b.wrapper = wrapper
	return b
}

// BufferFromHost allocates a buffer with a copy of data.
func (d *Device) BufferFromHost(data []byte) (*Buffer, error) {
	b, err := d.NewBuffer(uint32(len(data)))
	if err != nil {
		return nil, err
	}
	if err := b.Write(0, data); err != nil {
		_ = b.Destroy()
		return nil, err
	}
	return b, nil
}

// BufferFromValues allocates a buffer with the values encoded in the device byte order.
func BufferFromValues[T dtypes.Supported](d *Device, values []T) (*Buffer, error) {
	return d.BufferFromHost(dtypes.EncodeSlice(d.order, values))
}

// ReadValues reads the buffer contents as values encoded in the device byte order.
func ReadValues[T dtypes.Supported](b *Buffer) ([]T, error) {
	data, err := b.Map()
	if err != nil {
		return nil, err
	}
	return dtypes.DecodeSlice[T](b.device.order, data)
}

// check returns an error if the buffer was destroyed.
func (b *Buffer) check() error {
	if b == nil || b.wrapper == nil {
		return errors.New("Buffer is nil")
	}
	for chunk := b.chunk; chunk != nil; chunk = chunk.Parent {
		if chunk.Released() {
			return errors.Errorf("Buffer %s has been destroyed already", b.chunk)
		}
	}
	return nil
}

// Device the buffer belongs to.
func (b *Buffer) Device() *Device { return b.device }

// Addr returns the device address of the buffer.
func (b *Buffer) Addr() uint32 { return b.chunk.Start }

// Size of the buffer in bytes.
func (b *Buffer) Size() uint32 { return b.chunk.Size }

// Parent returns the buffer this is a sub-buffer of, or nil.
func (b *Buffer) Parent() *Buffer { return b.parent }

// checkRange returns an error if [offset, offset+size) doesn't fit in the buffer.
func (b *Buffer) checkRange(offset, size uint64) error {
	if offset+size > uint64(b.chunk.Size) {
		return errors.Errorf("range [%d, %d) out of the %d bytes of the buffer", offset, offset+size, b.chunk.Size)
	}
	return nil
}

// Write copies data to the buffer, starting at offset.
func (b *Buffer) Write(offset uint32, data []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := b.checkRange(uint64(offset), uint64(len(data))); err != nil {
		return errors.WithMessage(err, "Buffer.Write")
	}
	if len(data) == 0 {
		return nil
	}
	if err := b.device.backend.CopyHostToDevice(data, b.chunk.Start+offset); err != nil {
		return errors.WithMessagef(err, "Buffer.Write to %s", b.chunk)
	}
	return nil
}

// Read fills dst with the buffer contents, starting at offset.
func (b *Buffer) Read(offset uint32, dst []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := b.checkRange(uint64(offset), uint64(len(dst))); err != nil {
		return errors.WithMessage(err, "Buffer.Read")
	}
	if len(dst) == 0 {
		return nil
	}
	if err := b.device.backend.CopyDeviceToHost(b.chunk.Start+offset, dst); err != nil {
		return errors.WithMessagef(err, "Buffer.Read from %s", b.chunk)
	}
	return nil
}

// Map returns a host copy of the whole buffer contents. Changes to it are not reflected on the device, use
// Write for that.
func (b *Buffer) Map() ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	data := make([]byte, b.chunk.Size)
	if err := b.Read(0, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SubBuffer returns a view of size bytes of the buffer, starting at origin. It shares the device memory of the
// buffer, and it must not be used after the buffer is destroyed.
func (b *Buffer) SubBuffer(origin, size uint32) (*Buffer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	chunk, err := b.device.layout.globalMem.SubChunk(b.chunk, origin, size)
	if err != nil {
		return nil, errors.WithMessage(err, "Buffer.SubBuffer")
	}
	return newBuffer(b.device, chunk, b), nil
}

// CopyTo copies the buffer to another buffer on the device. Not supported by TTA devices.
func (b *Buffer) CopyTo(dst *Buffer, srcOffset, dstOffset, size uint32) error {
	return errors.Wrapf(ErrNotSupported, "Buffer.CopyTo (device %q)", b.device.name)
}

// Destroy frees the device memory of the buffer. It is idempotent.
func (b *Buffer) Destroy() error {
	if b == nil || b.wrapper == nil {
		return nil
	}
	return b.wrapper.destroy()
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b.parent != nil {
		return fmt.Sprintf("SubBuffer[0x%x, %d bytes]", b.chunk.Start, b.chunk.Size)
	}
	return fmt.Sprintf("Buffer[0x%x, %d bytes]", b.chunk.Start, b.chunk.Size)
}
