// Package device defines the allocator, stream, and buffer contracts the
// tuning layer consumes, plus a host-memory implementation used for tests
// and CPU-only runs.
//
// The contracts mirror a CUDA-style caching allocator: allocation and free
// are keyed by device index, and copies are asynchronous with respect to the
// calling thread but ordered on an execution stream. Any real accelerator
// backend (CUDA, ROCm, Metal) can satisfy these interfaces; the tuning core
// never assumes host-visible memory except through View.
package device

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Index identifies a device. Host implementations report device 0.
type Index int

// Stream orders asynchronous device operations. Work enqueued on the same
// stream executes in enqueue order; there is no ordering guarantee across
// streams.
type Stream interface {
	// Synchronize blocks the calling thread until all work previously
	// enqueued on the stream has completed.
	Synchronize() error
}

// Buffer is an opaque handle to a contiguous device allocation.
type Buffer interface {
	// Ptr returns the base address of the allocation.
	Ptr() unsafe.Pointer
	// Len returns the allocation size in bytes.
	Len() int64
	// Device returns the index of the device holding the allocation.
	Device() Index
}

// Allocator is the device memory service consumed by the tuning layer.
//
// Implementations must be safe for concurrent use: independent tuning trials
// allocate their own buffers and rely on the allocator for internal locking.
type Allocator interface {
	// CurrentDevice returns the index of the active device.
	CurrentDevice() (Index, error)

	// CurrentStream returns the execution stream currently associated with
	// the device.
	CurrentStream(dev Index) Stream

	// Alloc reserves bytes of device memory. On exhaustion it returns an
	// error wrapping ErrOutOfMemory.
	Alloc(bytes int64) (Buffer, error)

	// Free releases a buffer previously returned by Alloc. Freeing a buffer
	// twice, or a buffer from another allocator, is an error.
	Free(buf Buffer) error

	// CopyAsync copies bytes from src to dst, ordered on stream. The copy is
	// asynchronous with respect to the calling thread when nonBlocking is
	// true; completion is guaranteed only for later work on the same stream.
	CopyAsync(dst Buffer, dstDev Index, src Buffer, srcDev Index, bytes int64, stream Stream, nonBlocking bool) error
}

// ErrOutOfMemory reports device memory exhaustion. Allocation failures wrap
// it so callers can distinguish exhaustion from other device faults.
var ErrOutOfMemory = errors.New("device: out of memory")

// View interprets the first count elements of buf as a flat []T. The buffer
// must be host-visible (which holds for every Allocator in this module) and
// large enough; a short buffer is a caller bug and panics.
func View[T any](buf Buffer, count int64) []T {
	var zero T
	if need := int64(unsafe.Sizeof(zero)) * count; need > buf.Len() {
		exceptions.Panicf("device: view of %d elements needs %d bytes, buffer holds %d", count, need, buf.Len())
	}
	return unsafe.Slice((*T)(buf.Ptr()), count)
}
