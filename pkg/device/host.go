package device

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// hostBuffer is a Buffer backed by ordinary Go heap memory.
type hostBuffer struct {
	data []byte
	dev  Index
}

func (b *hostBuffer) Ptr() unsafe.Pointer { return unsafe.Pointer(unsafe.SliceData(b.data)) }
func (b *hostBuffer) Len() int64          { return int64(len(b.data)) }
func (b *hostBuffer) Device() Index       { return b.dev }

// hostStream is a synchronous stream: every operation completes before the
// enqueueing call returns, so Synchronize is a no-op. This makes host runs
// deterministic, which the tests rely on.
type hostStream struct{}

func (hostStream) Synchronize() error { return nil }

// HostAllocator implements Allocator on host memory. It tracks live
// allocations so tests can assert that trials release everything they
// allocate, and it enforces an optional byte limit so allocation failure
// paths are testable.
type HostAllocator struct {
	log   *zap.Logger
	limit int64

	mu    sync.Mutex
	live  map[*hostBuffer]struct{}
	inUse int64
}

// NewHostAllocator returns a host allocator with no memory limit.
func NewHostAllocator(log *zap.Logger) *HostAllocator {
	return &HostAllocator{
		log:  log,
		live: make(map[*hostBuffer]struct{}),
	}
}

// SetLimit caps the total bytes the allocator will hand out. Zero means
// unlimited. Existing allocations are not affected.
func (a *HostAllocator) SetLimit(bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limit = bytes
}

// CurrentDevice reports the single host device.
func (a *HostAllocator) CurrentDevice() (Index, error) { return 0, nil }

// CurrentStream returns the host's synchronous stream.
func (a *HostAllocator) CurrentStream(dev Index) Stream { return hostStream{} }

// Alloc reserves bytes of host memory. The returned buffer is zeroed.
func (a *HostAllocator) Alloc(bytes int64) (Buffer, error) {
	if bytes < 0 {
		return nil, errors.Errorf("device: negative allocation size %d", bytes)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && a.inUse+bytes > a.limit {
		a.log.Warn("host allocation rejected",
			zap.Int64("requested", bytes),
			zap.Int64("inUse", a.inUse),
			zap.Int64("limit", a.limit))
		return nil, errors.Wrapf(ErrOutOfMemory, "requested %d bytes with %d of %d in use", bytes, a.inUse, a.limit)
	}
	buf := &hostBuffer{data: make([]byte, bytes)}
	a.live[buf] = struct{}{}
	a.inUse += bytes
	return buf, nil
}

// Free releases a buffer returned by Alloc.
func (a *HostAllocator) Free(buf Buffer) error {
	hb, ok := buf.(*hostBuffer)
	if !ok {
		return errors.Errorf("device: free of foreign buffer %T", buf)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[hb]; !ok {
		return errors.New("device: free of unknown or already-freed buffer")
	}
	delete(a.live, hb)
	a.inUse -= int64(len(hb.data))
	return nil
}

// CopyAsync copies bytes from src to dst. On the host the copy completes
// before returning; ordering on the synchronous stream is trivially
// satisfied. nonBlocking is accepted for interface parity and ignored.
func (a *HostAllocator) CopyAsync(dst Buffer, dstDev Index, src Buffer, srcDev Index, bytes int64, stream Stream, nonBlocking bool) error {
	db, ok := dst.(*hostBuffer)
	if !ok {
		return errors.Errorf("device: copy to foreign buffer %T", dst)
	}
	sb, ok := src.(*hostBuffer)
	if !ok {
		return errors.Errorf("device: copy from foreign buffer %T", src)
	}
	if bytes > int64(len(db.data)) || bytes > int64(len(sb.data)) {
		return errors.Errorf("device: copy of %d bytes exceeds buffer sizes (dst %d, src %d)",
			bytes, len(db.data), len(sb.data))
	}
	copy(db.data[:bytes], sb.data[:bytes])
	return nil
}

// LiveBuffers returns the number of outstanding allocations.
func (a *HostAllocator) LiveBuffers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// InUseBytes returns the total bytes currently allocated.
func (a *HostAllocator) InUseBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
