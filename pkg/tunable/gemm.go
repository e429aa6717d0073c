package tunable

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelkit/gemmtune/pkg/device"
)

// GemmParams describes one C = alpha*op(A)*op(B) + beta*C invocation over
// column-major operands of storage type T. Alpha and beta are held in
// float64, the widest accumulation precision any storage type uses.
//
// The buffers are borrowed: a GemmParams never frees or mutates them, and
// the caller keeps ownership for the descriptor's lifetime. Isolated,
// freeable copies are produced by DeepCopy and come back as a GemmTrial,
// which is the only type with a Release method.
type GemmParams[T Element] struct {
	TransA BlasOp
	TransB BlasOp
	M      int64
	N      int64
	K      int64
	Alpha  float64
	A      device.Buffer
	Lda    int64
	B      device.Buffer
	Ldb    int64
	Beta   float64
	C      device.Buffer
	Ldc    int64

	duplicateInputs bool
}

// Signature returns the shape-only tuning-cache key, e.g. "NT_128_256_64".
func (p *GemmParams[T]) Signature() string {
	return fmt.Sprintf("%s%s_%d_%d_%d", p.TransA, p.TransB, p.M, p.N, p.K)
}

// SizeA returns the byte extent of the A operand.
func (p *GemmParams[T]) SizeA() int64 {
	if p.TransA == NoTranspose {
		return SizeOf[T]() * p.Lda * p.K
	}
	return SizeOf[T]() * p.Lda * p.M
}

// SizeB returns the byte extent of the B operand.
func (p *GemmParams[T]) SizeB() int64 {
	if p.TransB == NoTranspose {
		return SizeOf[T]() * p.Ldb * p.N
	}
	return SizeOf[T]() * p.Ldb * p.K
}

// SizeC returns the byte extent of the C operand.
func (p *GemmParams[T]) SizeC() int64 {
	return SizeOf[T]() * p.Ldc * p.N
}

// Size returns the bytes a trial isolation of this descriptor allocates:
// the output extent, plus both input extents when inputs are duplicated.
func (p *GemmParams[T]) Size(duplicateInputs bool) int64 {
	size := p.SizeC()
	if duplicateInputs {
		size += p.SizeA()
		size += p.SizeB()
	}
	return size
}

// DeepCopy produces an isolated trial descriptor for benchmarking. The
// trial's output buffer is a fresh allocation seeded with the receiver's
// current output contents by an asynchronous copy ordered on stream: the
// calling thread does not wait, and later work on the same stream is
// guaranteed to observe the completed copy. When duplicateInputs is true the
// trial also gets fresh, uninitialized input buffers and owns them.
//
// The receiver's buffers are untouched and remain borrowed. On failure,
// allocations made before the failing step are not reclaimed here; the
// caller must treat a failed deep copy as leaked and recover at the trial
// level.
func (p *GemmParams[T]) DeepCopy(alloc device.Allocator, stream device.Stream, duplicateInputs bool) (*GemmTrial[T], error) {
	dev, err := alloc.CurrentDevice()
	if err != nil {
		return nil, errors.Wrap(err, "query current device")
	}
	trial := &GemmTrial[T]{GemmParams: *p, alloc: alloc}
	cSize := p.SizeC()
	cBuf, err := alloc.Alloc(cSize)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %d-byte trial output", cSize)
	}
	trial.C = cBuf
	if err := alloc.CopyAsync(cBuf, dev, p.C, dev, cSize, stream, true); err != nil {
		return nil, errors.Wrap(err, "seed trial output")
	}
	if duplicateInputs {
		aSize := p.SizeA()
		bSize := p.SizeB()
		if trial.A, err = alloc.Alloc(aSize); err != nil {
			return nil, errors.Wrapf(err, "allocate %d-byte trial input A", aSize)
		}
		if trial.B, err = alloc.Alloc(bSize); err != nil {
			return nil, errors.Wrapf(err, "allocate %d-byte trial input B", bSize)
		}
		trial.duplicateInputs = true
	}
	return trial, nil
}

// NumericalCheck compares the receiver's completed result against other's,
// treating both output buffers as flat sequences of Ldc*N elements widened
// to float32. It returns the verdict and, on OK, the recorded tolerance pair
// from the ladder sweep. Neither buffer is mutated. log may be nil.
func (p *GemmParams[T]) NumericalCheck(other *GemmParams[T], log *zap.Logger) (Tolerance, TuningStatus) {
	count := p.Ldc * p.N
	ref := widenView[T](p.C, count)
	cand := widenView[T](other.C, count)
	return checkNumerics(ref, cand, log)
}

// GemmTrial is a deep-copied GEMM descriptor that exclusively owns its
// output buffer, and its input buffers when input duplication was requested.
// It is the only descriptor type that can be released; borrowed GemmParams
// have no Release, so freeing caller-owned buffers cannot be expressed.
type GemmTrial[T Element] struct {
	GemmParams[T]

	alloc    device.Allocator
	released bool
}

// Release frees the trial's owned buffers. It must be called exactly once;
// a second call is a caller bug and panics.
func (t *GemmTrial[T]) Release() error {
	if t.released {
		exceptions.Panicf("tunable: Release called twice on trial %q", t.Signature())
	}
	t.released = true
	err := t.alloc.Free(t.C)
	if t.duplicateInputs {
		if aErr := t.alloc.Free(t.A); err == nil {
			err = aErr
		}
		if bErr := t.alloc.Free(t.B); err == nil {
			err = bErr
		}
	}
	return errors.Wrap(err, "release trial buffers")
}
