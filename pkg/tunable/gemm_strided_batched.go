package tunable

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelkit/gemmtune/pkg/device"
)

// GemmStridedBatchedParams describes one invocation computing Batch
// independent GEMMs that share call overhead. Consecutive batch matrices sit
// StrideA/StrideB/StrideC elements apart in their buffers. Everything else
// follows GemmParams, including the borrowed-buffer contract.
type GemmStridedBatchedParams[T Element] struct {
	TransA  BlasOp
	TransB  BlasOp
	M       int64
	N       int64
	K       int64
	Alpha   float64
	A       device.Buffer
	Lda     int64
	StrideA int64
	B       device.Buffer
	Ldb     int64
	StrideB int64
	Beta    float64
	C       device.Buffer
	Ldc     int64
	StrideC int64
	Batch   int64

	duplicateInputs bool
}

// Signature returns the shape-only tuning-cache key with the batch suffix,
// e.g. "NT_128_256_64_B_8".
func (p *GemmStridedBatchedParams[T]) Signature() string {
	return fmt.Sprintf("%s%s_%d_%d_%d_B_%d", p.TransA, p.TransB, p.M, p.N, p.K, p.Batch)
}

// SizeA returns the byte extent of the A operand across all batches.
func (p *GemmStridedBatchedParams[T]) SizeA() int64 {
	if p.TransA == NoTranspose {
		return SizeOf[T]() * p.Lda * p.K * p.Batch
	}
	return SizeOf[T]() * p.Lda * p.M * p.Batch
}

// SizeB returns the byte extent of the B operand across all batches.
func (p *GemmStridedBatchedParams[T]) SizeB() int64 {
	if p.TransB == NoTranspose {
		return SizeOf[T]() * p.Ldb * p.N * p.Batch
	}
	return SizeOf[T]() * p.Ldb * p.K * p.Batch
}

// SizeC returns the byte extent of the C operand across all batches.
func (p *GemmStridedBatchedParams[T]) SizeC() int64 {
	return SizeOf[T]() * p.Ldc * p.N * p.Batch
}

// Size returns the bytes a trial isolation of this descriptor allocates.
func (p *GemmStridedBatchedParams[T]) Size(duplicateInputs bool) int64 {
	size := p.SizeC()
	if duplicateInputs {
		size += p.SizeA()
		size += p.SizeB()
	}
	return size
}

// DeepCopy produces an isolated trial descriptor; semantics match
// GemmParams.DeepCopy, extended to the batched extents.
func (p *GemmStridedBatchedParams[T]) DeepCopy(alloc device.Allocator, stream device.Stream, duplicateInputs bool) (*GemmStridedBatchedTrial[T], error) {
	dev, err := alloc.CurrentDevice()
	if err != nil {
		return nil, errors.Wrap(err, "query current device")
	}
	trial := &GemmStridedBatchedTrial[T]{GemmStridedBatchedParams: *p, alloc: alloc}
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

// NumericalCheck compares completed batched results as flat sequences of
// Batch*StrideC widened elements. log may be nil.
func (p *GemmStridedBatchedParams[T]) NumericalCheck(other *GemmStridedBatchedParams[T], log *zap.Logger) (Tolerance, TuningStatus) {
	count := p.Batch * p.StrideC
	ref := widenView[T](p.C, count)
	cand := widenView[T](other.C, count)
	return checkNumerics(ref, cand, log)
}

// GemmStridedBatchedTrial is the owned deep-copy counterpart of
// GemmStridedBatchedParams; see GemmTrial.
type GemmStridedBatchedTrial[T Element] struct {
	GemmStridedBatchedParams[T]

	alloc    device.Allocator
	released bool
}

// Release frees the trial's owned buffers. Calling it twice panics.
func (t *GemmStridedBatchedTrial[T]) Release() error {
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
