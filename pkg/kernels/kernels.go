// Package kernels provides host reference GEMM implementations that act as
// the external kernel collaborator during tuning runs and tests: a portable
// naive loop for every storage precision, and gonum BLAS-backed versions for
// float32/float64. All kernels consume the descriptors from pkg/tunable and
// honor their column-major layout, transpose tags, and alpha/beta semantics.
package kernels

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/accelkit/gemmtune/pkg/device"
	"github.com/accelkit/gemmtune/pkg/tunable"
)

// narrow converts an accumulated float64 back to the storage precision.
func narrow[T tunable.Element](v float64) T {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return any(float16.Fromfloat32(float32(v))).(T)
	case float32:
		return any(float32(v)).(T)
	case float64:
		return any(v).(T)
	}
	return zero // unreachable: Element admits no other types
}

func widen[T tunable.Element](v T) float64 {
	switch v := any(v).(type) {
	case float16.Float16:
		return float64(v.Float32())
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return 0 // unreachable
}

func checkDims(m, n, k int64) error {
	if m <= 0 || n <= 0 || k <= 0 {
		return errors.Errorf("kernels: non-positive dimensions m=%d n=%d k=%d", m, n, k)
	}
	return nil
}

// gemmNaive runs one column-major GEMM over element slices, accumulating in
// float64.
func gemmNaive[T tunable.Element](transa, transb tunable.BlasOp, m, n, k int64, alpha float64, a []T, lda int64, b []T, ldb int64, beta float64, c []T, ldc int64) {
	for j := int64(0); j < n; j++ {
		for i := int64(0); i < m; i++ {
			sum := 0.0
			for l := int64(0); l < k; l++ {
				var av, bv float64
				if transa == tunable.NoTranspose {
					av = widen(a[i+l*lda])
				} else {
					av = widen(a[l+i*lda])
				}
				if transb == tunable.NoTranspose {
					bv = widen(b[l+j*ldb])
				} else {
					bv = widen(b[j+l*ldb])
				}
				sum += av * bv
			}
			idx := i + j*ldc
			c[idx] = narrow[T](alpha*sum + beta*widen(c[idx]))
		}
	}
}

func elemCount[T tunable.Element](buf device.Buffer) int64 {
	return buf.Len() / tunable.SizeOf[T]()
}

// Naive computes C = alpha*op(A)*op(B) + beta*C with a portable triple loop.
// It works for every storage precision and is the trusted reference the
// tuning engine validates faster candidates against.
func Naive[T tunable.Element](p *tunable.GemmParams[T]) error {
	if err := checkDims(p.M, p.N, p.K); err != nil {
		return err
	}
	a := device.View[T](p.A, elemCount[T](p.A))
	b := device.View[T](p.B, elemCount[T](p.B))
	c := device.View[T](p.C, elemCount[T](p.C))
	gemmNaive(p.TransA, p.TransB, p.M, p.N, p.K, p.Alpha, a, p.Lda, b, p.Ldb, p.Beta, c, p.Ldc)
	return nil
}

// NaiveStridedBatched runs Naive once per batch matrix.
func NaiveStridedBatched[T tunable.Element](p *tunable.GemmStridedBatchedParams[T]) error {
	if err := checkDims(p.M, p.N, p.K); err != nil {
		return err
	}
	if p.Batch < 1 {
		return errors.Errorf("kernels: batch count %d < 1", p.Batch)
	}
	a := device.View[T](p.A, elemCount[T](p.A))
	b := device.View[T](p.B, elemCount[T](p.B))
	c := device.View[T](p.C, elemCount[T](p.C))
	for i := int64(0); i < p.Batch; i++ {
		gemmNaive(p.TransA, p.TransB, p.M, p.N, p.K, p.Alpha,
			a[i*p.StrideA:], p.Lda, b[i*p.StrideB:], p.Ldb, p.Beta, c[i*p.StrideC:], p.Ldc)
	}
	return nil
}

func transposeOf(op tunable.BlasOp) blas.Transpose {
	if op == tunable.NoTranspose {
		return blas.NoTrans
	}
	return blas.Trans
}

// Column-major GEMM on a row-major BLAS: the row-major view of a
// column-major array is its transpose, so C^T = op(B)^T * op(A)^T is
// computed by swapping the operands and keeping the transpose tags.
func blas32Views(p *tunable.GemmStridedBatchedParams[float32], aOff, bOff, cOff int64) (aV, bV, cV blas32.General) {
	a := device.View[float32](p.A, elemCount[float32](p.A))[aOff:]
	b := device.View[float32](p.B, elemCount[float32](p.B))[bOff:]
	c := device.View[float32](p.C, elemCount[float32](p.C))[cOff:]
	if p.TransA == tunable.NoTranspose {
		aV = blas32.General{Rows: int(p.K), Cols: int(p.M), Stride: int(p.Lda), Data: a}
	} else {
		aV = blas32.General{Rows: int(p.M), Cols: int(p.K), Stride: int(p.Lda), Data: a}
	}
	if p.TransB == tunable.NoTranspose {
		bV = blas32.General{Rows: int(p.N), Cols: int(p.K), Stride: int(p.Ldb), Data: b}
	} else {
		bV = blas32.General{Rows: int(p.K), Cols: int(p.N), Stride: int(p.Ldb), Data: b}
	}
	cV = blas32.General{Rows: int(p.N), Cols: int(p.M), Stride: int(p.Ldc), Data: c}
	return aV, bV, cV
}

// Blas32 computes the dense float32 GEMM through gonum's BLAS.
func Blas32(p *tunable.GemmParams[float32]) error {
	batched := denseAsBatched(p)
	return Blas32StridedBatched(&batched)
}

// Blas32StridedBatched computes the batched float32 GEMM through gonum's
// BLAS, one call per batch matrix.
func Blas32StridedBatched(p *tunable.GemmStridedBatchedParams[float32]) error {
	if err := checkDims(p.M, p.N, p.K); err != nil {
		return err
	}
	if p.Batch < 1 {
		return errors.Errorf("kernels: batch count %d < 1", p.Batch)
	}
	tA := transposeOf(p.TransA)
	tB := transposeOf(p.TransB)
	for i := int64(0); i < p.Batch; i++ {
		aV, bV, cV := blas32Views(p, i*p.StrideA, i*p.StrideB, i*p.StrideC)
		blas32.Gemm(tB, tA, float32(p.Alpha), bV, aV, float32(p.Beta), cV)
	}
	return nil
}

func blas64Views(p *tunable.GemmStridedBatchedParams[float64], aOff, bOff, cOff int64) (aV, bV, cV blas64.General) {
	a := device.View[float64](p.A, elemCount[float64](p.A))[aOff:]
	b := device.View[float64](p.B, elemCount[float64](p.B))[bOff:]
	c := device.View[float64](p.C, elemCount[float64](p.C))[cOff:]
	if p.TransA == tunable.NoTranspose {
		aV = blas64.General{Rows: int(p.K), Cols: int(p.M), Stride: int(p.Lda), Data: a}
	} else {
		aV = blas64.General{Rows: int(p.M), Cols: int(p.K), Stride: int(p.Lda), Data: a}
	}
	if p.TransB == tunable.NoTranspose {
		bV = blas64.General{Rows: int(p.N), Cols: int(p.K), Stride: int(p.Ldb), Data: b}
	} else {
		bV = blas64.General{Rows: int(p.K), Cols: int(p.N), Stride: int(p.Ldb), Data: b}
	}
	cV = blas64.General{Rows: int(p.N), Cols: int(p.M), Stride: int(p.Ldc), Data: c}
	return aV, bV, cV
}

// Blas64 computes the dense float64 GEMM through gonum's BLAS.
func Blas64(p *tunable.GemmParams[float64]) error {
	batched := denseAsBatched(p)
	return Blas64StridedBatched(&batched)
}

// Blas64StridedBatched computes the batched float64 GEMM through gonum's
// BLAS, one call per batch matrix.
func Blas64StridedBatched(p *tunable.GemmStridedBatchedParams[float64]) error {
	if err := checkDims(p.M, p.N, p.K); err != nil {
		return err
	}
	if p.Batch < 1 {
		return errors.Errorf("kernels: batch count %d < 1", p.Batch)
	}
	tA := transposeOf(p.TransA)
	tB := transposeOf(p.TransB)
	for i := int64(0); i < p.Batch; i++ {
		aV, bV, cV := blas64Views(p, i*p.StrideA, i*p.StrideB, i*p.StrideC)
		blas64.Gemm(tB, tA, p.Alpha, bV, aV, p.Beta, cV)
	}
	return nil
}

// denseAsBatched views a dense descriptor as a single-batch strided one.
func denseAsBatched[T tunable.Element](p *tunable.GemmParams[T]) tunable.GemmStridedBatchedParams[T] {
	return tunable.GemmStridedBatchedParams[T]{
		TransA: p.TransA,
		TransB: p.TransB,
		M:      p.M,
		N:      p.N,
		K:      p.K,
		Alpha:  p.Alpha,
		A:      p.A,
		Lda:    p.Lda,
		B:      p.B,
		Ldb:    p.Ldb,
		Beta:   p.Beta,
		C:      p.C,
		Ldc:    p.Ldc,
		Batch:  1,
	}
}
