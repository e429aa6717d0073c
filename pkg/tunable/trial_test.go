package tunable

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accelkit/gemmtune/pkg/device"
)

// newHostDense allocates and fills a small dense float32 descriptor on a
// fresh host allocator.
func newHostDense(t *testing.T, alloc *device.HostAllocator) *GemmParams[float32] {
	t.Helper()
	p := denseShape(NoTranspose, NoTranspose, 8, 4, 2)

	var err error
	p.A, err = alloc.Alloc(p.SizeA())
	require.NoError(t, err)
	p.B, err = alloc.Alloc(p.SizeB())
	require.NoError(t, err)
	p.C, err = alloc.Alloc(p.SizeC())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, alloc.Free(p.A))
		require.NoError(t, alloc.Free(p.B))
		require.NoError(t, alloc.Free(p.C))
	})

	cData := device.View[float32](p.C, p.Ldc*p.N)
	for i := range cData {
		cData[i] = float32(i) * 0.125
	}
	return &p
}

func TestDeepCopyOutputIsolation(t *testing.T) {
	alloc := device.NewHostAllocator(zap.NewNop())
	p := newHostDense(t, alloc)
	stream := alloc.CurrentStream(0)
	baseline := alloc.LiveBuffers()

	trial, err := p.DeepCopy(alloc, stream, false)
	require.NoError(t, err)

	// The copy owns a fresh output buffer but still borrows the inputs.
	assert.NotSame(t, p.C, trial.C)
	assert.Same(t, p.A, trial.A)
	assert.Same(t, p.B, trial.B)
	assert.Equal(t, baseline+1, alloc.LiveBuffers())

	// Content was seeded from the original, so the tightest ladder pair
	// passes immediately.
	tol, status := p.NumericalCheck(&trial.GemmParams, nil)
	assert.Equal(t, OK, status)
	assert.Equal(t, Tolerance{Atol: 1e-5, Rtol: 1e-5}, tol)

	// Scalar and shape fields carried over bitwise.
	assert.Equal(t, p.Signature(), trial.Signature())
	assert.Equal(t, p.Alpha, trial.Alpha)
	assert.Equal(t, p.Ldc, trial.Ldc)

	require.NoError(t, trial.Release())
	assert.Equal(t, baseline, alloc.LiveBuffers())
}

func TestDeepCopyDuplicateInputs(t *testing.T) {
	alloc := device.NewHostAllocator(zap.NewNop())
	p := newHostDense(t, alloc)
	stream := alloc.CurrentStream(0)
	baseline := alloc.LiveBuffers()

	trial, err := p.DeepCopy(alloc, stream, true)
	require.NoError(t, err)

	assert.NotSame(t, p.A, trial.A)
	assert.NotSame(t, p.B, trial.B)
	assert.NotSame(t, p.C, trial.C)
	assert.Equal(t, baseline+3, alloc.LiveBuffers())

	// Output content matches the original; inputs are fresh allocations and
	// deliberately not seeded here.
	refC := device.View[float32](p.C, p.Ldc*p.N)
	cpyC := device.View[float32](trial.C, p.Ldc*p.N)
	assert.Equal(t, refC, cpyC)

	require.NoError(t, trial.Release())
	assert.Equal(t, baseline, alloc.LiveBuffers())
}

func TestReleaseTwicePanics(t *testing.T) {
	alloc := device.NewHostAllocator(zap.NewNop())
	p := newHostDense(t, alloc)

	trial, err := p.DeepCopy(alloc, alloc.CurrentStream(0), false)
	require.NoError(t, err)
	require.NoError(t, trial.Release())

	assert.Panics(t, func() {
		_ = trial.Release()
	})
}

func TestDeepCopyAllocationFailure(t *testing.T) {
	alloc := device.NewHostAllocator(zap.NewNop())
	p := newHostDense(t, alloc)
	stream := alloc.CurrentStream(0)

	t.Run("output allocation fails", func(t *testing.T) {
		alloc.SetLimit(alloc.InUseBytes()) // no headroom at all
		defer alloc.SetLimit(0)

		_, err := p.DeepCopy(alloc, stream, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, device.ErrOutOfMemory))
	})

	t.Run("input allocation fails after output succeeded", func(t *testing.T) {
		// Room for the output copy but not for the duplicated inputs. The
		// output allocation is not reclaimed by DeepCopy; the test accounts
		// for the deliberate leak.
		before := alloc.LiveBuffers()
		alloc.SetLimit(alloc.InUseBytes() + p.SizeC())
		defer alloc.SetLimit(0)

		_, err := p.DeepCopy(alloc, stream, true)
		require.Error(t, err)
		assert.True(t, errors.Is(err, device.ErrOutOfMemory))
		assert.Equal(t, before+1, alloc.LiveBuffers())
	})
}

func TestBatchedDeepCopy(t *testing.T) {
	alloc := device.NewHostAllocator(zap.NewNop())
	p := batchedShape(NoTranspose, NoTranspose, 4, 3, 2, 5)

	var err error
	p.A, err = alloc.Alloc(p.SizeA())
	require.NoError(t, err)
	p.B, err = alloc.Alloc(p.SizeB())
	require.NoError(t, err)
	p.C, err = alloc.Alloc(p.SizeC())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, alloc.Free(p.A))
		require.NoError(t, alloc.Free(p.B))
		require.NoError(t, alloc.Free(p.C))
	}()

	cData := device.View[float32](p.C, p.Batch*p.StrideC)
	for i := range cData {
		cData[i] = float32(i)
	}
	baseline := alloc.LiveBuffers()

	trial, err := p.DeepCopy(alloc, alloc.CurrentStream(0), true)
	require.NoError(t, err)
	assert.Equal(t, baseline+3, alloc.LiveBuffers())
	assert.Equal(t, p.Signature(), trial.Signature())
	assert.Equal(t, p.Batch, trial.Batch)
	assert.Equal(t, p.StrideC, trial.StrideC)

	tol, status := p.NumericalCheck(&trial.GemmStridedBatchedParams, nil)
	assert.Equal(t, OK, status)
	assert.Equal(t, Tolerance{Atol: 1e-5, Rtol: 1e-5}, tol)

	require.NoError(t, trial.Release())
	assert.Equal(t, baseline, alloc.LiveBuffers())

	t.Run("release twice panics", func(t *testing.T) {
		trial, err := p.DeepCopy(alloc, alloc.CurrentStream(0), false)
		require.NoError(t, err)
		require.NoError(t, trial.Release())
		assert.Panics(t, func() { _ = trial.Release() })
	})
}
