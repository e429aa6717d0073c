package tunable

import (
	"unsafe"

	"github.com/x448/float16"

	"github.com/accelkit/gemmtune/pkg/device"
)

// Element enumerates the storage precisions a GEMM descriptor can carry.
// float16 uses the github.com/x448/float16 representation common on
// accelerator hardware.
type Element interface {
	float16.Float16 | float32 | float64
}

// SizeOf returns the storage size of T in bytes.
func SizeOf[T Element]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

// widen converts a stored element to float32, the precision all numerical
// comparisons run in regardless of storage precision.
func widen[T Element](v T) float32 {
	switch v := any(v).(type) {
	case float16.Float16:
		return v.Float32()
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return 0 // unreachable: Element admits no other types
}

// widenView reads count elements of T from buf and widens them to float32.
func widenView[T Element](buf device.Buffer, count int64) []float32 {
	src := device.View[T](buf, count)
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = widen(v)
	}
	return out
}
