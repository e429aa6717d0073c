// Package tunable holds the parameter descriptions and validation pieces of
// a GEMM autotuning engine: canonical shape signatures used as tuning-cache
// keys, deep copies that isolate benchmark trials in their own device
// buffers, and the tolerance sweep that decides whether a faster kernel is
// numerically acceptable.
package tunable

import "github.com/gomlx/exceptions"

// BlasOp selects whether a GEMM operand is used as-is or transposed.
type BlasOp int

const (
	// NoTranspose uses the operand in its stored (column-major) layout.
	NoTranspose BlasOp = iota
	// Transpose uses the operand transposed.
	Transpose
)

// String returns the single-character BLAS form, "N" or "T". A value outside
// the two defined ops is a caller bug and panics; descriptors are expected to
// be constructed with validated ops.
func (op BlasOp) String() string {
	switch op {
	case NoTranspose:
		return "N"
	case Transpose:
		return "T"
	}
	exceptions.Panicf("tunable: unrecognized BlasOp %d", int(op))
	return ""
}
