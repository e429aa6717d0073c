package tunable

// OpParams is the contract every tunable operation payload satisfies. The
// signature is a deterministic, shape-only string: two invocations with equal
// signatures are interchangeable for kernel selection, so the outer tuning
// engine uses it as its cache key. Scalar coefficients, strides, and buffer
// identity are deliberately excluded; they do not change which kernel wins
// for a given shape class.
type OpParams interface {
	Signature() string
}
