package tunable

import (
	"math"

	"go.uber.org/zap"
)

// TuningStatus is the verdict of a numerical check.
type TuningStatus int

const (
	// OK means the candidate result matched the reference within at least
	// the loosest ladder tolerance.
	OK TuningStatus = iota
	// Fail means no ladder tolerance accepted the candidate.
	Fail
)

func (s TuningStatus) String() string {
	if s == OK {
		return "OK"
	}
	return "FAIL"
}

// Tolerance is an (absolute, relative) tolerance pair.
type Tolerance struct {
	Atol float64
	Rtol float64
}

// toleranceLadder is the fixed descending sweep of candidate tolerances.
var toleranceLadder = []float64{1e-1, 1e-2, 1e-3, 1e-4, 1e-5}

// checkNumerics sweeps the full atol x rtol ladder over two widened result
// views and reports the last pair, in declared iteration order, whose
// all-close predicate held. The sweep deliberately does not terminate early
// and the reported pair is the last success rather than the globally
// strictest one; tuning results recorded against the historical behavior
// depend on it. A sentinel of (1, 1) marks "no pair succeeded" and is
// distinguishable from every ladder entry.
func checkNumerics(ref, other []float32, log *zap.Logger) (Tolerance, TuningStatus) {
	last := Tolerance{Atol: 1, Rtol: 1}
	for _, atol := range toleranceLadder {
		for _, rtol := range toleranceLadder {
			if allClose(ref, other, atol, rtol) {
				last = Tolerance{Atol: atol, Rtol: rtol}
			}
		}
	}
	if last.Atol == 1 {
		return last, Fail
	}
	if log != nil {
		log.Debug("verify numerics",
			zap.Float64("atol", last.Atol),
			zap.Float64("rtol", last.Rtol))
	}
	return last, OK
}

// allClose reports whether every element pair satisfies
// |ref-other| <= atol + rtol*|ref|. NaN never compares close.
func allClose(ref, other []float32, atol, rtol float64) bool {
	if len(ref) != len(other) {
		return false
	}
	for i := range ref {
		r := float64(ref[i])
		c := float64(other[i])
		diff := math.Abs(r - c)
		if math.IsNaN(diff) {
			return false
		}
		if diff > atol+rtol*math.Abs(r) {
			return false
		}
	}
	return true
}
