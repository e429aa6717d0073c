// Package tuner is a minimal in-process tuning engine: it keys decisions by
// the descriptor signature, times each candidate kernel against an isolated
// deep-copy trial, and only accepts a faster candidate whose results pass the
// numerical equivalence check against the trusted reference kernel. Tuned
// choices live for the process lifetime only.
package tuner

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelkit/gemmtune/internal/config"
	"github.com/accelkit/gemmtune/internal/metrics"
	"github.com/accelkit/gemmtune/pkg/device"
	"github.com/accelkit/gemmtune/pkg/tunable"
)

// Candidate pairs a kernel name with its dense GEMM entry point.
type Candidate[T tunable.Element] struct {
	Name string
	Run  func(*tunable.GemmParams[T]) error
}

// BatchedCandidate pairs a kernel name with its strided-batched entry point.
type BatchedCandidate[T tunable.Element] struct {
	Name string
	Run  func(*tunable.GemmStridedBatchedParams[T]) error
}

// Tuner selects the fastest numerically acceptable kernel per signature.
type Tuner[T tunable.Element] struct {
	log   *zap.Logger
	alloc device.Allocator
	cfg   config.TuningConfig

	mu   sync.Mutex
	best map[string]string
}

// New returns a tuner with an empty decision cache.
func New[T tunable.Element](log *zap.Logger, alloc device.Allocator, cfg config.TuningConfig) *Tuner[T] {
	if cfg.MaxTrials < 1 {
		cfg.MaxTrials = 1
	}
	return &Tuner[T]{
		log:   log,
		alloc: alloc,
		cfg:   cfg,
		best:  make(map[string]string),
	}
}

// Lookup returns the recorded best candidate for a signature, if any.
func (t *Tuner[T]) Lookup(signature string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.best[signature]
	return name, ok
}

func (t *Tuner[T]) record(signature, name string) {
	t.mu.Lock()
	t.best[signature] = name
	t.mu.Unlock()
	metrics.TuningBestSelected.WithLabelValues(name).Inc()
}

// timeRuns runs fn iters times and returns the mean duration per run.
func timeRuns(fn func() error, iters int) (time.Duration, error) {
	start := time.Now()
	for i := 0; i < iters; i++ {
		if err := fn(); err != nil {
			return 0, err
		}
	}
	mean := time.Since(start) / time.Duration(iters)
	if mean <= 0 {
		// Coarse clocks can report zero; zero is the "unset" marker in the
		// best-candidate comparison.
		mean = time.Nanosecond
	}
	return mean, nil
}

func observeTrial(name string, mean time.Duration, flops int64) {
	metrics.TuningTrialsTotal.WithLabelValues(name).Inc()
	metrics.TuningTrialDuration.Observe(float64(mean) / float64(time.Millisecond))
	if mean > 0 {
		metrics.TrialGFLOPS.Set(float64(flops) / mean.Seconds() / 1e9)
	}
}

// TuneGemm returns the name of the fastest acceptable candidate for p's
// shape, running the timing trials if the signature has not been tuned yet.
// The reference kernel is always acceptable and is the fallback when every
// candidate fails its run or the numerical check.
func (t *Tuner[T]) TuneGemm(p *tunable.GemmParams[T], reference Candidate[T], candidates []Candidate[T]) (string, error) {
	sig := p.Signature()
	if name, ok := t.Lookup(sig); ok {
		return name, nil
	}
	log := t.log.With(zap.String("signature", sig))

	dev, err := t.alloc.CurrentDevice()
	if err != nil {
		return "", errors.Wrap(err, "query current device")
	}
	stream := t.alloc.CurrentStream(dev)

	refTrial, err := p.DeepCopy(t.alloc, stream, t.cfg.DuplicateInputs)
	if err != nil {
		return "", errors.Wrap(err, "isolate reference trial")
	}
	defer func() { _ = refTrial.Release() }()
	metrics.TrialBytesAllocated.Add(float64(p.Size(t.cfg.DuplicateInputs)))
	if t.cfg.DuplicateInputs {
		if err := t.seedInputs(dev, stream, refTrial.A, p.A, p.SizeA(), refTrial.B, p.B, p.SizeB()); err != nil {
			return "", err
		}
	}
	if err := reference.Run(&refTrial.GemmParams); err != nil {
		return "", errors.Wrapf(err, "reference kernel %s", reference.Name)
	}

	flops := 2 * p.M * p.N * p.K
	bestName := reference.Name
	bestMean := time.Duration(0)

	for _, cand := range candidates {
		trial, err := p.DeepCopy(t.alloc, stream, t.cfg.DuplicateInputs)
		if err != nil {
			log.Warn("skipping candidate, trial isolation failed",
				zap.String("candidate", cand.Name), zap.Error(err))
			continue
		}
		metrics.TrialBytesAllocated.Add(float64(p.Size(t.cfg.DuplicateInputs)))
		mean, ok := func() (time.Duration, bool) {
			defer func() { _ = trial.Release() }()
			if t.cfg.DuplicateInputs {
				if err := t.seedInputs(dev, stream, trial.A, p.A, p.SizeA(), trial.B, p.B, p.SizeB()); err != nil {
					log.Warn("skipping candidate, input seeding failed",
						zap.String("candidate", cand.Name), zap.Error(err))
					return 0, false
				}
			}
			if err := cand.Run(&trial.GemmParams); err != nil {
				log.Warn("skipping candidate, run failed",
					zap.String("candidate", cand.Name), zap.Error(err))
				return 0, false
			}
			if t.cfg.NumericalCheck {
				tol, status := refTrial.NumericalCheck(&trial.GemmParams, log)
				metrics.NumericalCheckTotal.WithLabelValues(status.String()).Inc()
				if status == tunable.Fail {
					log.Warn("rejecting candidate, numerical check failed",
						zap.String("candidate", cand.Name))
					return 0, false
				}
				log.Debug("candidate numerics accepted",
					zap.String("candidate", cand.Name),
					zap.Float64("atol", tol.Atol),
					zap.Float64("rtol", tol.Rtol))
			}
			mean, err := timeRuns(func() error { return cand.Run(&trial.GemmParams) }, t.cfg.MaxTrials)
			if err != nil {
				log.Warn("skipping candidate, timed run failed",
					zap.String("candidate", cand.Name), zap.Error(err))
				return 0, false
			}
			return mean, true
		}()
		if !ok {
			continue
		}
		observeTrial(cand.Name, mean, flops)
		if bestMean == 0 || mean < bestMean {
			bestName = cand.Name
			bestMean = mean
		}
	}

	// Time the reference last so its trial output stays a single
	// accumulation while candidates are checked against it.
	refMean, err := timeRuns(func() error { return reference.Run(&refTrial.GemmParams) }, t.cfg.MaxTrials)
	if err != nil {
		return "", errors.Wrapf(err, "time reference kernel %s", reference.Name)
	}
	observeTrial(reference.Name, refMean, flops)
	if bestMean == 0 || refMean < bestMean {
		bestName = reference.Name
	}

	t.record(sig, bestName)
	log.Info("tuned", zap.String("best", bestName))
	return bestName, nil
}

// TuneGemmStridedBatched is TuneGemm for the strided-batched descriptor.
func (t *Tuner[T]) TuneGemmStridedBatched(p *tunable.GemmStridedBatchedParams[T], reference BatchedCandidate[T], candidates []BatchedCandidate[T]) (string, error) {
	sig := p.Signature()
	if name, ok := t.Lookup(sig); ok {
		return name, nil
	}
	log := t.log.With(zap.String("signature", sig))

	dev, err := t.alloc.CurrentDevice()
	if err != nil {
		return "", errors.Wrap(err, "query current device")
	}
	stream := t.alloc.CurrentStream(dev)

	refTrial, err := p.DeepCopy(t.alloc, stream, t.cfg.DuplicateInputs)
	if err != nil {
		return "", errors.Wrap(err, "isolate reference trial")
	}
	defer func() { _ = refTrial.Release() }()
	metrics.TrialBytesAllocated.Add(float64(p.Size(t.cfg.DuplicateInputs)))
	if t.cfg.DuplicateInputs {
		if err := t.seedInputs(dev, stream, refTrial.A, p.A, p.SizeA(), refTrial.B, p.B, p.SizeB()); err != nil {
			return "", err
		}
	}
	if err := reference.Run(&refTrial.GemmStridedBatchedParams); err != nil {
		return "", errors.Wrapf(err, "reference kernel %s", reference.Name)
	}

	flops := 2 * p.M * p.N * p.K * p.Batch
	bestName := reference.Name
	bestMean := time.Duration(0)

	for _, cand := range candidates {
		trial, err := p.DeepCopy(t.alloc, stream, t.cfg.DuplicateInputs)
		if err != nil {
			log.Warn("skipping candidate, trial isolation failed",
				zap.String("candidate", cand.Name), zap.Error(err))
			continue
		}
		metrics.TrialBytesAllocated.Add(float64(p.Size(t.cfg.DuplicateInputs)))
		mean, ok := func() (time.Duration, bool) {
			defer func() { _ = trial.Release() }()
			if t.cfg.DuplicateInputs {
				if err := t.seedInputs(dev, stream, trial.A, p.A, p.SizeA(), trial.B, p.B, p.SizeB()); err != nil {
					log.Warn("skipping candidate, input seeding failed",
						zap.String("candidate", cand.Name), zap.Error(err))
					return 0, false
				}
			}
			if err := cand.Run(&trial.GemmStridedBatchedParams); err != nil {
				log.Warn("skipping candidate, run failed",
					zap.String("candidate", cand.Name), zap.Error(err))
				return 0, false
			}
			if t.cfg.NumericalCheck {
				tol, status := refTrial.NumericalCheck(&trial.GemmStridedBatchedParams, log)
				metrics.NumericalCheckTotal.WithLabelValues(status.String()).Inc()
				if status == tunable.Fail {
					log.Warn("rejecting candidate, numerical check failed",
						zap.String("candidate", cand.Name))
					return 0, false
				}
				log.Debug("candidate numerics accepted",
					zap.String("candidate", cand.Name),
					zap.Float64("atol", tol.Atol),
					zap.Float64("rtol", tol.Rtol))
			}
			mean, err := timeRuns(func() error { return cand.Run(&trial.GemmStridedBatchedParams) }, t.cfg.MaxTrials)
			if err != nil {
				log.Warn("skipping candidate, timed run failed",
					zap.String("candidate", cand.Name), zap.Error(err))
				return 0, false
			}
			return mean, true
		}()
		if !ok {
			continue
		}
		observeTrial(cand.Name, mean, flops)
		if bestMean == 0 || mean < bestMean {
			bestName = cand.Name
			bestMean = mean
		}
	}

	refMean, err := timeRuns(func() error { return reference.Run(&refTrial.GemmStridedBatchedParams) }, t.cfg.MaxTrials)
	if err != nil {
		return "", errors.Wrapf(err, "time reference kernel %s", reference.Name)
	}
	observeTrial(reference.Name, refMean, flops)
	if bestMean == 0 || refMean < bestMean {
		bestName = reference.Name
	}

	t.record(sig, bestName)
	log.Info("tuned", zap.String("best", bestName))
	return bestName, nil
}

// seedInputs fills a trial's duplicated input buffers with the original
// operand contents so candidates benchmark real data. Deep copy leaves them
// uninitialized by contract; this engine always overwrites before use.
func (t *Tuner[T]) seedInputs(dev device.Index, stream device.Stream, dstA, srcA device.Buffer, aBytes int64, dstB, srcB device.Buffer, bBytes int64) error {
	if err := t.alloc.CopyAsync(dstA, dev, srcA, dev, aBytes, stream, true); err != nil {
		return errors.Wrap(err, "seed trial input A")
	}
	if err := t.alloc.CopyAsync(dstB, dev, srcB, dev, bBytes, stream, true); err != nil {
		return errors.Wrap(err, "seed trial input B")
	}
	return nil
}
