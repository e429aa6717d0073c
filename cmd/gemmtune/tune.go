package main

import (
	"fmt"
	"math/rand"

	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/accelkit/gemmtune/internal/config"
	"github.com/accelkit/gemmtune/internal/tuner"
	"github.com/accelkit/gemmtune/pkg/device"
	"github.com/accelkit/gemmtune/pkg/kernels"
	"github.com/accelkit/gemmtune/pkg/tunable"
)

type shapeOpts struct {
	TransA string
	TransB string
	M      int64
	N      int64
	K      int64
	Batch  int64
}

func tuneCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	opts := &shapeOpts{}
	return &cli.Command{
		Name:  "tune",
		Usage: "Run a float32 tuning session over one GEMM shape",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "transa", Value: "N", Usage: "Transpose tag for A (N or T)", Destination: &opts.TransA},
			&cli.StringFlag{Name: "transb", Value: "N", Usage: "Transpose tag for B (N or T)", Destination: &opts.TransB},
			&cli.Int64Flag{Name: "m", Value: 256, Usage: "Rows of op(A) and C", Destination: &opts.M},
			&cli.Int64Flag{Name: "n", Value: 256, Usage: "Columns of op(B) and C", Destination: &opts.N},
			&cli.Int64Flag{Name: "k", Value: 256, Usage: "Columns of op(A) / rows of op(B)", Destination: &opts.K},
			&cli.Int64Flag{Name: "batch", Value: 1, Usage: "Batch count; >1 also tunes the strided-batched variant", Destination: &opts.Batch},
		},
		Action: func(c *cli.Context) error {
			figure.NewFigure("gemmtune", "", true).Print()
			fmt.Println()
			return runTune(c, *cfg, (*log).Named("tune"), opts)
		},
	}
}

func runTune(c *cli.Context, cfg *config.Config, log *zap.Logger, opts *shapeOpts) error {
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, opts),
		fx.Provide(
			func() *zap.Logger { return log },
			newAllocator,
			func(a *device.HostAllocator) device.Allocator { return a },
			func(log *zap.Logger, alloc device.Allocator, cfg *config.Config) *tuner.Tuner[float32] {
				return tuner.New[float32](log.Named("tuner"), alloc, cfg.Tuning)
			},
		),
		fx.Invoke(runSession),
	)
	if err := app.Start(c.Context); err != nil {
		return err
	}
	return app.Stop(c.Context)
}

func newAllocator(cfg *config.Config, log *zap.Logger) *device.HostAllocator {
	alloc := device.NewHostAllocator(log.Named("device"))
	if cfg.Device.MemoryLimit > 0 {
		alloc.SetLimit(cfg.Device.MemoryLimit)
	}
	return alloc
}

func parseOp(s string) (tunable.BlasOp, error) {
	switch s {
	case "N", "n":
		return tunable.NoTranspose, nil
	case "T", "t":
		return tunable.Transpose, nil
	}
	return tunable.NoTranspose, errors.Errorf("invalid transpose tag %q, want N or T", s)
}

func runSession(opts *shapeOpts, cfg *config.Config, log *zap.Logger, alloc device.Allocator, tun *tuner.Tuner[float32]) error {
	transA, err := parseOp(opts.TransA)
	if err != nil {
		return err
	}
	transB, err := parseOp(opts.TransB)
	if err != nil {
		return err
	}
	if opts.M < 1 || opts.N < 1 || opts.K < 1 || opts.Batch < 1 {
		return errors.Errorf("dimensions must be positive, got m=%d n=%d k=%d batch=%d",
			opts.M, opts.N, opts.K, opts.Batch)
	}

	p, release, err := newDenseParams(alloc, transA, transB, opts.M, opts.N, opts.K)
	if err != nil {
		return err
	}
	defer release()

	log.Info("tuning dense GEMM",
		zap.String("signature", p.Signature()),
		zap.String("trialSize", humanize.Bytes(uint64(p.Size(cfg.Tuning.DuplicateInputs)))))

	reference := tuner.Candidate[float32]{Name: "naive", Run: kernels.Naive[float32]}
	candidates := []tuner.Candidate[float32]{
		{Name: "blas32", Run: kernels.Blas32},
	}
	best, err := tun.TuneGemm(p, reference, candidates)
	if err != nil {
		return err
	}
	log.Info("dense tuning complete", zap.String("best", best))

	if opts.Batch > 1 {
		bp, releaseBatched, err := newBatchedParams(alloc, transA, transB, opts.M, opts.N, opts.K, opts.Batch)
		if err != nil {
			return err
		}
		defer releaseBatched()

		log.Info("tuning strided-batched GEMM",
			zap.String("signature", bp.Signature()),
			zap.String("trialSize", humanize.Bytes(uint64(bp.Size(cfg.Tuning.DuplicateInputs)))))

		batchedRef := tuner.BatchedCandidate[float32]{Name: "naive", Run: kernels.NaiveStridedBatched[float32]}
		batchedCands := []tuner.BatchedCandidate[float32]{
			{Name: "blas32", Run: kernels.Blas32StridedBatched},
		}
		batchedBest, err := tun.TuneGemmStridedBatched(bp, batchedRef, batchedCands)
		if err != nil {
			return err
		}
		log.Info("strided-batched tuning complete", zap.String("best", batchedBest))
	}

	return nil
}

// leadingDims returns the minimal lda/ldb/ldc for a shape.
func leadingDims(transA, transB tunable.BlasOp, m, n, k int64) (lda, ldb, ldc int64) {
	lda = m
	if transA == tunable.Transpose {
		lda = k
	}
	ldb = k
	if transB == tunable.Transpose {
		ldb = n
	}
	return lda, ldb, m
}

func fillRandom(buf device.Buffer, rng *rand.Rand) {
	data := device.View[float32](buf, buf.Len()/4)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
}

func newDenseParams(alloc device.Allocator, transA, transB tunable.BlasOp, m, n, k int64) (*tunable.GemmParams[float32], func(), error) {
	lda, ldb, ldc := leadingDims(transA, transB, m, n, k)
	p := &tunable.GemmParams[float32]{
		TransA: transA,
		TransB: transB,
		M:      m,
		N:      n,
		K:      k,
		Alpha:  1,
		Lda:    lda,
		Ldb:    ldb,
		Beta:   0,
		Ldc:    ldc,
	}
	var bufs []device.Buffer
	release := func() {
		for _, b := range bufs {
			_ = alloc.Free(b)
		}
	}
	rng := rand.New(rand.NewSource(42))
	for _, alloc1 := range []struct {
		bytes int64
		dst   *device.Buffer
		fill  bool
	}{
		{p.SizeA(), &p.A, true},
		{p.SizeB(), &p.B, true},
		{p.SizeC(), &p.C, false},
	} {
		buf, err := alloc.Alloc(alloc1.bytes)
		if err != nil {
			release()
			return nil, nil, errors.Wrap(err, "allocate session buffers")
		}
		bufs = append(bufs, buf)
		*alloc1.dst = buf
		if alloc1.fill {
			fillRandom(buf, rng)
		}
	}
	return p, release, nil
}

func newBatchedParams(alloc device.Allocator, transA, transB tunable.BlasOp, m, n, k, batch int64) (*tunable.GemmStridedBatchedParams[float32], func(), error) {
	lda, ldb, ldc := leadingDims(transA, transB, m, n, k)
	p := &tunable.GemmStridedBatchedParams[float32]{
		TransA: transA,
		TransB: transB,
		M:      m,
		N:      n,
		K:      k,
		Alpha:  1,
		Lda:    lda,
		Ldb:    ldb,
		Beta:   0,
		Ldc:    ldc,
		Batch:  batch,
	}
	colsA := k
	if transA == tunable.Transpose {
		colsA = m
	}
	colsB := n
	if transB == tunable.Transpose {
		colsB = k
	}
	p.StrideA = lda * colsA
	p.StrideB = ldb * colsB
	p.StrideC = ldc * n

	var bufs []device.Buffer
	release := func() {
		for _, b := range bufs {
			_ = alloc.Free(b)
		}
	}
	rng := rand.New(rand.NewSource(42))
	for _, alloc1 := range []struct {
		bytes int64
		dst   *device.Buffer
		fill  bool
	}{
		{p.SizeA(), &p.A, true},
		{p.SizeB(), &p.B, true},
		{p.SizeC(), &p.C, false},
	} {
		buf, err := alloc.Alloc(alloc1.bytes)
		if err != nil {
			release()
			return nil, nil, errors.Wrap(err, "allocate session buffers")
		}
		bufs = append(bufs, buf)
		*alloc1.dst = buf
		if alloc1.fill {
			fillRandom(buf, rng)
		}
	}
	return p, release, nil
}
