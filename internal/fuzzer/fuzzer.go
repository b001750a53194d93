// Package fuzzer implements the Fuzzing Driver (spec.md §4.10): the
// per-iteration loop wiring the Mutator, Preprocessor, ISA Runner, RTL
// Runner, Trace Comparator, Coverage Tracker, and Corpus Manager, plus
// the multi-worker orchestration spec.md §5 describes as one OS
// process per worker ("multi-process parallelism for fuzz workers").
// Workers here are goroutines instead of processes — the pack's own
// concurrency idiom for bounded fan-out over independent units of work
// (golang.org/x/sync/errgroup) rather than a literal process-per-worker
// port, since each worker already owns its own Mutator/RNG/Preprocessor
// state and shares only the filesystem plus the mutex-guarded Corpus
// Manager and Coverage Tracker objects (see Worker).
package fuzzer

import (
	"context"
	"math/rand"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/amyuch/processorfuzz/internal/compare"
	"github.com/amyuch/processorfuzz/internal/corpus"
	"github.com/amyuch/processorfuzz/internal/coverage"
	"github.com/amyuch/processorfuzz/internal/isarunner"
	"github.com/amyuch/processorfuzz/internal/mutator"
	"github.com/amyuch/processorfuzz/internal/preprocess"
	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/amyuch/processorfuzz/internal/rtlrunner"
	"github.com/amyuch/processorfuzz/internal/siinput"
)

// Config bounds one worker's run (spec.md §4.10, §5).
type Config struct {
	OutDir          string
	Toplevel        string
	NumIter         int
	NumDataSections int
	WorkerID        int
	Multicore       bool
}

// Worker owns one fuzz loop's collaborators. Each Worker holds its own
// Mutator (and therefore its own RNG and Data Pool) and its own
// Preprocessor working directory; the Corpus Manager and Coverage
// Tracker are typically shared across every Worker in a process, since
// both are already safe for concurrent use and spec.md §5 wants a
// single corpus id sequence and a single global coverage set.
type Worker struct {
	cfg     Config
	fs      afero.Fs
	mut     *mutator.Mutator
	corpus  *corpus.Manager
	pre     *preprocess.Preprocessor
	isa     *isarunner.Runner
	rtl     *rtlrunner.Runner
	cov     *coverage.Tracker
	log     zerolog.Logger
}

// NewWorker wires one worker's pipeline.
func NewWorker(
	cfg Config,
	fs afero.Fs,
	mut *mutator.Mutator,
	cm *corpus.Manager,
	pre *preprocess.Preprocessor,
	isa *isarunner.Runner,
	rtl *rtlrunner.Runner,
	cov *coverage.Tracker,
	log zerolog.Logger,
) *Worker {
	return &Worker{cfg: cfg, fs: fs, mut: mut, corpus: cm, pre: pre, isa: isa, rtl: rtl, cov: cov, log: log}
}

// Run executes cfg.NumIter iterations of spec.md §4.10's loop,
// returning the number of bugs recorded.
func (w *Worker) Run(ctx context.Context) (int, error) {
	bugsFound := 0
	for it := 0; it < w.cfg.NumIter; it++ {
		found, err := w.iterate(ctx, it)
		if err != nil {
			return bugsFound, err
		}
		if found {
			bugsFound++
		}
	}
	// corpus.add_test happens-before the next mutator.get is already
	// satisfied by this loop running sequentially per worker (spec.md
	// §5 ordering guarantee (c)).
	if err := w.cov.SaveCoverage(w.cfg.WorkerID); err != nil {
		w.log.Warn().Err(err).Msg("fuzzer: saving per-worker coverage")
	}
	return bugsFound, nil
}

// iterate runs one pass of spec.md §4.10's six steps and reports
// whether a bug was recorded.
func (w *Worker) iterate(ctx context.Context, it int) (bool, error) {
	si, data, err := w.mut.Get(it, w.corpus)
	if err != nil {
		w.log.Debug().Int("iteration", it).Err(err).Msg("fuzzer: mutator.get failed, skipping")
		return false, nil
	}

	hasIntr := hasInterrupt(si)
	numSections := w.cfg.NumDataSections
	if numSections <= 0 {
		numSections = riscvconst.NumDataSections
	}

	isaIn, rtlIn, _, err := w.pre.Process(ctx, si, data, hasIntr, it, "", numSections)
	if err != nil {
		w.log.Debug().Int("iteration", it).Err(err).Msg("fuzzer: preprocess failed, skipping")
		return false, nil
	}

	isaStatus, isaTrace, err := w.isa.RunTest(ctx, isaIn, w.cfg.OutDir, it, hasIntr)
	if err != nil {
		return false, err
	}
	if isaStatus != riscvconst.StatusSuccess {
		w.log.Debug().Int("iteration", it).Stringer("status", isaStatus).Msg("fuzzer: isa run did not succeed, skipping")
		return false, nil
	}

	rtlRes, err := w.rtl.RunTest(ctx, rtlIn, w.cfg.OutDir, it, hasIntr)
	if err != nil {
		return false, err
	}
	if rtlRes.Status != riscvconst.StatusSuccess {
		// update coverage only (spec.md §4.10 step 4)
		w.cov.UpdateFromRTL(rtlRes.Coverage)
		return false, nil
	}

	bugFound := false
	result, err := compare.Compare(w.fs, isaTrace, rtlRes.TracePath, w.cfg.Toplevel)
	if err != nil {
		return false, err
	}
	if result.Mismatch {
		if err := w.recordBug(si, isaTrace, rtlRes.TracePath, it, result); err != nil {
			return false, err
		}
		bugFound = true
	}

	delta := w.cov.UpdateFromRTL(rtlRes.Coverage)
	if delta > 0 {
		if err := w.corpus.AddTest(si, w.mut.Pool(), it, delta); err != nil {
			return bugFound, err
		}
	}

	return bugFound, nil
}

// hasInterrupt reports whether any Ints entry in si asserts a cause,
// the `has_intr(SI)` predicate spec.md §4.10 references.
func hasInterrupt(si *siinput.SimulationInput) bool {
	for _, v := range si.Ints {
		if v != 0 {
			return true
		}
	}
	return false
}

// recordBug persists the offending SI and both traces under
// out/bugs/<uuid>/ (spec.md §4.10 step 5).
func (w *Worker) recordBug(si *siinput.SimulationInput, isaTrace, rtlTrace string, iteration int, result compare.Result) error {
	dir := filepath.Join(w.cfg.OutDir, "bugs", uuid.NewString())
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := siinput.Save(w.fs, filepath.Join(dir, "test.si"), si, w.mut.Pool()); err != nil {
		return err
	}
	if err := copyFile(w.fs, isaTrace, filepath.Join(dir, "isa_trace.csv")); err != nil {
		return err
	}
	if err := copyFile(w.fs, rtlTrace, filepath.Join(dir, "rtl_trace.log")); err != nil {
		return err
	}
	w.log.Warn().
		Int("iteration", iteration).
		Int("divergence_index", result.Index).
		Str("reason", result.Reason).
		Str("bug_dir", dir).
		Msg("fuzzer: recorded mismatch")
	return nil
}

func copyFile(fs afero.Fs, src, dst string) error {
	raw, err := afero.ReadFile(fs, src)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, dst, raw, 0o644)
}

// Orchestrate runs numWorkers Workers concurrently and aggregates
// their coverage once all have finished (spec.md §5's "designated
// aggregator call", realized here as one errgroup.Group fanning out
// goroutines instead of the original's OS processes).
func Orchestrate(ctx context.Context, numWorkers int, newWorker func(workerID int, rng *rand.Rand) (*Worker, error), cov *coverage.Tracker) error {
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < numWorkers; id++ {
		id := id
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(id) + 1))
			worker, err := newWorker(id, rng)
			if err != nil {
				return err
			}
			_, err = worker.Run(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for id := 0; id < numWorkers; id++ {
		cov.AggregateMulticore(id)
	}
	return nil
}
