package fuzzer

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/amyuch/processorfuzz/internal/corpus"
	"github.com/amyuch/processorfuzz/internal/coverage"
	"github.com/amyuch/processorfuzz/internal/isarunner"
	"github.com/amyuch/processorfuzz/internal/mutator"
	"github.com/amyuch/processorfuzz/internal/preprocess"
	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/amyuch/processorfuzz/internal/rtlrunner"
	"github.com/amyuch/processorfuzz/internal/trace"
	"github.com/amyuch/processorfuzz/internal/word"
)

// fakeToolchain is a pipeline-complete stand-in for the external
// compiler, elf-to-hex tool, and symbol dumper: it writes the stub
// artifacts downstream runners need instead of shelling out (spec.md
// §9, subprocess side effects modeled as pure functions).
type fakeToolchain struct {
	fs afero.Fs
	// numSections is how many random-data section symbols DumpSymbols
	// reports; 0 means 1, matching every test that doesn't care.
	numSections int
}

func (f *fakeToolchain) Compile(ctx context.Context, compilerPath string, args []string) error {
	return nil
}

func (f *fakeToolchain) ElfToHex(ctx context.Context, toolPath, elfPath, hexPath string) error {
	return afero.WriteFile(f.fs, hexPath, []byte("0\n0\n"), 0o644)
}

func (f *fakeToolchain) DumpSymbols(ctx context.Context, toolPath, elfPath string) (map[string]uint64, error) {
	syms := map[string]uint64{
		riscvconst.SymFuzzPrefix: riscvconst.DRAMBase,
		riscvconst.SymFuzzMain:   riscvconst.DRAMBase + 0x10,
		riscvconst.SymFuzzSuffix: riscvconst.DRAMBase + 0x20,
		riscvconst.SymStart:      riscvconst.DRAMBase,
		riscvconst.SymEndMain:    riscvconst.DRAMBase + 0x30,
		riscvconst.SymBeginSig:   riscvconst.DRAMBase + 0x1000,
		riscvconst.SymEndSig:     riscvconst.DRAMBase + 0x1010,
	}
	n := f.numSections
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		base := riscvconst.DRAMBase + 0x2000 + uint64(i)*0x100
		syms[fmt.Sprintf(riscvconst.SymRandomDataFm, i)] = base
		syms[fmt.Sprintf(riscvconst.SymEndDataFm, i)] = base + 0x20
	}
	return syms, nil
}

// fakeInvoker writes a canned commit log instead of shelling out to a
// reference simulator.
type fakeInvoker struct {
	fs afero.Fs
}

func (f *fakeInvoker) Invoke(ctx context.Context, elfPath, logPath, interruptFile string) error {
	body := "core   0: 0x0000000080000004 (0x00000013)\n"
	return afero.WriteFile(f.fs, logPath, []byte(body), 0o644)
}

// fakeTileAdapter reports end-of-sim on its first probe with clean
// coverage and no illegal accesses, standing in for internal/simadapter.
type fakeTileAdapter struct {
	covSum uint64
}

func (f *fakeTileAdapter) Start(ctx context.Context, memory map[uint64]uint64, interrupts map[uint64]uint8) error {
	return nil
}
func (f *fakeTileAdapter) ProbeToHost(memory map[uint64]uint64, addr uint64) bool { return true }
func (f *fakeTileAdapter) Stop()                                                 {}
func (f *fakeTileAdapter) CheckAssert() bool                                     { return false }
func (f *fakeTileAdapter) CoverageSum() uint64                                   { return f.covSum }
func (f *fakeTileAdapter) CoverageWidth() int                                    { return 4 }
func (f *fakeTileAdapter) AccessedAddresses() []uint64                           { return nil }
func (f *fakeTileAdapter) CommitTrace() []trace.Record {
	return []trace.Record{{PC: 0x80000004, Inst: "(0x00000013)", Rd: "x0", RdVal: 0}}
}

func writeTemplates(t *testing.T, fs afero.Fs, dir string, numSections int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("_fuzz_prefix:\n_fuzz_main:\n_fuzz_suffix:\n")
	for i := 0; i < numSections; i++ {
		fmt.Fprintf(&b, "_random_data%d:\n", i)
	}
	body := b.String()
	for _, tag := range riscvconst.TemplateTags {
		require.NoError(t, afero.WriteFile(fs, dir+"/rv64-"+tag+".S", []byte(body), 0o644))
	}
}

func buildWorker(t *testing.T, fs afero.Fs, numIter int) (*Worker, *corpus.Manager) {
	t.Helper()
	writeTemplates(t, fs, "/tmpl", 1)

	pre := preprocess.New(fs, "/work", preprocess.Config{TemplateDir: "/tmpl"}, &fakeToolchain{fs: fs}, rand.New(rand.NewSource(7)), zerolog.Nop())
	isaR := isarunner.New(fs, &fakeInvoker{fs: fs}, zerolog.Nop())
	rtlR := rtlrunner.New(fs, &fakeTileAdapter{covSum: 0b0011}, rtlrunner.Config{ProbeInterval: 1}, zerolog.Nop())
	cov := coverage.New(fs, "/out", false, zerolog.Nop(), nil)
	cm := corpus.New(fs, "/out/corpus", 10, rand.New(rand.NewSource(3)), zerolog.Nop())
	mut := mutator.New(fs, rand.New(rand.NewSource(4)), word.NewGenerator(), mutator.Config{
		MaxDataSeeds: 10, DataWordsLen: 4, MaxMainWords: 4, PrefixWords: 1, SuffixWords: 1,
	})

	cfg := Config{OutDir: "/out", Toplevel: "chiptop", NumIter: numIter, NumDataSections: 1, WorkerID: 0}
	return NewWorker(cfg, fs, mut, cm, pre, isaR, rtlR, cov, zerolog.Nop()), cm
}

// buildWorkerWithProductionDefaults wires a Worker the way
// cmd/processorfuzz does: a zero-value mutator.Config (so DataWordsLen
// takes its package default) paired with riscvconst.NumDataSections,
// exactly the combination main.go feeds fuzzer.Config.NumDataSections.
// This is the pairing the shipped binary actually runs with; it must
// clear the Preprocessor's section-size invariant on every iteration.
func buildWorkerWithProductionDefaults(t *testing.T, fs afero.Fs, numIter int) (*Worker, *corpus.Manager) {
	t.Helper()
	writeTemplates(t, fs, "/tmpl", riscvconst.NumDataSections)

	pre := preprocess.New(fs, "/work", preprocess.Config{TemplateDir: "/tmpl"}, &fakeToolchain{fs: fs, numSections: riscvconst.NumDataSections}, rand.New(rand.NewSource(7)), zerolog.Nop())
	isaR := isarunner.New(fs, &fakeInvoker{fs: fs}, zerolog.Nop())
	rtlR := rtlrunner.New(fs, &fakeTileAdapter{covSum: 0b0011}, rtlrunner.Config{ProbeInterval: 1}, zerolog.Nop())
	cov := coverage.New(fs, "/out", false, zerolog.Nop(), nil)
	cm := corpus.New(fs, "/out/corpus", 10, rand.New(rand.NewSource(3)), zerolog.Nop())
	mut := mutator.New(fs, rand.New(rand.NewSource(4)), word.NewGenerator(), mutator.Config{MaxDataSeeds: 10})

	cfg := Config{OutDir: "/out", Toplevel: "chiptop", NumIter: numIter, NumDataSections: riscvconst.NumDataSections, WorkerID: 0}
	return NewWorker(cfg, fs, mut, cm, pre, isaR, rtlR, cov, zerolog.Nop()), cm
}

func TestWorkerRunPromotesCoverageIncreasingSeed(t *testing.T) {
	fs := afero.NewMemMapFs()
	worker, cm := buildWorker(t, fs, 1)

	bugs, err := worker.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, bugs)
	require.Equal(t, 1, cm.Len(), "first iteration's coverage is all new, so it must be promoted to the corpus")
}

// TestWorkerRunWithProductionDefaults exercises the exact
// DataWordsLen/NumDataSections pairing cmd/processorfuzz wires in
// production (mutator.Config{} left at its zero value, paired with
// riscvconst.NumDataSections): a failure here means the shipped
// binary would reject its own generated input on every iteration.
func TestWorkerRunWithProductionDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	worker, cm := buildWorkerWithProductionDefaults(t, fs, 1)

	bugs, err := worker.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, bugs)
	require.Equal(t, 1, cm.Len(), "production defaults must not trip the Preprocessor's section-size check")
}

func TestWorkerRunSecondIterationAddsNoNewCoverage(t *testing.T) {
	fs := afero.NewMemMapFs()
	worker, cm := buildWorker(t, fs, 2)

	_, err := worker.Run(context.Background())
	require.NoError(t, err)
	// same covSum both iterations: the second contributes nothing new,
	// so the corpus only grows once.
	require.Equal(t, 1, cm.Len())
}
