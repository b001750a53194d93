package preprocess

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/amyuch/processorfuzz/internal/datapool"
	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/amyuch/processorfuzz/internal/siinput"
	"github.com/amyuch/processorfuzz/internal/word"
)

// fakeToolchain stands in for the real cross-compiler, elf-to-hex
// utility, and symbol dumper (spec.md §9, subprocess side effects
// modeled as pure functions).
type fakeToolchain struct {
	compileErr error
	symbols    map[string]uint64
}

func (f *fakeToolchain) Compile(ctx context.Context, compilerPath string, args []string) error {
	return f.compileErr
}

func (f *fakeToolchain) ElfToHex(ctx context.Context, toolPath, elfPath, hexPath string) error {
	return nil
}

func (f *fakeToolchain) DumpSymbols(ctx context.Context, toolPath, elfPath string) (map[string]uint64, error) {
	return f.symbols, nil
}

func allRequiredSymbols(numSections int) map[string]uint64 {
	syms := map[string]uint64{
		riscvconst.SymFuzzPrefix: 0x80000000,
		riscvconst.SymFuzzMain:   0x80000010,
		riscvconst.SymFuzzSuffix: 0x80000020,
		riscvconst.SymStart:      0x80000000,
		riscvconst.SymEndMain:    0x80000030,
		riscvconst.SymBeginSig:   0x80001000,
		riscvconst.SymEndSig:     0x80001010,
	}
	for n := 0; n < numSections; n++ {
		syms[fmt.Sprintf(riscvconst.SymRandomDataFm, n)] = uint64(0x80002000 + n*0x100)
		syms[fmt.Sprintf(riscvconst.SymEndDataFm, n)] = uint64(0x80002080 + n*0x100)
	}
	return syms
}

func trivialSI(t *testing.T) (*siinput.SimulationInput, *word.Generator) {
	t.Helper()
	gen := word.NewGenerator()
	rng := rand.New(rand.NewSource(1))

	prefixW, err := gen.GetWord(rng, riscvconst.SegmentPrefix)
	require.NoError(t, err)
	gen.PopulateWord(rng, prefixW, 0)

	mainW, err := gen.GetWord(rng, riscvconst.SegmentMain)
	require.NoError(t, err)
	gen.PopulateWord(rng, mainW, 4)

	suffixW, err := gen.GetWord(rng, riscvconst.SegmentSuffix)
	require.NoError(t, err)
	gen.PopulateWord(rng, suffixW, 0)

	si := &siinput.SimulationInput{
		Template: riscvconst.TemplatePM,
		DataSeed: datapool.SeedID(1),
		Prefix:   []*word.Word{prefixW},
		Words:    []*word.Word{mainW},
		Suffix:   []*word.Word{suffixW},
		Ints:     make([]uint8, mainW.LenInsts()),
	}
	return si, gen
}

func writeTemplate(t *testing.T, fs afero.Fs, dir string) {
	t.Helper()
	body := "_fuzz_prefix:\n_fuzz_main:\n_fuzz_suffix:\n" +
		"_random_data0:\n_random_data1:\n"
	require.NoError(t, afero.WriteFile(fs, dir+"/rv64-p-m.S", []byte(body), 0o644))
}

func TestProcessHappyPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/tmpl")
	si, _ := trivialSI(t)

	tc := &fakeToolchain{symbols: allRequiredSymbols(2)}
	pp := New(fs, "/work", Config{TemplateDir: "/tmpl"}, tc, rand.New(rand.NewSource(2)), zerolog.Nop())

	data := make([]uint64, 8) // 2 sections of 4 (power of two)
	isaIn, rtlIn, syms, err := pp.Process(context.Background(), si, data, false, 0, "", 2)
	require.NoError(t, err)
	require.NotEmpty(t, isaIn.ELFPath)
	require.Equal(t, riscvconst.DefaultMaxCycles, rtlIn.MaxCycles)
	require.Len(t, syms, len(allRequiredSymbols(2)))
	require.Empty(t, isaIn.InterruptFilePath)
}

func TestProcessRejectsNonPowerOfTwoSection(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/tmpl")
	si, _ := trivialSI(t)

	tc := &fakeToolchain{symbols: allRequiredSymbols(3)}
	pp := New(fs, "/work", Config{TemplateDir: "/tmpl"}, tc, rand.New(rand.NewSource(2)), zerolog.Nop())

	data := make([]uint64, 9) // 3 sections of 3: not a power of two
	_, _, _, err := pp.Process(context.Background(), si, data, false, 0, "", 3)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestProcessMissingSymbolIsCompileBroken(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTemplate(t, fs, "/tmpl")
	si, _ := trivialSI(t)

	tc := &fakeToolchain{symbols: map[string]uint64{riscvconst.SymFuzzPrefix: 0x1}}
	pp := New(fs, "/work", Config{TemplateDir: "/tmpl"}, tc, rand.New(rand.NewSource(2)), zerolog.Nop())

	data := make([]uint64, 2)
	_, _, _, err := pp.Process(context.Background(), si, data, false, 0, "", 1)
	require.ErrorIs(t, err, ErrCompileBroken)
}

func TestExpandIntsInsertsZeroAfterLA(t *testing.T) {
	laTemplate := word.InstTemplate{Asm: "la %rd%, d_0_0", IsLA: true, Placeholders: []word.Placeholder{{Name: "rd", Kind: word.PlaceholderReg}}}
	addiTemplate := word.InstTemplate{Asm: "addi %rd%, %rs%, %imm%", Placeholders: []word.Placeholder{
		{Name: "rd", Kind: word.PlaceholderReg}, {Name: "rs", Kind: word.PlaceholderReg}, {Name: "imm", Kind: word.PlaceholderImm, Bits: 12, Signed: true},
	}}
	w1 := &word.Word{Templates: []word.InstTemplate{laTemplate}, Operands: [][]uint32{{5}}}
	w2 := &word.Word{Templates: []word.InstTemplate{addiTemplate}, Operands: [][]uint32{{6, 5, 4}}}

	expanded := expandInts([]*word.Word{w1, w2}, []uint8{1, 2})
	require.Equal(t, []uint8{1, 0, 2}, expanded)
}

func TestInterruptLinesSkipZeroCauses(t *testing.T) {
	lines := interruptLines([]uint8{0, 1, 0, 2}, 0x80000000)
	require.Equal(t, []string{
		"0000000080000004:0001\n",
		"000000008000000c:0010\n",
	}, lines)
}
