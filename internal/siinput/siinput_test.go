package siinput

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/amyuch/processorfuzz/internal/datapool"
	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/amyuch/processorfuzz/internal/word"
)

func buildSample(t *testing.T) (*SimulationInput, *datapool.Pool, *word.Generator) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	gen := word.NewGenerator()
	pool := datapool.New(rng, 16, 64)

	seed := pool.AddData()
	si := &SimulationInput{Template: riscvconst.TemplatePM, DataSeed: seed, NameSuffix: "_t"}

	for i := 0; i < 2; i++ {
		w, err := gen.GetWord(rng, riscvconst.SegmentPrefix)
		require.NoError(t, err)
		gen.PopulateWord(rng, w, 0)
		si.Prefix = append(si.Prefix, w)
	}
	for i := 0; i < 3; i++ {
		w, err := gen.GetWord(rng, riscvconst.SegmentMain)
		require.NoError(t, err)
		gen.PopulateWord(rng, w, 4)
		si.Words = append(si.Words, w)
	}
	for i := 0; i < 2; i++ {
		w, err := gen.GetWord(rng, riscvconst.SegmentSuffix)
		require.NoError(t, err)
		gen.PopulateWord(rng, w, 0)
		si.Suffix = append(si.Suffix, w)
	}
	si.Ints = make([]uint8, si.TotalMainInsts())
	require.NoError(t, si.Validate())
	return si, pool, gen
}

// TestGetInstsDefinesEveryLabelPositionItCanReference ensures every
// word position in the main segment gets a matching label definition,
// so a branch-local word's target (chosen in [0, maxLabel] where
// maxLabel is the segment's word count minus one) always resolves to
// a real symbol instead of assembling against an undefined one.
func TestGetInstsDefinesEveryLabelPositionItCanReference(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	gen := word.NewGenerator()

	branchW, err := gen.GetWordByID(riscvconst.SegmentMain, 14) // branch-local
	require.NoError(t, err)
	addW, err := gen.GetWordByID(riscvconst.SegmentMain, 10) // add
	require.NoError(t, err)
	maxLabel := 1
	gen.PopulateWord(rng, branchW, maxLabel)
	gen.PopulateWord(rng, addW, maxLabel)

	si := &SimulationInput{Words: []*word.Word{branchW, addW}}
	lines := si.GetInsts()

	for i := range si.Words {
		require.Contains(t, lines, fmt.Sprintf("main_lbl_%d:", i))
	}
	label := branchW.Operands[0][2]
	require.Contains(t, branchW.Emitted[0], fmt.Sprintf("main_lbl_%d", label))
	require.NotContains(t, branchW.Emitted[0], "main_lbl_main_lbl_")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	si, pool, gen := buildSample(t)
	fs := afero.NewMemMapFs()

	require.NoError(t, Save(fs, "/corpus/id_0.si", si, pool))

	loaded, data, err := Load(fs, "/corpus/id_0.si", gen, pool)
	require.NoError(t, err)

	require.Equal(t, si.Template, loaded.Template)
	require.Equal(t, si.DataSeed, loaded.DataSeed)
	require.Equal(t, si.Ints, loaded.Ints)
	require.Equal(t, si.GetPrefix(), loaded.GetPrefix())
	require.Equal(t, si.GetInsts(), loaded.GetInsts())
	require.Equal(t, si.GetSuffix(), loaded.GetSuffix())

	original, ok := pool.Get(si.DataSeed)
	require.True(t, ok)
	require.Equal(t, original, data)
}

func TestSaveThenLoadThenSaveIsByteIdentical(t *testing.T) {
	si, pool, gen := buildSample(t)
	fs := afero.NewMemMapFs()

	require.NoError(t, Save(fs, "/x.si", si, pool))
	first, err := afero.ReadFile(fs, "/x.si")
	require.NoError(t, err)

	loaded, _, err := Load(fs, "/x.si", gen, pool)
	require.NoError(t, err)
	require.NoError(t, Save(fs, "/y.si", loaded, pool))
	second, err := afero.ReadFile(fs, "/y.si")
	require.NoError(t, err)

	require.Equal(t, first, second)
}
