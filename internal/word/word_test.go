package word

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/stretchr/testify/require"
)

func TestPopulateWordSetsFlagAndOperands(t *testing.T) {
	g := NewGenerator()
	rng := rand.New(rand.NewSource(1))

	w, err := g.GetWord(rng, riscvconst.SegmentMain)
	require.NoError(t, err)
	require.False(t, w.Populated)

	g.PopulateWord(rng, w, 4)
	require.True(t, w.Populated)
	require.Equal(t, w.LenInsts(), len(w.Emitted))
	for _, emitted := range w.Emitted {
		require.NotContains(t, emitted, "%")
	}
}

func TestPopulateWordIsIdempotent(t *testing.T) {
	g := NewGenerator()
	rng := rand.New(rand.NewSource(2))

	w, err := g.GetWord(rng, riscvconst.SegmentSuffix)
	require.NoError(t, err)
	g.PopulateWord(rng, w, 0)
	first := append([]string(nil), w.Emitted...)

	g.PopulateWord(rng, w, 0)
	require.Equal(t, first, w.Emitted)
}

func TestPopulateWordNeverPicksReservedRegisters(t *testing.T) {
	g := NewGenerator()
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 200; i++ {
		w, err := g.GetWord(rng, riscvconst.SegmentMain)
		require.NoError(t, err)
		g.PopulateWord(rng, w, 8)
		for _, ops := range w.Operands {
			for _, v := range ops {
				if int(v) < len(allGPRegs) {
					reg := allGPRegs[v]
					require.False(t, ReservedRegisters[reg])
				}
			}
		}
	}
}

func TestBranchLocalRendersBareLabelWithoutDoubledPrefix(t *testing.T) {
	g := NewGenerator()
	rng := rand.New(rand.NewSource(5))

	w, err := g.GetWordByID(riscvconst.SegmentMain, 14) // branch-local
	require.NoError(t, err)
	g.PopulateWord(rng, w, 6)

	require.Len(t, w.Emitted, 1)
	require.NotContains(t, w.Emitted[0], "main_lbl_main_lbl_")
	rs1 := allGPRegs[w.Operands[0][0]]
	rs2 := allGPRegs[w.Operands[0][1]]
	label := w.Operands[0][2]
	require.Equal(t, fmt.Sprintf("bne %s, %s, main_lbl_%d", rs1, rs2, label), w.Emitted[0])
}

func TestLabelPlaceholderStaysInRange(t *testing.T) {
	g := NewGenerator()
	rng := rand.New(rand.NewSource(4))

	const maxLabel = 6
	for i := 0; i < 500; i++ {
		w, err := g.GetWord(rng, riscvconst.SegmentMain)
		require.NoError(t, err)
		g.PopulateWord(rng, w, maxLabel)
		for instIdx, tmpl := range w.Templates {
			for phIdx, ph := range tmpl.Placeholders {
				if ph.Kind == PlaceholderLabel {
					require.LessOrEqual(t, w.Operands[instIdx][phIdx], uint32(maxLabel))
				}
			}
		}
	}
}
