package compare

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/amyuch/processorfuzz/internal/trace"
)

func writeTrace(t *testing.T, fs afero.Fs, path string, records []trace.Record) {
	t.Helper()
	require.NoError(t, trace.WriteCSV(fs, path, records))
}

func TestCompareMatchIgnoresX0Writes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/isa.csv", []trace.Record{
		{PC: 0x80000000, Inst: "(0x1)", Rd: "x1", RdVal: 1},
		{PC: 0x80000004, Inst: "(0x2)", Rd: "x0", RdVal: 99},
	})
	writeTrace(t, fs, "/rtl.csv", []trace.Record{
		{PC: 0x80000000, Inst: "(0x1)", Rd: "x1", RdVal: 1},
		{PC: 0x80000004, Inst: "(0x2)", Rd: "x0", RdVal: 0}, // different rd_val, but x0: ignored
	})

	res, err := Compare(fs, "/isa.csv", "/rtl.csv", "TestHarness")
	require.NoError(t, err)
	require.False(t, res.Mismatch)
	require.Equal(t, 0, res.Code())
}

func TestCompareDetectsDivergentValue(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/isa.csv", []trace.Record{{PC: 0x80000000, Inst: "(0x1)", Rd: "x1", RdVal: 1}})
	writeTrace(t, fs, "/rtl.csv", []trace.Record{{PC: 0x80000000, Inst: "(0x1)", Rd: "x1", RdVal: 2}})

	res, err := Compare(fs, "/isa.csv", "/rtl.csv", "TestHarness")
	require.NoError(t, err)
	require.True(t, res.Mismatch)
	require.Equal(t, -1, res.Code())
	require.Equal(t, 0, res.Index)
}

func TestCompareDetectsDivergentPCEvenWhenBothWriteX0(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/isa.csv", []trace.Record{{PC: 0x80000000, Inst: "(0x1)", Rd: "x0", RdVal: 1}})
	writeTrace(t, fs, "/rtl.csv", []trace.Record{{PC: 0x80000004, Inst: "(0x1)", Rd: "x0", RdVal: 1}})

	res, err := Compare(fs, "/isa.csv", "/rtl.csv", "TestHarness")
	require.NoError(t, err)
	require.True(t, res.Mismatch, "a different committed PC must never be waived by an x0 write")
	require.Equal(t, 0, res.Index)
}

func TestCompareEarlyTerminationIsMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/isa.csv", []trace.Record{
		{PC: 0x80000000, Inst: "(0x1)", Rd: "x1", RdVal: 1},
		{PC: 0x80000004, Inst: "(0x2)", Rd: "x2", RdVal: 2},
	})
	writeTrace(t, fs, "/rtl.csv", []trace.Record{
		{PC: 0x80000000, Inst: "(0x1)", Rd: "x1", RdVal: 1},
	})

	res, err := Compare(fs, "/isa.csv", "/rtl.csv", "TestHarness")
	require.NoError(t, err)
	require.True(t, res.Mismatch)
}
