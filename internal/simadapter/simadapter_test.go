package simadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartResetsPerIterationState(t *testing.T) {
	a := New()
	require.NoError(t, a.Start(context.Background(), map[uint64]uint64{}, map[uint64]uint8{0x80000010: 0x3}))
	require.NotZero(t, a.CoverageSum())
	require.False(t, a.CheckAssert())

	require.NoError(t, a.Start(context.Background(), map[uint64]uint64{}, nil))
	require.Zero(t, a.CoverageSum())
	require.Zero(t, a.nextSlot)
	require.Zero(t, a.window.occupiedSlots())
}

func TestProbeToHostZeroIsNotEOS(t *testing.T) {
	a := New()
	memory := map[uint64]uint64{0x80000008: 0}
	require.NoError(t, a.Start(context.Background(), memory, nil))

	eos := a.ProbeToHost(memory, 0x80000008)
	require.False(t, eos)
	require.False(t, a.CheckAssert())
	require.Contains(t, a.AccessedAddresses(), uint64(0x80000008))
}

func TestProbeToHostFinishedZeroExitIsSuccess(t *testing.T) {
	a := New()
	memory := map[uint64]uint64{0x80000008: 1} // finished bit set, exit code 0
	require.NoError(t, a.Start(context.Background(), memory, nil))

	eos := a.ProbeToHost(memory, 0x80000008)
	require.True(t, eos)
	require.False(t, a.CheckAssert())
}

func TestProbeToHostFinishedNonZeroExitAsserts(t *testing.T) {
	a := New()
	memory := map[uint64]uint64{0x80000008: (2 << 1) | 1} // finished, exit code 2
	require.NoError(t, a.Start(context.Background(), memory, nil))

	eos := a.ProbeToHost(memory, 0x80000008)
	require.True(t, eos)
	require.True(t, a.CheckAssert())
}

func TestCoverageWidthMatchesConstant(t *testing.T) {
	a := New()
	require.Equal(t, CoverageWidth, a.CoverageWidth())
}

func TestCommitTraceRecordsProbesAndInterrupts(t *testing.T) {
	a := New()
	memory := map[uint64]uint64{0x80000008: 1}
	require.NoError(t, a.Start(context.Background(), memory, map[uint64]uint8{0x80001000: 0x5}))

	a.ProbeToHost(memory, 0x80000008)

	commits := a.CommitTrace()
	require.Len(t, commits, 2)
	require.Equal(t, uint64(0x80001000), commits[0].PC)
	require.Equal(t, uint64(0x80000008), commits[1].PC)
}

func TestDispatchTransactionFillsReservationWindow(t *testing.T) {
	a := New()
	interrupts := make(map[uint64]uint8, 40)
	for i := uint64(0); i < 40; i++ {
		interrupts[0x80001000+i*4] = uint8(i % 16)
	}
	require.NoError(t, a.Start(context.Background(), map[uint64]uint64{}, interrupts))
	require.Equal(t, txWindowSize, int(a.nextSlot))
	require.Equal(t, txWindowSize, a.window.occupiedSlots())
}
