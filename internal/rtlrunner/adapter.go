package rtlrunner

import (
	"context"

	"github.com/amyuch/processorfuzz/internal/trace"
)

// TileAdapter is the external-collaborator contract spec.md §4.7
// describes between the RTL Runner and the RTL model: the Runner owns
// the execution protocol (bootrom/image load, clock/reset, cycle
// budget, legality/signature extraction); the adapter owns servicing
// the model's memory and interrupt traffic and reporting back what it
// observed.
type TileAdapter interface {
	// Start begins servicing memory read/write and interrupt requests
	// from the model for this iteration. memory is keyed by aligned
	// 8-byte address; interrupts maps PC to a 4-bit cause. Reads
	// outside memory return zero; writes update it in place (memory is
	// a reference type, so mutations are visible to the Runner without
	// a separate readback call).
	Start(ctx context.Context, memory map[uint64]uint64, interrupts map[uint64]uint8) error

	// ProbeToHost asks the adapter to read the tohost word at addr this
	// cycle and reports whether the model has signaled end-of-sim.
	ProbeToHost(memory map[uint64]uint64, addr uint64) (eos bool)

	// Stop drains in-flight transactions.
	Stop()

	// CheckAssert reports whether the model raised an assertion during
	// this iteration.
	CheckAssert() bool

	// CoverageSum and CoverageWidth report the run's coverage
	// accumulator and its bit width, from which the Runner builds a
	// coverage.Vector.
	CoverageSum() uint64
	CoverageWidth() int

	// AccessedAddresses lists every address the model touched, so the
	// Runner can enforce the bootrom/DRAM legality invariant.
	AccessedAddresses() []uint64

	// CommitTrace returns every architecturally observable commit the
	// model retired this iteration, in commit order — the RTL-side
	// half of the Trace Comparator's input (spec.md §4.8).
	CommitTrace() []trace.Record
}
