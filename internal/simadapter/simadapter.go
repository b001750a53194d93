// Package simadapter is a reference/dev-test implementation of
// rtlrunner.TileAdapter. It is NOT a substitute for a real RTL
// kernel — driving an actual Rocket/BOOM/BlackParrot tile is out of
// scope (spec.md §1 Non-goals) — it exists so the RTL Runner's
// execution protocol can be exercised end to end (e.g. in CI) without
// one.
//
// Memory and interrupt traffic observed during an iteration is
// ordered through a small reservation window (txWindow) and folded
// through a tagged coverage hash (covHash) to synthesize a coverage
// bitmap, standing in for the control-FSM-edge coverage a real tile
// would report. The tohost word is decoded using the riscv-tests
// convention: bit 0 set means the test finished, and the remaining
// bits, shifted right by one, are the exit code — zero for pass,
// nonzero for an assertion-style failure.
package simadapter

import (
	"context"
	"sync"

	"github.com/amyuch/processorfuzz/internal/rtlrunner"
	"github.com/amyuch/processorfuzz/internal/trace"
)

// CoverageWidth is the width of the coverage accumulator this adapter
// reports (spec.md §3, "Coverage Vector" is "an unsigned integer of
// known width").
const CoverageWidth = 64

// Adapter is a default, in-process TileAdapter (spec.md §4.7).
type Adapter struct {
	mu sync.Mutex

	memory     map[uint64]uint64
	interrupts map[uint64]uint8
	accessed   map[uint64]struct{}

	window txWindow
	hash   *covHash

	coverage uint64
	asserted bool
	nextSlot uint8
	commits  []trace.Record
}

var _ rtlrunner.TileAdapter = (*Adapter)(nil)

// New builds an idle Adapter; Start resets all per-iteration state.
func New() *Adapter {
	return &Adapter{}
}

// Start begins servicing this iteration's memory and interrupt
// traffic (spec.md §4.7's Tile Adapter contract).
func (a *Adapter) Start(ctx context.Context, memory map[uint64]uint64, interrupts map[uint64]uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.memory = memory
	a.interrupts = interrupts
	a.accessed = make(map[uint64]struct{}, len(interrupts)+1)
	a.window = txWindow{}
	a.hash = newCovHash()
	a.coverage = 0
	a.asserted = false
	a.nextSlot = 0
	a.commits = nil

	// Model every pending interrupt as an in-flight transaction
	// competing for a reservation slot, the way a real memory/interrupt
	// handler would queue behind the tile's scoreboard (spec.md §5,
	// "Tile Adapter's memory/interrupt handlers are cooperative with
	// the clock driver").
	for pc, cause := range interrupts {
		a.accessed[pc] = struct{}{}
		a.dispatchTransaction(pc, cause)
		a.commits = append(a.commits, trace.Record{PC: pc, Inst: "(interrupt)", Rd: "x0", RdVal: uint64(cause)})
	}
	return nil
}

// ProbeToHost reads the tohost word and reports whether the model has
// signaled end-of-sim (spec.md §4.7 step 5). Every probe is itself
// dispatched through the window/hash pair so repeated polling keeps
// exercising coverage synthesis, the way repeated CSR reads would in a
// real tile.
func (a *Adapter) ProbeToHost(memory map[uint64]uint64, addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.accessed[addr] = struct{}{}
	value := memory[addr]
	a.dispatchTransaction(addr, uint8(value&0xf))
	a.commits = append(a.commits, trace.Record{PC: addr, Inst: "(tohost)", Rd: "x0", RdVal: value})

	if value == 0 {
		return false
	}
	finished := value&1 == 1
	if !finished {
		return false
	}
	if exitCode := tohostExitCode(value); exitCode != 0 {
		a.asserted = true
	}
	return true
}

// Stop drains in-flight transactions. There is nothing asynchronous to
// wait on in this in-process adapter.
func (a *Adapter) Stop() {}

// CheckAssert reports whether the tohost exit code observed during
// this iteration was nonzero.
func (a *Adapter) CheckAssert() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.asserted
}

// CoverageSum returns the accumulated synthetic coverage bitmap.
func (a *Adapter) CoverageSum() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coverage
}

// CoverageWidth reports the bit width CoverageSum is valid over.
func (a *Adapter) CoverageWidth() int { return CoverageWidth }

// CommitTrace returns every transaction this adapter serviced, in the
// order it serviced them — this reference adapter's stand-in for the
// RTL model's architectural commit stream (spec.md §4.8).
func (a *Adapter) CommitTrace() []trace.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]trace.Record(nil), a.commits...)
}

// AccessedAddresses lists every address this adapter observed via
// ProbeToHost or an interrupt PC. A real tile adapter would report
// every memory-bus transaction; this reference implementation only
// sees the addresses the RTL Runner hands it directly, since it does
// not drive an actual memory-mapped bus.
func (a *Adapter) AccessedAddresses() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.accessed))
	for addr := range a.accessed {
		out = append(out, addr)
	}
	return out
}

// dispatchTransaction reserves the next window slot for one
// memory/interrupt request, if one is free, and folds its address
// through the coverage hash to mark a coverage bit. Callers hold a.mu.
func (a *Adapter) dispatchTransaction(addr uint64, tag uint8) {
	if a.window.reserve(int(a.nextSlot), tag, a.nextSlot) {
		a.nextSlot++
	}
	// else: reservation window is full for this iteration; later
	// transactions still contribute coverage below, they simply don't
	// get a modeled slot.

	mixed := a.hash.fold(addr)
	a.coverage |= 1 << (mixed % CoverageWidth)
}

// tohostExitCode extracts the exit code from a finished tohost word:
// bit 0 is the finished flag, and the remaining bits, shifted right by
// one, are the exit code (the riscv-tests tohost convention).
func tohostExitCode(value uint64) uint64 {
	return value >> 1
}
