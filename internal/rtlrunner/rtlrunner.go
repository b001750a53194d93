// Package rtlrunner implements the RTL Runner (spec.md §4.7): driving
// the RTL model to completion through a Tile Adapter and extracting
// the post-run signature and coverage vector.
package rtlrunner

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/amyuch/processorfuzz/internal/coverage"
	"github.com/amyuch/processorfuzz/internal/preprocess"
	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/amyuch/processorfuzz/internal/trace"
)

// Config tunes the execution protocol's cycle bookkeeping.
type Config struct {
	ProbeInterval int // cycles between tohost probes (spec.md §4.7 step 5), default 100
	ResetCycles   int // defaults to 5; RunTest does not read it and drives no metaReset/reset sequence
}

// Runner drives one RTL iteration end to end.
type Runner struct {
	fs      afero.Fs
	adapter TileAdapter
	cfg     Config
	log     zerolog.Logger
}

// New builds a Runner.
func New(fs afero.Fs, adapter TileAdapter, cfg Config, log zerolog.Logger) *Runner {
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 100
	}
	if cfg.ResetCycles == 0 {
		cfg.ResetCycles = 5
	}
	return &Runner{fs: fs, adapter: adapter, cfg: cfg, log: log}
}

// Result is the outcome of one RunTest call.
type Result struct {
	Status        riscvconst.Status
	Coverage      coverage.Vector
	SignaturePath string
	TracePath     string // the RTL-side commit trace, for the Trace Comparator
}

// RunTest is spec.md §4.7's execution protocol. The clock generator
// and main body are modeled as one sequential pass rather than two
// cooperatively-scheduled tasks: since everything here runs on the
// caller's goroutine, the invariant spec.md §9 ("Cooperative RTL
// driver") requires — no adapter handler runs between a rising-edge
// wait and the body's subsequent eos check — holds trivially, without
// needing explicit task suspension points.
func (r *Runner) RunTest(ctx context.Context, rtlIn preprocess.RTLInput, outDir string, iteration int, assertIntr bool) (Result, error) {
	memory := map[uint64]uint64{}
	SetBootROM(memory)
	if err := r.loadHexImage(memory, rtlIn.HexPath, rtlIn.Symbols); err != nil {
		return Result{}, errors.Wrap(err, "rtlrunner: loading hex image")
	}
	if err := overlayDataSections(memory, rtlIn.Data, rtlIn.Symbols); err != nil {
		return Result{}, errors.Wrap(err, "rtlrunner: overlaying data sections")
	}

	interrupts := map[uint64]uint8{}
	if assertIntr && rtlIn.InterruptFilePath != "" {
		var err error
		interrupts, err = parseInterruptFile(r.fs, rtlIn.InterruptFilePath)
		if err != nil {
			return Result{}, errors.Wrap(err, "rtlrunner: parsing interrupt file")
		}
	}

	if err := r.adapter.Start(ctx, memory, interrupts); err != nil {
		return Result{}, errors.Wrap(err, "rtlrunner: adapter start")
	}

	toHostAddr := rtlIn.Symbols[riscvconst.SymToHost]
	timeout := false
	eos := false
	maxCycles := rtlIn.MaxCycles
	for cycle := 0; cycle < maxCycles; cycle++ {
		if eos {
			break
		}
		if cycle%r.cfg.ProbeInterval == 0 {
			if r.adapter.ProbeToHost(memory, toHostAddr) {
				eos = true
				continue
			}
		}
		if cycle == maxCycles-1 {
			timeout = true
		}
	}

	r.adapter.Stop()

	cov := coverage.FromBits(r.adapter.CoverageSum(), r.adapter.CoverageWidth())

	tracePath := filepath.Join(outDir, fmt.Sprintf("rtl_%d.log", iteration))
	if err := trace.WriteCSV(r.fs, tracePath, r.adapter.CommitTrace()); err != nil {
		return Result{}, errors.Wrap(err, "rtlrunner: writing commit trace")
	}

	for _, addr := range r.adapter.AccessedAddresses() {
		if !isLegalAddress(addr) {
			r.log.Warn().Uint64("addr", addr).Msg("rtlrunner: illegal memory access")
			return Result{Status: riscvconst.StatusIllMem, Coverage: cov, TracePath: tracePath}, nil
		}
	}

	switch {
	case timeout:
		return Result{Status: riscvconst.StatusTimeOut, Coverage: cov, TracePath: tracePath}, nil
	case r.adapter.CheckAssert():
		return Result{Status: riscvconst.StatusAssertionFail, Coverage: cov, TracePath: tracePath}, nil
	}

	sigPath := filepath.Join(outDir, fmt.Sprintf("sig_%d.txt", iteration))
	if err := r.writeSignature(memory, rtlIn.Symbols, sigPath); err != nil {
		return Result{}, errors.Wrap(err, "rtlrunner: writing signature")
	}
	return Result{Status: riscvconst.StatusSuccess, Coverage: cov, SignaturePath: sigPath, TracePath: tracePath}, nil
}

// SetBootROM packs riscvconst.BootROM two 32-bit words per 8-byte slot
// starting at BootROMAddr (spec.md §4.7 step 1, §6 "Bootrom").
func SetBootROM(memory map[uint64]uint64) {
	for i := 0; i+1 < len(riscvconst.BootROM); i += 2 {
		lo := uint64(riscvconst.BootROM[i])
		hi := uint64(riscvconst.BootROM[i+1])
		addr := riscvconst.BootROMAddr + uint64(i/2)*8
		memory[addr] = lo | hi<<32
	}
}

// isLegalAddress enforces spec.md §4.7 step 8: every accessed address
// must be a bootrom address or at/above DRAM_BASE.
func isLegalAddress(addr uint64) bool {
	if addr >= riscvconst.DRAMBase {
		return true
	}
	bootROMEnd := riscvconst.BootROMAddr + uint64(len(riscvconst.BootROM)/2)*8
	return addr >= riscvconst.BootROMAddr && addr < bootROMEnd
}

func (r *Runner) loadHexImage(memory map[uint64]uint64, hexPath string, symbols map[string]uint64) error {
	start, ok := symbols[riscvconst.SymStart]
	if !ok {
		return errors.New("rtlrunner: missing _start symbol")
	}
	endMain, ok := symbols[riscvconst.SymEndMain]
	if !ok {
		return errors.New("rtlrunner: missing _end_main symbol")
	}
	limit := endMain + 36

	f, err := r.fs.Open(hexPath)
	if err != nil {
		return err
	}
	defer f.Close()

	addr := start
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && addr < limit {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		val, err := strconv.ParseUint(line, 16, 64)
		if err != nil {
			return errors.Wrapf(err, "rtlrunner: bad hex line %q", line)
		}
		memory[addr] = val
		addr += 8
	}
	return scanner.Err()
}

var randomDataSymRe = regexp.MustCompile(`^_random_data(\d+)$`)

// dataSectionIndices returns the data-section indices named in
// symbols, sorted ascending.
func dataSectionIndices(symbols map[string]uint64) []int {
	var ns []int
	for k := range symbols {
		if m := randomDataSymRe.FindStringSubmatch(k); m != nil {
			n, _ := strconv.Atoi(m[1])
			ns = append(ns, n)
		}
	}
	sort.Ints(ns)
	return ns
}

// overlayDataSections places data[n*S:(n+1)*S] into [_random_data{n},
// _end_data{n}) for every section named in symbols, where S is the
// equal section length the Preprocessor used (spec.md §4.7 step 2).
func overlayDataSections(memory map[uint64]uint64, data []uint64, symbols map[string]uint64) error {
	indices := dataSectionIndices(symbols)
	if len(indices) == 0 {
		return nil
	}
	if len(data)%len(indices) != 0 {
		return errors.Errorf("rtlrunner: data length %d not divisible by %d sections", len(data), len(indices))
	}
	sectionLen := len(data) / len(indices)

	for _, n := range indices {
		begin, ok := symbols[fmt.Sprintf(riscvconst.SymRandomDataFm, n)]
		if !ok {
			continue
		}
		end, ok := symbols[fmt.Sprintf(riscvconst.SymEndDataFm, n)]
		if !ok {
			continue
		}
		section := data[n*sectionLen : (n+1)*sectionLen]
		addr := begin
		for _, v := range section {
			if addr >= end {
				break
			}
			memory[addr] = v
			addr += 8
		}
	}
	return nil
}

func parseInterruptFile(fs afero.Fs, path string) (map[uint64]uint8, error) {
	result := map[uint64]uint8{}
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		addr, err := strconv.ParseUint(parts[0], 16, 64)
		if err != nil {
			continue
		}
		cause, err := strconv.ParseUint(parts[1], 2, 8)
		if err != nil {
			continue
		}
		result[addr] = uint8(cause)
	}
	return result, scanner.Err()
}

// writeSignature emits the post-run signature: for each 16-byte slot
// in [begin, end), one line formed by concatenating the high then low
// 8-byte word (spec.md §4.7 step 9, §6 scenario 4), first for
// begin_signature/end_signature, then for every data section range.
func (r *Runner) writeSignature(memory map[uint64]uint64, symbols map[string]uint64, path string) error {
	var lines []string
	lines = append(lines, signatureLines(memory, symbols[riscvconst.SymBeginSig], symbols[riscvconst.SymEndSig])...)
	for _, n := range dataSectionIndices(symbols) {
		begin := symbols[fmt.Sprintf(riscvconst.SymRandomDataFm, n)]
		end := symbols[fmt.Sprintf(riscvconst.SymEndDataFm, n)]
		lines = append(lines, signatureLines(memory, begin, end)...)
	}
	return afero.WriteFile(r.fs, path, []byte(strings.Join(lines, "")), 0o644)
}

func signatureLines(memory map[uint64]uint64, begin, end uint64) []string {
	var lines []string
	for addr := begin; addr < end; addr += 16 {
		lines = append(lines, fmt.Sprintf("%016x%016x\n", memory[addr+8], memory[addr]))
	}
	return lines
}
