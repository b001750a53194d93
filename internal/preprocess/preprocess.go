// Package preprocess implements the Preprocessor (spec.md §4.5): it
// turns a Simulation Input into a compiled ELF and a memory-image hex
// file, plus the interrupt descriptor files the runners consume.
package preprocess

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/amyuch/processorfuzz/internal/riscvconst"
	"github.com/amyuch/processorfuzz/internal/siinput"
	"github.com/amyuch/processorfuzz/internal/word"
)

// ErrInvalidInput marks a structural SI failure: ints misalignment,
// empty data, or a data-section size that is not a power of two
// (spec.md §7, INVALID_INPUT).
var ErrInvalidInput = errors.New("preprocess: invalid input")

// ErrCompileBroken marks a non-OOM compiler failure, a failed
// ELF-to-hex conversion, or a missing required symbol (spec.md §7,
// COMPILE_BROKEN).
var ErrCompileBroken = errors.New("preprocess: compile broken")

// ISAInput is the plan handed to the ISA Runner (spec.md §3).
type ISAInput struct {
	ELFPath           string
	InterruptFilePath string // empty when the SI asserts no interrupt
}

// RTLInput is the plan handed to the RTL Runner (spec.md §3).
type RTLInput struct {
	HexPath           string
	InterruptFilePath string
	Data              []uint64
	Symbols           map[string]uint64
	MaxCycles         int
}

// Config names the external tools and template directory the
// Preprocessor drives.
type Config struct {
	TemplateDir      string
	CompilerPath     string
	ElfToHexPath     string
	SymbolDumperPath string
	IncludeDirs      []string
	// VMHelperSources are extra source files appended to the compiler
	// invocation for template v-u (spec.md §4.5 step 5, "vm/string
	// helpers").
	VMHelperSources []string
	MaxCompileRetry int
}

// Preprocessor turns Simulation Inputs into compiled artifacts.
type Preprocessor struct {
	fs   afero.Fs
	cfg  Config
	tc   Toolchain
	rng  *rand.Rand
	log  zerolog.Logger
	work string // per-run working directory root
}

// New builds a Preprocessor rooted at workDir, where each iteration
// gets its own subdirectory (spec.md §4.5, "per-iteration working
// directory").
func New(fs afero.Fs, workDir string, cfg Config, tc Toolchain, rng *rand.Rand, log zerolog.Logger) *Preprocessor {
	if cfg.MaxCompileRetry == 0 {
		cfg.MaxCompileRetry = 3
	}
	return &Preprocessor{fs: fs, cfg: cfg, tc: tc, rng: rng, log: log, work: workDir}
}

// Process is spec.md §4.5's `process` operation.
func (p *Preprocessor) Process(
	ctx context.Context,
	si *siinput.SimulationInput,
	data []uint64,
	intr bool,
	iteration int,
	runELF string,
	numDataSections int,
) (ISAInput, RTLInput, map[string]uint64, error) {
	if err := si.Validate(); err != nil {
		return ISAInput{}, RTLInput{}, nil, errors.Wrap(ErrInvalidInput, err.Error())
	}
	if numDataSections <= 0 || len(data) == 0 || len(data)%numDataSections != 0 {
		return ISAInput{}, RTLInput{}, nil, errors.Wrapf(ErrInvalidInput,
			"data length %d not divisible by %d sections", len(data), numDataSections)
	}
	sectionLen := len(data) / numDataSections
	if sectionLen == 0 || sectionLen&(sectionLen-1) != 0 {
		return ISAInput{}, RTLInput{}, nil, errors.Wrapf(ErrInvalidInput,
			"section length %d is not a power of two", sectionLen)
	}

	iterDir := filepath.Join(p.work, fmt.Sprintf("iter_%d", iteration))
	if err := p.fs.MkdirAll(iterDir, 0o755); err != nil {
		return ISAInput{}, RTLInput{}, nil, errors.Wrap(err, "preprocess: creating iteration dir")
	}

	asmLines, err := p.buildAssembly(si, data, numDataSections)
	if err != nil {
		return ISAInput{}, RTLInput{}, nil, err
	}
	srcPath := filepath.Join(iterDir, "test.S")
	if err := afero.WriteFile(p.fs, srcPath, []byte(strings.Join(asmLines, "\n")+"\n"), 0o644); err != nil {
		return ISAInput{}, RTLInput{}, nil, errors.Wrap(err, "preprocess: writing assembly source")
	}

	expandedInts := expandInts(si.Words, si.Ints)

	elfPath := filepath.Join(iterDir, "test.elf")
	if runELF != "" {
		raw, err := afero.ReadFile(p.fs, runELF)
		if err != nil {
			return ISAInput{}, RTLInput{}, nil, errors.Wrap(err, "preprocess: reading run_elf")
		}
		if err := afero.WriteFile(p.fs, elfPath, raw, 0o644); err != nil {
			return ISAInput{}, RTLInput{}, nil, errors.Wrap(err, "preprocess: copying run_elf")
		}
	} else {
		if err := p.compile(ctx, si, data, srcPath, elfPath, intr); err != nil {
			return ISAInput{}, RTLInput{}, nil, err
		}
	}

	hexPath := filepath.Join(iterDir, "test.hex")
	if err := p.tc.ElfToHex(ctx, p.cfg.ElfToHexPath, elfPath, hexPath); err != nil {
		return ISAInput{}, RTLInput{}, nil, errors.Wrap(ErrCompileBroken, "elf-to-hex: "+err.Error())
	}

	symbols, err := p.tc.DumpSymbols(ctx, p.cfg.SymbolDumperPath, elfPath)
	if err != nil {
		return ISAInput{}, RTLInput{}, nil, errors.Wrap(ErrCompileBroken, "symbol dump: "+err.Error())
	}
	if err := requireSymbols(symbols, numDataSections); err != nil {
		return ISAInput{}, RTLInput{}, nil, errors.Wrap(ErrCompileBroken, err.Error())
	}

	var rtlIntrPath, isaIntrPath string
	if intr {
		lines := interruptLines(expandedInts, symbols[riscvconst.SymFuzzMain])
		if len(lines) > 0 {
			rtlIntrPath = filepath.Join(iterDir, "rtl.intr")
			isaIntrPath = filepath.Join(iterDir, "isa.intr")
			body := strings.Join(lines, "")
			if err := afero.WriteFile(p.fs, rtlIntrPath, []byte(body), 0o644); err != nil {
				return ISAInput{}, RTLInput{}, nil, errors.Wrap(err, "preprocess: writing rtl interrupt file")
			}
			// ISA interrupt file shares the RTL file's literal content
			// (spec.md §6 scenario 2): both are "<16-hex PC>:<4-bit
			// binary cause>" lines, the ISA side differing only in
			// that its address is read back as an EPC rather than a
			// memory-mapped probe target.
			if err := afero.WriteFile(p.fs, isaIntrPath, []byte(body), 0o644); err != nil {
				return ISAInput{}, RTLInput{}, nil, errors.Wrap(err, "preprocess: writing isa interrupt file")
			}
		}
		// an SI with all-zero ints produces no interrupt file even
		// when intr=true (spec.md §8, boundary (e)).
	}

	maxCycles := riscvconst.DefaultMaxCycles
	if si.Template == riscvconst.TemplateVU {
		maxCycles = riscvconst.VUMaxCycles
	}

	isaIn := ISAInput{ELFPath: elfPath, InterruptFilePath: isaIntrPath}
	rtlIn := RTLInput{
		HexPath:           hexPath,
		InterruptFilePath: rtlIntrPath,
		Data:              data,
		Symbols:           symbols,
		MaxCycles:         maxCycles,
	}
	return isaIn, rtlIn, symbols, nil
}

func (p *Preprocessor) compile(ctx context.Context, si *siinput.SimulationInput, data []uint64, srcPath, elfPath string, intr bool) error {
	args := p.compileArgs(si, data, srcPath, elfPath, intr)
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxCompileRetry; attempt++ {
		err := p.tc.Compile(ctx, p.cfg.CompilerPath, args)
		if err == nil {
			return nil
		}
		if !IsOOMKill(err) {
			return errors.Wrap(ErrCompileBroken, err.Error())
		}
		lastErr = err
		p.log.Warn().Int("attempt", attempt).Msg("preprocess: compiler OOM-killed, retrying")
	}
	return errors.Wrapf(ErrCompileBroken, "compiler repeatedly OOM-killed: %v", lastErr)
}

func (p *Preprocessor) compileArgs(si *siinput.SimulationInput, data []uint64, srcPath, elfPath string, intr bool) []string {
	args := append([]string{}, riscvconst.CompilerBaseArgs...)
	for _, inc := range p.cfg.IncludeDirs {
		args = append(args, "-I", inc)
	}
	args = append(args, "-I", p.cfg.TemplateDir)
	args = append(args, "-T", filepath.Join(p.cfg.TemplateDir, "include", "link.ld"))
	if si.Template == riscvconst.TemplateVU {
		args = append(args, "-std=gnu99", "-O2")
		args = append(args, p.cfg.VMHelperSources...)
		if len(data) > 0 {
			args = append(args, fmt.Sprintf("-DENTROPY=0x%x", uint32(data[0])))
		}
	}
	if intr {
		args = append(args, "-DINTERRUPT")
	}
	args = append(args, "-o", elfPath, srcPath)
	return args
}

// buildAssembly streams the template file for si's template tag,
// splicing SI instructions and data-section contents immediately
// after each marker line (spec.md §4.5 steps 1-4).
func (p *Preprocessor) buildAssembly(si *siinput.SimulationInput, data []uint64, numDataSections int) ([]string, error) {
	templatePath := filepath.Join(p.cfg.TemplateDir, fmt.Sprintf("rv64-%s.S", si.Template.String()))
	raw, err := afero.ReadFile(p.fs, templatePath)
	if err != nil {
		return nil, errors.Wrapf(err, "preprocess: reading template %s", templatePath)
	}

	sectionLen := len(data) / numDataSections
	out := make([]string, 0, len(raw)/8)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		out = append(out, line)
		switch {
		case strings.Contains(line, riscvconst.SymFuzzPrefix+":"):
			out = append(out, si.GetPrefix()...)
		case strings.Contains(line, riscvconst.SymFuzzMain+":"):
			out = append(out, si.GetInsts()...)
		case strings.Contains(line, riscvconst.SymFuzzSuffix+":"):
			out = append(out, injectIllegalFnmadd(p.rng, si.GetSuffix())...)
		default:
			for n := 0; n < numDataSections; n++ {
				marker := fmt.Sprintf(riscvconst.SymRandomDataFm+":", n)
				if strings.Contains(line, marker) {
					out = append(out, dataSectionLines(data[n*sectionLen:(n+1)*sectionLen])...)
					break
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "preprocess: scanning template")
	}
	return out, nil
}

func dataSectionLines(section []uint64) []string {
	lines := make([]string, len(section))
	for i, v := range section {
		lines[i] = fmt.Sprintf(".dword 0x%016x", v)
	}
	return lines
}

// injectIllegalFnmadd precedes an emitted `fnmadd.s` with the raw
// illegal-rounding-mode word 1-in-IllegalFnmaddProbability of the time
// (spec.md §4.5 step 4) — intentional negative-case injection.
func injectIllegalFnmadd(rng *rand.Rand, lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.Contains(l, "fnmadd.s") && rng.Intn(riscvconst.IllegalFnmaddProbability) == 0 {
			out = append(out, fmt.Sprintf(".word 0x%08x", riscvconst.IllegalFnmaddWord))
		}
		out = append(out, l)
	}
	return out
}

// expandInts aligns ints[k] with the k-th emitted MAIN instruction,
// inserting a zero after any `la` pseudo-instruction's entry (spec.md
// §4.5 step 3, §6 scenario 3).
func expandInts(words []*word.Word, ints []uint8) []uint8 {
	expanded := make([]uint8, 0, len(ints))
	k := 0
	for _, w := range words {
		for _, tmpl := range w.Templates {
			if k >= len(ints) {
				break
			}
			expanded = append(expanded, ints[k])
			if tmpl.IsLA {
				expanded = append(expanded, 0)
			}
			k++
		}
	}
	return expanded
}

// interruptLines renders the RTL interrupt file body: one line per
// nonzero ints[k], address fuzzMain+4k as 16 hex digits, cause as a
// 4-bit binary string (spec.md §4.5 step 8, §6 "Interrupt files").
func interruptLines(expandedInts []uint8, fuzzMain uint64) []string {
	var lines []string
	for k, cause := range expandedInts {
		if cause == 0 {
			continue
		}
		addr := fuzzMain + uint64(4*k)
		lines = append(lines, fmt.Sprintf("%016x:%04b\n", addr, cause&0xf))
	}
	return lines
}

func requireSymbols(symbols map[string]uint64, numDataSections int) error {
	required := []string{
		riscvconst.SymFuzzPrefix, riscvconst.SymFuzzMain, riscvconst.SymFuzzSuffix,
		riscvconst.SymStart, riscvconst.SymEndMain, riscvconst.SymBeginSig, riscvconst.SymEndSig,
	}
	for n := 0; n < numDataSections; n++ {
		required = append(required,
			fmt.Sprintf(riscvconst.SymRandomDataFm, n),
			fmt.Sprintf(riscvconst.SymEndDataFm, n),
		)
	}
	var missing []string
	for _, name := range required {
		if _, ok := symbols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required symbols: %s", strings.Join(missing, ", "))
	}
	return nil
}
