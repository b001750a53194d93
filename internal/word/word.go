// Package word implements the instruction grammar and word generator
// (spec.md §4.1): a tagged-variant catalogue of legal RISC-V
// instruction families per segment, and the operations that turn one
// family into a populated Word.
//
// Dynamic dispatch over instruction families is deliberately avoided
// (spec.md §9, "Dynamic dispatch over instruction families"): each
// family is a plain data record and population is one function over
// the family's placeholder list, which keeps generation a pure
// function of a seeded random source.
package word

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/amyuch/processorfuzz/internal/riscvconst"
)

// PlaceholderKind tags what an operand slot resolves to.
type PlaceholderKind uint8

const (
	// PlaceholderReg resolves to a general-purpose register name.
	PlaceholderReg PlaceholderKind = iota
	// PlaceholderImm resolves to a signed or unsigned immediate of a
	// fixed bit width.
	PlaceholderImm
	// PlaceholderLabel resolves to a same-segment jump/branch target.
	PlaceholderLabel
)

// Placeholder describes one operand slot inside an instruction
// template.
type Placeholder struct {
	Name   string // token inside Asm, e.g. "rd"
	Kind   PlaceholderKind
	Bits   uint8 // immediate width; ignored for non-immediates
	Signed bool  // immediate signedness; ignored for non-immediates
}

// InstTemplate is one assembly line with `%name%` tokens that must be
// resolved before it is legal to emit.
type InstTemplate struct {
	Asm          string
	Placeholders []Placeholder
	// IsLA marks the `la reg, label` pseudo-instruction, which the
	// assembler expands into two real instructions (auipc+ld or
	// lui+addi depending on the linker relaxation). The Preprocessor
	// needs to know this to keep the `ints` interrupt vector aligned
	// with emitted instructions (spec.md §4.5 step 3).
	IsLA bool
}

// Family is one instruction group: the template lines a Word is built
// from, which segment it is legal in, and which registers it leaves
// dirty.
type Family struct {
	ID       uint16
	Name     string
	Segment  riscvconst.Segment
	Insts    []InstTemplate
	Clobbers []string
}

// ReservedRegisters are never chosen as a fresh destination/source
// register: x0 is hard-wired to zero, x2 is the stack pointer, and x1
// is the link register (unsafe to clobber outside the suffix's exit
// sequence).
var ReservedRegisters = map[string]bool{
	"x0": true, "x1": true, "x2": true,
}

// allGPRegs lists the 29 general-purpose registers a Word may pick
// from once reserved registers are excluded.
var allGPRegs = buildGPRegs()

func buildGPRegs() []string {
	regs := make([]string, 0, 32)
	for i := 0; i < 32; i++ {
		name := fmt.Sprintf("x%d", i)
		if ReservedRegisters[name] {
			continue
		}
		regs = append(regs, name)
	}
	return regs
}

// Word is a self-contained instruction group: one or more related
// instructions that are generated, mutated, and verified as a single
// unit (spec.md §3). A Word is constructed unfilled, populated exactly
// once, and is otherwise immutable — mutating it means building a new
// Word.
type Word struct {
	Segment   riscvconst.Segment
	FamilyID  uint16
	FamilyKey string
	Templates []InstTemplate
	// Operands holds, per instruction, the resolved operand vector in
	// template placeholder order. Values are stored as the raw u32
	// the on-disk format uses (register index, immediate bit pattern,
	// or label index).
	Operands  [][]uint32
	Populated bool
	// Emitted is the concrete assembly produced at population time,
	// one string per instruction (an `la` pseudo counts as a single
	// entry here; the Preprocessor is responsible for the post-
	// assembly instruction-count expansion).
	Emitted []string
}

// LenInsts is the number of concrete instructions this Word will emit
// once populated (before `la` expansion).
func (w *Word) LenInsts() int {
	return len(w.Templates)
}

// Generator draws instruction families for each segment. It holds no
// mutable state beyond the registries built at init time, so a single
// Generator is safe to share across fuzz workers.
type Generator struct {
	bySegment map[riscvconst.Segment][]Family
}

// NewGenerator builds the default instruction grammar.
func NewGenerator() *Generator {
	g := &Generator{bySegment: map[riscvconst.Segment][]Family{}}
	for _, f := range defaultFamilies {
		g.bySegment[f.Segment] = append(g.bySegment[f.Segment], f)
	}
	return g
}

// GetWord selects a family uniformly at random for the given segment
// and returns an unpopulated Word.
func (g *Generator) GetWord(rng *rand.Rand, segment riscvconst.Segment) (*Word, error) {
	families := g.bySegment[segment]
	if len(families) == 0 {
		return nil, fmt.Errorf("word: no instruction families registered for segment %s", segment)
	}
	f := families[rng.Intn(len(families))]
	return &Word{
		Segment:   segment,
		FamilyID:  f.ID,
		FamilyKey: f.Name,
		Templates: append([]InstTemplate(nil), f.Insts...),
		Operands:  make([][]uint32, len(f.Insts)),
	}, nil
}

// GetWordByID rebuilds an unpopulated Word for a known family id, used
// when deserializing a Simulation Input from disk.
func (g *Generator) GetWordByID(segment riscvconst.Segment, id uint16) (*Word, error) {
	for _, f := range g.bySegment[segment] {
		if f.ID == id {
			return &Word{
				Segment:   segment,
				FamilyID:  f.ID,
				FamilyKey: f.Name,
				Templates: append([]InstTemplate(nil), f.Insts...),
				Operands:  make([][]uint32, len(f.Insts)),
			}, nil
		}
	}
	return nil, fmt.Errorf("word: unknown family id %d in segment %s", id, segment)
}

// PopulateWord resolves every placeholder in word, given the maximum
// label index legal for a jump/branch inside this segment. Populating
// an already-populated Word is a no-op (spec.md §8, idempotence).
func (g *Generator) PopulateWord(rng *rand.Rand, w *Word, maxLabel int) {
	if w.Populated {
		return
	}
	emitted := make([]string, 0, len(w.Templates))
	for i, tmpl := range w.Templates {
		operands := make([]uint32, len(tmpl.Placeholders))
		asm := tmpl.Asm
		for j, ph := range tmpl.Placeholders {
			var value uint32
			var rendered string
			switch ph.Kind {
			case PlaceholderReg:
				idx := rng.Intn(len(allGPRegs))
				value = uint32(idx)
				rendered = allGPRegs[idx]
			case PlaceholderImm:
				value, rendered = randomImmediate(rng, ph.Bits, ph.Signed)
			case PlaceholderLabel:
				label := 0
				if maxLabel > 0 {
					label = rng.Intn(maxLabel + 1)
				}
				value = uint32(label)
				rendered = fmt.Sprintf("%s_lbl_%d", w.Segment, label)
			}
			operands[j] = value
			asm = strings.ReplaceAll(asm, "%"+ph.Name+"%", rendered)
		}
		w.Operands[i] = operands
		emitted = append(emitted, asm)
	}
	w.Emitted = emitted
	w.Populated = true
}

// randomImmediate draws a value in the legal range for a bit width
// and signedness, returning both the raw bit pattern (for the on-disk
// operand vector) and its decimal rendering for assembly text.
func randomImmediate(rng *rand.Rand, bits uint8, signed bool) (uint32, string) {
	if bits == 0 || bits > 32 {
		bits = 12
	}
	span := uint32(1) << bits
	raw := uint32(rng.Int63n(int64(span)))
	if !signed {
		return raw, fmt.Sprintf("%d", raw)
	}
	half := span / 2
	signedVal := int64(raw)
	if raw >= half {
		signedVal = int64(raw) - int64(span)
	}
	return raw, fmt.Sprintf("%d", signedVal)
}

// RenderFromOperands re-derives Emitted from a Word's already-resolved
// Operands, without drawing any new randomness. This is what Load uses
// to reconstruct assembly text after deserializing a Simulation Input,
// so that a save-then-load round trip reproduces identical output
// without re-running the RNG.
func RenderFromOperands(w *Word) {
	emitted := make([]string, 0, len(w.Templates))
	for i, tmpl := range w.Templates {
		asm := tmpl.Asm
		ops := w.Operands[i]
		for j, ph := range tmpl.Placeholders {
			if j >= len(ops) {
				break
			}
			value := ops[j]
			var rendered string
			switch ph.Kind {
			case PlaceholderReg:
				if int(value) < len(allGPRegs) {
					rendered = allGPRegs[value]
				} else {
					rendered = fmt.Sprintf("x%d", value)
				}
			case PlaceholderImm:
				rendered = renderImmediate(value, ph.Bits, ph.Signed)
			case PlaceholderLabel:
				rendered = fmt.Sprintf("%s_lbl_%d", w.Segment, value)
			}
			asm = strings.ReplaceAll(asm, "%"+ph.Name+"%", rendered)
		}
		emitted = append(emitted, asm)
	}
	w.Emitted = emitted
}

func renderImmediate(raw uint32, bits uint8, signed bool) string {
	if !signed {
		return fmt.Sprintf("%d", raw)
	}
	if bits == 0 || bits > 32 {
		bits = 12
	}
	span := uint32(1) << bits
	half := span / 2
	signedVal := int64(raw)
	if raw >= half {
		signedVal = int64(raw) - int64(span)
	}
	return fmt.Sprintf("%d", signedVal)
}

// Families returns a copy of the registered families for a segment,
// primarily so the Mutator can look family metadata up by id without
// reaching into Generator internals.
func (g *Generator) Families(segment riscvconst.Segment) []Family {
	return append([]Family(nil), g.bySegment[segment]...)
}
