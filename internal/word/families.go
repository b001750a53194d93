package word

import "github.com/amyuch/processorfuzz/internal/riscvconst"

// defaultFamilies is the instruction grammar: prefix instructions
// establish CSR/control state and load base addresses, main
// instructions are the body under test, suffix instructions perform
// the exit protocol and signature store (spec.md §4.1).
var defaultFamilies = []Family{
	// --- prefix: CSR setup, base-address loads ---
	{
		ID: 1, Name: "csr-write-imm", Segment: riscvconst.SegmentPrefix,
		Insts: []InstTemplate{
			{Asm: "csrwi mstatus, %imm%", Placeholders: []Placeholder{
				{Name: "imm", Kind: PlaceholderImm, Bits: 5, Signed: false},
			}},
		},
	},
	{
		ID: 2, Name: "load-address-pair", Segment: riscvconst.SegmentPrefix,
		Insts: []InstTemplate{
			{Asm: "la %rd%, d_0_0", IsLA: true, Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
			}},
			{Asm: "addi %rd2%, %rd%, 0", Placeholders: []Placeholder{
				{Name: "rd2", Kind: PlaceholderReg},
				{Name: "rd", Kind: PlaceholderReg},
			}},
		},
		Clobbers: []string{"rd", "rd2"},
	},
	{
		ID: 3, Name: "set-exception-vector", Segment: riscvconst.SegmentPrefix,
		Insts: []InstTemplate{
			{Asm: "la %rd%, trap_vector", IsLA: true, Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
			}},
			{Asm: "csrw mtvec, %rd%", Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
			}},
		},
	},

	// --- main: arithmetic/logical/memory/branch body under test ---
	{
		ID: 10, Name: "add", Segment: riscvconst.SegmentMain,
		Insts: []InstTemplate{
			{Asm: "add %rd%, %rs1%, %rs2%", Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
				{Name: "rs1", Kind: PlaceholderReg},
				{Name: "rs2", Kind: PlaceholderReg},
			}},
		},
		Clobbers: []string{"rd"},
	},
	{
		ID: 11, Name: "addi", Segment: riscvconst.SegmentMain,
		Insts: []InstTemplate{
			{Asm: "addi %rd%, %rs1%, %imm%", Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
				{Name: "rs1", Kind: PlaceholderReg},
				{Name: "imm", Kind: PlaceholderImm, Bits: 12, Signed: true},
			}},
		},
		Clobbers: []string{"rd"},
	},
	{
		ID: 12, Name: "xor-shift", Segment: riscvconst.SegmentMain,
		Insts: []InstTemplate{
			{Asm: "xor %rd%, %rs1%, %rs2%", Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
				{Name: "rs1", Kind: PlaceholderReg},
				{Name: "rs2", Kind: PlaceholderReg},
			}},
			{Asm: "srli %rd%, %rd%, %shamt%", Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
				{Name: "shamt", Kind: PlaceholderImm, Bits: 6, Signed: false},
			}},
		},
		Clobbers: []string{"rd"},
	},
	{
		ID: 13, Name: "load-store-pair", Segment: riscvconst.SegmentMain,
		Insts: []InstTemplate{
			{Asm: "la %rd%, d_0_0", IsLA: true, Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
			}},
			{Asm: "ld %rs2%, 0(%rd%)", Placeholders: []Placeholder{
				{Name: "rs2", Kind: PlaceholderReg},
				{Name: "rd", Kind: PlaceholderReg},
			}},
			{Asm: "sd %rs2%, 8(%rd%)", Placeholders: []Placeholder{
				{Name: "rs2", Kind: PlaceholderReg},
				{Name: "rd", Kind: PlaceholderReg},
			}},
		},
		Clobbers: []string{"rs2"},
	},
	{
		ID: 14, Name: "branch-local", Segment: riscvconst.SegmentMain,
		Insts: []InstTemplate{
			{Asm: "bne %rs1%, %rs2%, %label%", Placeholders: []Placeholder{
				{Name: "rs1", Kind: PlaceholderReg},
				{Name: "rs2", Kind: PlaceholderReg},
				{Name: "label", Kind: PlaceholderLabel},
			}},
		},
	},
	{
		ID: 15, Name: "mul-div", Segment: riscvconst.SegmentMain,
		Insts: []InstTemplate{
			{Asm: "mulh %rd%, %rs1%, %rs2%", Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
				{Name: "rs1", Kind: PlaceholderReg},
				{Name: "rs2", Kind: PlaceholderReg},
			}},
			{Asm: "remu %rd%, %rd%, %rs2%", Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
				{Name: "rs2", Kind: PlaceholderReg},
			}},
		},
		Clobbers: []string{"rd"},
	},
	{
		ID: 16, Name: "fp-madd", Segment: riscvconst.SegmentMain,
		Insts: []InstTemplate{
			{Asm: "fmadd.s %fd%, %fs1%, %fs2%, %fs3%", Placeholders: []Placeholder{
				{Name: "fd", Kind: PlaceholderReg},
				{Name: "fs1", Kind: PlaceholderReg},
				{Name: "fs2", Kind: PlaceholderReg},
				{Name: "fs3", Kind: PlaceholderReg},
			}},
		},
	},

	// --- suffix: exit protocol and signature store ---
	{
		ID: 20, Name: "store-signature", Segment: riscvconst.SegmentSuffix,
		Insts: []InstTemplate{
			{Asm: "la %rd%, begin_signature", IsLA: true, Placeholders: []Placeholder{
				{Name: "rd", Kind: PlaceholderReg},
			}},
			{Asm: "sd %rs2%, 0(%rd%)", Placeholders: []Placeholder{
				{Name: "rs2", Kind: PlaceholderReg},
				{Name: "rd", Kind: PlaceholderReg},
			}},
		},
	},
	{
		ID: 21, Name: "negative-fnmadd", Segment: riscvconst.SegmentSuffix,
		Insts: []InstTemplate{
			{Asm: "fnmadd.s %fd%, %fs1%, %fs2%, %fs3%", Placeholders: []Placeholder{
				{Name: "fd", Kind: PlaceholderReg},
				{Name: "fs1", Kind: PlaceholderReg},
				{Name: "fs2", Kind: PlaceholderReg},
				{Name: "fs3", Kind: PlaceholderReg},
			}},
		},
	},
	{
		ID: 22, Name: "exit-protocol", Segment: riscvconst.SegmentSuffix,
		Insts: []InstTemplate{
			{Asm: "li a0, 1"},
			{Asm: "la t0, tohost", IsLA: true},
			{Asm: "sd a0, 0(t0)"},
		},
	},
}
