// Package x86 decodes 64-bit instructions out of a mapped image and answers
// the register-level questions the handler matchers ask of them.
package x86

import (
	"fmt"
	"vmdevirt/internal/common"

	"golang.org/x/arch/x86/x86asm"
)

// Instructions are decoded out of a fixed lookahead window, the longest legal
// instruction being 15 bytes.
const lookaheadWindow = 16

type Instruction struct {
	Addr uint64
	Len  int
	Inst x86asm.Inst
}

// DecodeAt decodes the single instruction at va.
func DecodeAt(reader common.ByteReader, va uint64) (Instruction, error) {
	window, err := reader.BytesAt(va, lookaheadWindow)
	if err != nil {
		return Instruction{}, err
	}

	inst, err := x86asm.Decode(window, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: no valid instruction at %#x. %v",
			common.ErrUnreadable, va, err)
	}

	return Instruction{Addr: va, Len: inst.Len, Inst: inst}, nil
}

func (ins Instruction) Op() x86asm.Op {
	return ins.Inst.Op
}

// Reg returns the n-th operand if it is a register.
func (ins Instruction) Reg(n int) (x86asm.Reg, bool) {
	reg, ok := ins.Inst.Args[n].(x86asm.Reg)
	return reg, ok
}

// Mem returns the n-th operand if it is a memory reference.
func (ins Instruction) Mem(n int) (x86asm.Mem, bool) {
	mem, ok := ins.Inst.Args[n].(x86asm.Mem)
	return mem, ok
}

// Imm returns the n-th operand if it is an immediate, sign-extended to 64 bits.
func (ins Instruction) Imm(n int) (int64, bool) {
	imm, ok := ins.Inst.Args[n].(x86asm.Imm)
	return int64(imm), ok
}

// BranchTarget resolves a rel8/rel32 branch operand to its absolute target.
func (ins Instruction) BranchTarget() (uint64, bool) {
	rel, ok := ins.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uint64(int64(ins.Addr) + int64(ins.Len) + int64(rel)), true
}

// MemDisplacement returns the displacement of the n-th operand, with
// RIP-relative references resolved to the absolute target address.
func (ins Instruction) MemDisplacement(n int) (uint64, bool) {
	mem, ok := ins.Mem(n)
	if !ok {
		return 0, false
	}
	if mem.Base == x86asm.RIP {
		return uint64(int64(ins.Addr) + int64(ins.Len) + mem.Disp), true
	}
	return uint64(mem.Disp), true
}

// OpcodeByte is the primary opcode byte of the decoded encoding, used to tell
// apart imm8 and imm32 forms that share a mnemonic.
func (ins Instruction) OpcodeByte() byte {
	return byte(ins.Inst.Opcode >> 24)
}

// FullRegister folds any 8/16/32-bit register down to its 64-bit parent.
// Registers without a 64-bit parent are returned unchanged.
func FullRegister(reg x86asm.Reg) x86asm.Reg {
	switch {
	case reg >= x86asm.RAX && reg <= x86asm.R15:
		return reg
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		return x86asm.RAX + (reg - x86asm.EAX)
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		return x86asm.RAX + (reg - x86asm.AX)
	case reg >= x86asm.AL && reg <= x86asm.BL:
		return x86asm.RAX + (reg - x86asm.AL)
	case reg >= x86asm.AH && reg <= x86asm.BH:
		return x86asm.RAX + (reg - x86asm.AH)
	case reg >= x86asm.SPB && reg <= x86asm.DIB:
		return x86asm.RSP + (reg - x86asm.SPB)
	case reg >= x86asm.R8B && reg <= x86asm.R15B:
		return x86asm.R8 + (reg - x86asm.R8B)
	}
	return reg
}

// RegBits is the width of a general-purpose register in bits, or 0.
func RegBits(reg x86asm.Reg) int {
	switch {
	case reg >= x86asm.RAX && reg <= x86asm.R15:
		return 64
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		return 32
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		return 16
	case reg >= x86asm.AL && reg <= x86asm.R15B:
		return 8
	}
	return 0
}

func IsGPR64(reg x86asm.Reg) bool {
	return reg >= x86asm.RAX && reg <= x86asm.R15
}

// RegWrittenFull reports whether the instruction writes the 64-bit parent of
// reg, through any explicit destination or implicit stack-pointer update.
func RegWrittenFull(ins Instruction, reg x86asm.Reg) bool {
	if reg == 0 {
		return false
	}
	target := FullRegister(reg)
	for _, written := range writtenRegs(ins.Inst) {
		if FullRegister(written) == target {
			return true
		}
	}
	return false
}

func writtenRegs(inst x86asm.Inst) []x86asm.Reg {
	var regs []x86asm.Reg
	appendDest := func(n int) {
		if reg, ok := inst.Args[n].(x86asm.Reg); ok {
			regs = append(regs, reg)
		}
	}

	switch inst.Op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD, x86asm.LEA,
		x86asm.ADD, x86asm.SUB, x86asm.XOR, x86asm.AND, x86asm.OR,
		x86asm.ADC, x86asm.SBB, x86asm.NOT, x86asm.NEG, x86asm.INC, x86asm.DEC,
		x86asm.ROL, x86asm.ROR, x86asm.RCL, x86asm.RCR,
		x86asm.SHL, x86asm.SHR, x86asm.SAR,
		x86asm.BSWAP, x86asm.IMUL:
		appendDest(0)
	case x86asm.XCHG, x86asm.XADD:
		appendDest(0)
		appendDest(1)
	case x86asm.POP:
		appendDest(0)
		regs = append(regs, x86asm.RSP)
	case x86asm.PUSH, x86asm.PUSHF, x86asm.PUSHFQ, x86asm.POPF, x86asm.POPFQ,
		x86asm.CALL, x86asm.RET:
		regs = append(regs, x86asm.RSP)
	}

	return regs
}

// ToNative maps a virtual register role onto the decoder's 64-bit register.
func ToNative(reg common.VirtualReg) x86asm.Reg {
	switch reg {
	case common.Rax:
		return x86asm.RAX
	case common.Rbx:
		return x86asm.RBX
	case common.Rcx:
		return x86asm.RCX
	case common.Rdx:
		return x86asm.RDX
	case common.Rsi:
		return x86asm.RSI
	case common.Rdi:
		return x86asm.RDI
	case common.Rsp:
		return x86asm.RSP
	case common.Rbp:
		return x86asm.RBP
	case common.R8:
		return x86asm.R8
	case common.R9:
		return x86asm.R9
	case common.R10:
		return x86asm.R10
	case common.R11:
		return x86asm.R11
	case common.R12:
		return x86asm.R12
	case common.R13:
		return x86asm.R13
	case common.R14:
		return x86asm.R14
	case common.R15:
		return x86asm.R15
	}
	return 0
}

// FromNative maps a 64-bit native register back to its virtual role name.
func FromNative(reg x86asm.Reg) (common.VirtualReg, bool) {
	switch FullRegister(reg) {
	case x86asm.RAX:
		return common.Rax, true
	case x86asm.RBX:
		return common.Rbx, true
	case x86asm.RCX:
		return common.Rcx, true
	case x86asm.RDX:
		return common.Rdx, true
	case x86asm.RSI:
		return common.Rsi, true
	case x86asm.RDI:
		return common.Rdi, true
	case x86asm.RSP:
		return common.Rsp, true
	case x86asm.RBP:
		return common.Rbp, true
	case x86asm.R8:
		return common.R8, true
	case x86asm.R9:
		return common.R9, true
	case x86asm.R10:
		return common.R10, true
	case x86asm.R11:
		return common.R11, true
	case x86asm.R12:
		return common.R12, true
	case x86asm.R13:
		return common.R13, true
	case x86asm.R14:
		return common.R14, true
	case x86asm.R15:
		return common.R15, true
	}
	return 0, false
}
