package vm

import (
	"vmdevirt/internal/x86"

	"golang.org/x/arch/x86/x86asm"
)

// Pattern predicates over a single decoded instruction. They are the whole
// vocabulary the matchers use; nothing downstream inspects opcode bytes
// directly. All register comparisons fold to the 64-bit parent.

// matchFetchEncryptedVip matches `mov vip, [rsp+0x90]`, the vm-entry load of
// the encrypted initial vip from the saved guest context.
func matchFetchEncryptedVip(ins x86.Instruction, alloc *VmRegisterAllocation) bool {
	if ins.Op() != x86asm.MOV {
		return false
	}

	dest, ok := ins.Reg(0)
	if !ok || x86.RegBits(dest) != 64 {
		return false
	}

	mem, ok := ins.Mem(1)
	if !ok {
		return false
	}

	if mem.Base != x86asm.RSP || mem.Disp != 0x90 {
		return false
	}

	return dest == alloc.native(alloc.Vip)
}

// matchFetchVip matches `mov r32, [vip...]`.
func matchFetchVip(ins x86.Instruction, alloc *VmRegisterAllocation) bool {
	if ins.Op() != x86asm.MOV {
		return false
	}

	dest, ok := ins.Reg(0)
	if !ok || x86.RegBits(dest) != 32 {
		return false
	}

	mem, ok := ins.Mem(1)
	if !ok {
		return false
	}

	return x86.FullRegister(mem.Base) == alloc.native(alloc.Vip)
}

// matchPushRollingKey matches `push key`.
func matchPushRollingKey(ins x86.Instruction, alloc *VmRegisterAllocation) bool {
	if ins.Op() != x86asm.PUSH {
		return false
	}

	reg, ok := ins.Reg(0)
	if !ok {
		return false
	}

	return x86.FullRegister(reg) == alloc.native(alloc.Key)
}

// matchXorRollingKeySource matches `xor r, key` at the given width, with the
// key register in the source position.
func matchXorRollingKeySource(ins x86.Instruction, alloc *VmRegisterAllocation, width int) bool {
	return matchXorRollingKey(ins, alloc, width, 1)
}

// matchXorRollingKeyDest matches `xor key, r` at the given width.
func matchXorRollingKeyDest(ins x86.Instruction, alloc *VmRegisterAllocation, width int) bool {
	return matchXorRollingKey(ins, alloc, width, 0)
}

func matchXorRollingKey(ins x86.Instruction, alloc *VmRegisterAllocation, width int, keyOperand int) bool {
	if ins.Op() != x86asm.XOR {
		return false
	}

	first, ok := ins.Reg(0)
	if !ok {
		return false
	}
	second, ok := ins.Reg(1)
	if !ok {
		return false
	}

	if x86.RegBits(first) != width || x86.RegBits(second) != width {
		return false
	}

	keyReg := first
	if keyOperand == 1 {
		keyReg = second
	}
	return x86.FullRegister(keyReg) == alloc.native(alloc.Key)
}

// matchFetchRegAnySize matches `mov r, [reg(+disp)?]` and returns the operand
// size in bytes.
func matchFetchRegAnySize(ins x86.Instruction, reg x86asm.Reg) (int, bool) {
	if ins.Op() != x86asm.MOV {
		return 0, false
	}

	dest, ok := ins.Reg(0)
	if !ok {
		return 0, false
	}

	mem, ok := ins.Mem(1)
	if !ok {
		return 0, false
	}

	if x86.FullRegister(mem.Base) != x86.FullRegister(reg) {
		return 0, false
	}

	return x86.RegBits(dest) / 8, true
}

// matchFetchZxRegAnySize matches `movzx r, byte/word [reg...]` and returns the
// memory operand size in bytes.
func matchFetchZxRegAnySize(ins x86.Instruction, reg x86asm.Reg) (int, bool) {
	if ins.Op() != x86asm.MOVZX {
		return 0, false
	}

	if _, ok := ins.Reg(0); !ok {
		return 0, false
	}

	mem, ok := ins.Mem(1)
	if !ok {
		return 0, false
	}

	if x86.FullRegister(mem.Base) != x86.FullRegister(reg) {
		return 0, false
	}

	return ins.Inst.MemBytes, true
}

// matchStoreRegAnySize matches `mov [reg...], r` and returns the operand size
// in bytes.
func matchStoreRegAnySize(ins x86.Instruction, reg x86asm.Reg) (int, bool) {
	if ins.Op() != x86asm.MOV {
		return 0, false
	}

	mem, ok := ins.Mem(0)
	if !ok {
		return 0, false
	}

	src, ok := ins.Reg(1)
	if !ok {
		return 0, false
	}

	if x86.FullRegister(mem.Base) != x86.FullRegister(reg) {
		return 0, false
	}

	return x86.RegBits(src) / 8, true
}

// matchStoreReg2InReg1 matches `mov [r1], r2` and returns the store size.
func matchStoreReg2InReg1(ins x86.Instruction, r1, r2 x86asm.Reg) (int, bool) {
	size, ok := matchStoreRegAnySize(ins, r1)
	if !ok {
		return 0, false
	}

	src, _ := ins.Reg(1)
	if x86.FullRegister(src) != x86.FullRegister(r2) {
		return 0, false
	}

	return size, true
}

// matchAddRegImm32 matches the imm32 form `add r64, imm32` against the given
// 64-bit register and returns the immediate. The imm8 form is deliberately
// not matched; the protector's vip and vsp adjustments use the long form.
func matchAddRegImm32(ins x86.Instruction, reg x86asm.Reg) (uint32, bool) {
	return matchArithRegImm32(ins, x86asm.ADD, reg)
}

func matchSubRegImm32(ins x86.Instruction, reg x86asm.Reg) (uint32, bool) {
	return matchArithRegImm32(ins, x86asm.SUB, reg)
}

func matchArithRegImm32(ins x86.Instruction, op x86asm.Op, reg x86asm.Reg) (uint32, bool) {
	if ins.Op() != op || ins.OpcodeByte() != 0x81 {
		return 0, false
	}

	dest, ok := ins.Reg(0)
	if !ok || x86.RegBits(dest) != 64 {
		return 0, false
	}

	if dest != reg {
		return 0, false
	}

	imm, ok := ins.Imm(1)
	if !ok {
		return 0, false
	}

	return uint32(imm), true
}

func matchAddVspGetAmount(ins x86.Instruction, alloc *VmRegisterAllocation) (uint32, bool) {
	return matchAddRegImm32(ins, alloc.native(alloc.Vsp))
}

func matchSubVspGetAmount(ins x86.Instruction, alloc *VmRegisterAllocation) (uint32, bool) {
	return matchSubRegImm32(ins, alloc.native(alloc.Vsp))
}

func matchAddVspBy(ins x86.Instruction, alloc *VmRegisterAllocation, amount uint32) bool {
	imm, ok := matchAddVspGetAmount(ins, alloc)
	return ok && imm == amount
}

func matchSubVspBy(ins x86.Instruction, alloc *VmRegisterAllocation, amount uint32) bool {
	imm, ok := matchSubVspGetAmount(ins, alloc)
	return ok && imm == amount
}

// matchMovRegSource matches a register-to-register `mov` whose source is reg.
func matchMovRegSource(ins x86.Instruction, reg x86asm.Reg) bool {
	if ins.Op() != x86asm.MOV {
		return false
	}

	if _, ok := ins.Reg(0); !ok {
		return false
	}

	src, ok := ins.Reg(1)
	if !ok {
		return false
	}

	return x86.FullRegister(src) == x86.FullRegister(reg)
}

func matchNotReg(ins x86.Instruction, reg x86asm.Reg) bool {
	if ins.Op() != x86asm.NOT {
		return false
	}

	dest, ok := ins.Reg(0)
	if !ok {
		return false
	}

	return x86.FullRegister(dest) == x86.FullRegister(reg)
}

// matchShrRegCl matches `shr reg, cl`.
func matchShrRegCl(ins x86.Instruction, reg x86asm.Reg) bool {
	if ins.Op() != x86asm.SHR {
		return false
	}

	dest, ok := ins.Reg(0)
	if !ok || x86.FullRegister(dest) != x86.FullRegister(reg) {
		return false
	}

	count, ok := ins.Reg(1)
	return ok && count == x86asm.CL
}

// matchRegRegOp matches a two-register instruction of the given op against
// r1/r2 in either operand order.
func matchRegRegOp(ins x86.Instruction, op x86asm.Op, r1, r2 x86asm.Reg) bool {
	if ins.Op() != op {
		return false
	}

	first, ok := ins.Reg(0)
	if !ok {
		return false
	}
	second, ok := ins.Reg(1)
	if !ok {
		return false
	}

	a := x86.FullRegister(first)
	b := x86.FullRegister(second)
	return (a == x86.FullRegister(r1) && b == x86.FullRegister(r2)) ||
		(a == x86.FullRegister(r2) && b == x86.FullRegister(r1))
}

func matchOrRegReg(ins x86.Instruction, r1, r2 x86asm.Reg) bool {
	return matchRegRegOp(ins, x86asm.OR, r1, r2)
}

func matchAndRegReg(ins x86.Instruction, r1, r2 x86asm.Reg) bool {
	return matchRegRegOp(ins, x86asm.AND, r1, r2)
}

func matchAddRegReg(ins x86.Instruction, r1, r2 x86asm.Reg) bool {
	return matchRegRegOp(ins, x86asm.ADD, r1, r2)
}

func matchPushfq(ins x86.Instruction) bool {
	return ins.Op() == x86asm.PUSHF || ins.Op() == x86asm.PUSHFQ
}

func matchPopfq(ins x86.Instruction) bool {
	return ins.Op() == x86asm.POPF || ins.Op() == x86asm.POPFQ
}

func matchRet(ins x86.Instruction) bool {
	return ins.Op() == x86asm.RET
}

// matchPushR64 matches `push r64`.
func matchPushR64(ins x86.Instruction) (x86asm.Reg, bool) {
	if ins.Op() != x86asm.PUSH {
		return 0, false
	}

	reg, ok := ins.Reg(0)
	if !ok || !x86.IsGPR64(reg) {
		return 0, false
	}

	return reg, true
}

// matchPopR64 matches `pop r64`.
func matchPopR64(ins x86.Instruction) (x86asm.Reg, bool) {
	if ins.Op() != x86asm.POP {
		return 0, false
	}

	reg, ok := ins.Reg(0)
	if !ok || !x86.IsGPR64(reg) {
		return 0, false
	}

	return reg, true
}

// matchMovRspVsp matches `mov rsp, vsp`, the stack restore of a vm exit.
func matchMovRspVsp(ins x86.Instruction, alloc *VmRegisterAllocation) bool {
	if ins.Op() != x86asm.MOV {
		return false
	}

	dest, ok := ins.Reg(0)
	if !ok || dest != x86asm.RSP {
		return false
	}

	src, ok := ins.Reg(1)
	if !ok {
		return false
	}

	return x86.FullRegister(src) == alloc.native(alloc.Vsp)
}

// matchVipFullMovWrite matches `mov r64, r/m64` writing the full vip.
func matchVipFullMovWrite(ins x86.Instruction, alloc *VmRegisterAllocation) bool {
	if ins.Op() != x86asm.MOV {
		return false
	}

	dest, ok := ins.Reg(0)
	if !ok || x86.RegBits(dest) != 64 {
		return false
	}

	if _, isImm := ins.Imm(1); isImm {
		return false
	}

	return x86.RegWrittenFull(ins, alloc.native(alloc.Vip))
}
