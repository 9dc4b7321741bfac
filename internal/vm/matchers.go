package vm

import (
	"fmt"
	"vmdevirt/internal/x86"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/exp/slices"
)

// HandlerClass is the coarse shape of a handler, inferred from how it
// advances vip.
type HandlerClass int

const (
	ClassByteOperand HandlerClass = iota
	ClassWordOperand
	ClassDwordOperand
	ClassQwordOperand
	ClassNoOperand
	ClassUnconditionalBranch
	ClassNoVipChange
)

func (c HandlerClass) String() string {
	switch c {
	case ClassByteOperand:
		return "byte operand"
	case ClassWordOperand:
		return "word operand"
	case ClassDwordOperand:
		return "dword operand"
	case ClassQwordOperand:
		return "qword operand"
	case ClassNoOperand:
		return "no operand"
	case ClassUnconditionalBranch:
		return "unconditional branch"
	case ClassNoVipChange:
		return "no vip change"
	}
	return "UNKNOWN"
}

// Class matches the handler's vip updates against the known shapes.
func (h *Handler) Class(alloc *VmRegisterAllocation) (HandlerClass, error) {
	vip := alloc.native(alloc.Vip)

	fullMovWrites := 0
	for _, ins := range h.Instructions {
		if matchVipFullMovWrite(ins, alloc) {
			fullMovWrites++
		}
	}

	// A handler that reloads vip from memory branches the bytecode stream.
	// rsi/rdi double as string-op registers, so a single full reload of
	// either is not conclusive on its own.
	vipIsStringReg := vip == x86asm.RSI || vip == x86asm.RDI
	if (!vipIsStringReg && fullMovWrites >= 1) || fullMovWrites >= 2 {
		return ClassUnconditionalBranch, nil
	}

	var updates []uint32
	for _, ins := range h.Instructions {
		if imm, ok := matchAddRegImm32(ins, vip); ok {
			updates = append(updates, imm)
			continue
		}
		if imm, ok := matchSubRegImm32(ins, vip); ok {
			updates = append(updates, imm)
		}
	}

	switch {
	case len(updates) == 0:
		return ClassNoVipChange, nil
	case slices.Equal(updates, []uint32{4}):
		return ClassNoOperand, nil
	case slices.Equal(updates, []uint32{1, 4}):
		return ClassByteOperand, nil
	case slices.Equal(updates, []uint32{2, 4}):
		return ClassWordOperand, nil
	case slices.Equal(updates, []uint32{4, 4}):
		return ClassDwordOperand, nil
	case slices.Equal(updates, []uint32{8, 4}):
		return ClassQwordOperand, nil
	}

	return 0, fmt.Errorf("%w: handler at %#x updates vip by %v", ErrUnknownClass, h.Address, updates)
}

// VmOpcode tags a recognized virtual instruction.
type VmOpcode int

const (
	OpUnknown VmOpcode = iota
	OpPop
	OpPush
	OpPushImm16
	OpPushImm32
	OpPushImm64
	OpPushVsp
	OpPopVsp
	OpAdd
	OpShr
	OpNand
	OpNor
	OpFetch
	OpStore
	OpVmExit
	OpUnknownByteOperand
	OpUnknownWordOperand
	OpUnknownDwordOperand
	OpUnknownQwordOperand
	OpUnknownNoOperand
	OpUnknownNoVipChange
)

// VmInstruction is one decoded virtual instruction. Size is in bytes; Slot is
// the scratch-register index of the push/pop forms; Imm carries the immediate
// of the push-immediate forms.
type VmInstruction struct {
	Op   VmOpcode
	Size int
	Slot uint8
	Imm  uint64
}

func (v VmInstruction) String() string {
	switch v.Op {
	case OpUnknown:
		return "unknown handler"
	case OpPop:
		return fmt.Sprintf("pop%d reg%d", v.Size*8, v.Slot)
	case OpPush:
		return fmt.Sprintf("push%d reg%d", v.Size*8, v.Slot)
	case OpPushImm16:
		return fmt.Sprintf("push imm16 %#x", v.Imm)
	case OpPushImm32:
		return fmt.Sprintf("push imm32 %#x", v.Imm)
	case OpPushImm64:
		return fmt.Sprintf("push imm64 %#x", v.Imm)
	case OpPushVsp:
		return fmt.Sprintf("push%d vsp", v.Size*8)
	case OpPopVsp:
		return fmt.Sprintf("pop%d vsp", v.Size*8)
	case OpAdd:
		return fmt.Sprintf("add%d", v.Size*8)
	case OpShr:
		return fmt.Sprintf("shr%d", v.Size*8)
	case OpNand:
		return fmt.Sprintf("nand%d", v.Size*8)
	case OpNor:
		return fmt.Sprintf("nor%d", v.Size*8)
	case OpFetch:
		return fmt.Sprintf("fetch%d", v.Size*8)
	case OpStore:
		return fmt.Sprintf("store%d", v.Size*8)
	case OpVmExit:
		return "vmexit"
	case OpUnknownByteOperand:
		return fmt.Sprintf("unknown byte-operand handler (operand %#x)", v.Imm)
	case OpUnknownWordOperand:
		return fmt.Sprintf("unknown word-operand handler (operand %#x)", v.Imm)
	case OpUnknownDwordOperand:
		return fmt.Sprintf("unknown dword-operand handler (operand %#x)", v.Imm)
	case OpUnknownQwordOperand:
		return fmt.Sprintf("unknown qword-operand handler (operand %#x)", v.Imm)
	case OpUnknownNoOperand:
		return "unknown no-operand handler"
	case OpUnknownNoVipChange:
		return "unknown no-vip-change handler"
	}
	return "UNKNOWN"
}

// fetchFromReg accepts both the mov and the widening movzx load forms.
func fetchFromReg(ins x86.Instruction, reg x86asm.Reg) (x86asm.Reg, int, bool) {
	if size, ok := matchFetchRegAnySize(ins, reg); ok {
		dest, _ := ins.Reg(0)
		return x86.FullRegister(dest), size, true
	}
	if size, ok := matchFetchZxRegAnySize(ins, reg); ok {
		dest, _ := ins.Reg(0)
		return x86.FullRegister(dest), size, true
	}
	return 0, 0, false
}

// matchNoVipChangeInstructions resolves a handler that leaves vip untouched.
// The only known shape is the vm exit: the guest context is restored with
// fifteen 64-bit pops plus a popfq, the native stack comes back from vsp, and
// the handler returns.
func (h *Handler) matchNoVipChangeInstructions(alloc *VmRegisterAllocation) VmInstruction {
	hasRet := false
	hasPopfq := false
	hasStackRestore := false
	pops := 0

	for _, ins := range h.Instructions {
		if matchRet(ins) {
			hasRet = true
		}
		if matchPopfq(ins) {
			hasPopfq = true
		}
		if matchMovRspVsp(ins, alloc) {
			hasStackRestore = true
		}
		if _, ok := matchPopR64(ins); ok {
			pops++
		}
	}

	if hasRet && hasPopfq && hasStackRestore && pops == 15 {
		return VmInstruction{Op: OpVmExit}
	}
	return VmInstruction{Op: OpUnknownNoVipChange}
}

// matchByteOperandInstructions recognizes the scratch-register pop and push,
// whose byte operand selects the register slot.
func (h *Handler) matchByteOperandInstructions(alloc *VmRegisterAllocation, operand uint8) VmInstruction {
	vsp := alloc.native(alloc.Vsp)

	// pop: load from [vsp], then free the slot with add vsp, n.
	for i, ins := range h.Instructions {
		if _, _, ok := fetchFromReg(ins, vsp); ok {
			for _, later := range h.Instructions[i+1:] {
				if amount, ok := matchAddVspGetAmount(later, alloc); ok {
					return VmInstruction{Op: OpPop, Size: int(amount), Slot: operand}
				}
			}
			break
		}
	}

	// push: make room with sub vsp, n, then store to [vsp].
	for i, ins := range h.Instructions {
		if amount, ok := matchSubVspGetAmount(ins, alloc); ok {
			for _, later := range h.Instructions[i+1:] {
				if _, ok := matchStoreRegAnySize(later, vsp); ok {
					return VmInstruction{Op: OpPush, Size: int(amount), Slot: operand}
				}
			}
			break
		}
	}

	return VmInstruction{Op: OpUnknownByteOperand, Imm: uint64(operand)}
}

func (h *Handler) matchWordOperandInstructions(alloc *VmRegisterAllocation, operand uint16) VmInstruction {
	if h.matchPushImm(alloc, 2) {
		return VmInstruction{Op: OpPushImm16, Imm: uint64(operand)}
	}
	return VmInstruction{Op: OpUnknownWordOperand, Imm: uint64(operand)}
}

func (h *Handler) matchDwordOperandInstructions(alloc *VmRegisterAllocation, operand uint32) VmInstruction {
	if h.matchPushImm(alloc, 4) {
		return VmInstruction{Op: OpPushImm32, Imm: uint64(operand)}
	}
	return VmInstruction{Op: OpUnknownDwordOperand, Imm: uint64(operand)}
}

func (h *Handler) matchQwordOperandInstructions(alloc *VmRegisterAllocation, operand uint64) VmInstruction {
	if h.matchPushImm(alloc, 8) {
		return VmInstruction{Op: OpPushImm64, Imm: operand}
	}
	return VmInstruction{Op: OpUnknownQwordOperand, Imm: operand}
}

// matchPushImm matches `sub vsp, width` followed by a store to [vsp].
func (h *Handler) matchPushImm(alloc *VmRegisterAllocation, width uint32) bool {
	vsp := alloc.native(alloc.Vsp)

	for i, ins := range h.Instructions {
		if !matchSubVspBy(ins, alloc, width) {
			continue
		}
		for _, later := range h.Instructions[i+1:] {
			if _, ok := matchStoreRegAnySize(later, vsp); ok {
				return true
			}
		}
		return false
	}
	return false
}

// matchNoOperandInstructions recognizes the stack-machine primitives, in
// fixed order; the first signature that matches wins.
func (h *Handler) matchNoOperandInstructions(alloc *VmRegisterAllocation) VmInstruction {
	if ins, ok := h.matchPushVsp(alloc); ok {
		return ins
	}
	if ins, ok := h.matchPopVsp(alloc); ok {
		return ins
	}
	if ins, ok := h.matchBinaryAlu(alloc); ok {
		return ins
	}
	if ins, ok := h.matchFetchDeref(alloc); ok {
		return ins
	}
	if ins, ok := h.matchStoreDeref(alloc); ok {
		return ins
	}
	return VmInstruction{Op: OpUnknownNoOperand}
}

// matchPushVsp: the current vsp is copied out, room is made, and the copy is
// pushed onto the virtual stack.
func (h *Handler) matchPushVsp(alloc *VmRegisterAllocation) (VmInstruction, bool) {
	vsp := alloc.native(alloc.Vsp)

	for i, ins := range h.Instructions {
		if !matchMovRegSource(ins, vsp) {
			continue
		}
		for j := i + 1; j < len(h.Instructions); j++ {
			amount, ok := matchSubVspGetAmount(h.Instructions[j], alloc)
			if !ok {
				continue
			}
			for _, later := range h.Instructions[j+1:] {
				if _, ok := matchStoreRegAnySize(later, vsp); ok {
					return VmInstruction{Op: OpPushVsp, Size: int(amount)}, true
				}
			}
		}
		return VmInstruction{}, false
	}
	return VmInstruction{}, false
}

// matchPopVsp: the first load from [vsp] writes vsp itself.
func (h *Handler) matchPopVsp(alloc *VmRegisterAllocation) (VmInstruction, bool) {
	vsp := alloc.native(alloc.Vsp)

	for _, ins := range h.Instructions {
		dest, _, ok := fetchFromReg(ins, vsp)
		if !ok {
			continue
		}
		if dest == vsp {
			return VmInstruction{Op: OpPopVsp, Size: 8}, true
		}
		return VmInstruction{}, false
	}
	return VmInstruction{}, false
}

// matchBinaryAlu recognizes the two-operand stack primitives: both operands
// are loaded from the virtual stack, combined, and the flags pushed.
func (h *Handler) matchBinaryAlu(alloc *VmRegisterAllocation) (VmInstruction, bool) {
	vsp := alloc.native(alloc.Vsp)

	firstReg, secondReg := x86asm.Reg(0), x86asm.Reg(0)
	size := 0
	rest := -1

	for i, ins := range h.Instructions {
		reg, fetchSize, ok := fetchFromReg(ins, vsp)
		if !ok {
			continue
		}
		if firstReg == 0 {
			firstReg, size = reg, fetchSize
			continue
		}
		secondReg = reg
		rest = i + 1
		break
	}
	if secondReg == 0 {
		return VmInstruction{}, false
	}

	if idx := indexAfter(h.Instructions, rest, func(ins x86.Instruction) bool {
		return matchAddRegReg(ins, firstReg, secondReg)
	}); idx >= 0 && h.pushfqAfter(idx) {
		return VmInstruction{Op: OpAdd, Size: size}, true
	}

	if idx := indexAfter(h.Instructions, rest, func(ins x86.Instruction) bool {
		return matchShrRegCl(ins, firstReg)
	}); idx >= 0 && h.pushfqAfter(idx) {
		return VmInstruction{Op: OpShr, Size: size}, true
	}

	notFirst := indexAfter(h.Instructions, rest, func(ins x86.Instruction) bool {
		return matchNotReg(ins, firstReg)
	})
	notSecond := indexAfter(h.Instructions, rest, func(ins x86.Instruction) bool {
		return matchNotReg(ins, secondReg)
	})
	if notFirst >= 0 && notSecond >= 0 {
		after := notFirst
		if notSecond > after {
			after = notSecond
		}
		if idx := indexAfter(h.Instructions, after+1, func(ins x86.Instruction) bool {
			return matchOrRegReg(ins, firstReg, secondReg)
		}); idx >= 0 && h.pushfqAfter(idx) {
			return VmInstruction{Op: OpNand, Size: size}, true
		}
		if idx := indexAfter(h.Instructions, after+1, func(ins x86.Instruction) bool {
			return matchAndRegReg(ins, firstReg, secondReg)
		}); idx >= 0 && h.pushfqAfter(idx) {
			return VmInstruction{Op: OpNor, Size: size}, true
		}
	}

	return VmInstruction{}, false
}

// matchFetchDeref: a pointer is popped from the virtual stack and
// dereferenced.
func (h *Handler) matchFetchDeref(alloc *VmRegisterAllocation) (VmInstruction, bool) {
	vsp := alloc.native(alloc.Vsp)

	for i, ins := range h.Instructions {
		pointer, _, ok := fetchFromReg(ins, vsp)
		if !ok {
			continue
		}
		for _, later := range h.Instructions[i+1:] {
			if _, size, ok := fetchFromReg(later, pointer); ok {
				return VmInstruction{Op: OpFetch, Size: size}, true
			}
		}
		return VmInstruction{}, false
	}
	return VmInstruction{}, false
}

// matchStoreDeref: address and value are popped together (add vsp, 0x10) and
// the value is written through the address.
func (h *Handler) matchStoreDeref(alloc *VmRegisterAllocation) (VmInstruction, bool) {
	vsp := alloc.native(alloc.Vsp)

	addrReg, valueReg := x86asm.Reg(0), x86asm.Reg(0)
	rest := -1

	for i, ins := range h.Instructions {
		reg, _, ok := fetchFromReg(ins, vsp)
		if !ok {
			continue
		}
		if addrReg == 0 {
			addrReg = reg
			continue
		}
		valueReg = reg
		rest = i + 1
		break
	}
	if valueReg == 0 {
		return VmInstruction{}, false
	}

	popBoth := indexAfter(h.Instructions, rest, func(ins x86.Instruction) bool {
		return matchAddVspBy(ins, alloc, 0x10)
	})
	if popBoth < 0 {
		return VmInstruction{}, false
	}

	for _, later := range h.Instructions[popBoth+1:] {
		if size, ok := matchStoreReg2InReg1(later, addrReg, valueReg); ok {
			return VmInstruction{Op: OpStore, Size: size}, true
		}
	}
	return VmInstruction{}, false
}

func (h *Handler) pushfqAfter(index int) bool {
	return indexAfter(h.Instructions, index+1, matchPushfq) >= 0
}

func indexAfter(instructions []x86.Instruction, start int, match func(x86.Instruction) bool) int {
	if start < 0 {
		start = 0
	}
	for i := start; i < len(instructions); i++ {
		if match(instructions[i]) {
			return i
		}
	}
	return -1
}
