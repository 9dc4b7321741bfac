package vm

import (
	"fmt"
	"vmdevirt/internal/common"
	"vmdevirt/internal/x86"

	"golang.org/x/arch/x86/x86asm"
)

// A handler growing past this bound means a preceding classification went
// wrong and the reader is walking unrelated code.
const maxHandlerInstructions = 4096

// Handler is the flattened instruction list of one virtual-opcode handler:
// intra-handler rel32 jumps are followed in place (a rel8 jmp is kept in the
// list and stepped over), and the list ends at the
// ret or indirect jump that transfers to the dispatcher.
type Handler struct {
	Address      uint64
	Instructions []x86.Instruction
}

// ReadHandler disassembles the handler starting at address.
func ReadHandler(reader common.ByteReader, address uint64) (*Handler, error) {
	handler := &Handler{Address: address}
	cursor := address

	for {
		if len(handler.Instructions) >= maxHandlerInstructions {
			return nil, fmt.Errorf("%w: handler at %#x passed %d instructions",
				ErrHandlerTooLong, address, maxHandlerInstructions)
		}

		ins, err := x86.DecodeAt(reader, cursor)
		if err != nil {
			return nil, fmt.Errorf("unable to read handler at %#x. %w", address, err)
		}

		switch {
		case ins.Op() == x86asm.RET:
			handler.Instructions = append(handler.Instructions, ins)
			return handler, nil
		case ins.Op() == x86asm.JMP:
			if target, ok := ins.BranchTarget(); ok && ins.OpcodeByte() == 0xe9 {
				// Direct rel32 jump: keep flattening, drop the jump itself.
				cursor = target
				continue
			}
			if _, indirect := ins.Reg(0); indirect {
				// Indirect jump into the dispatcher terminates the handler.
				handler.Instructions = append(handler.Instructions, ins)
				return handler, nil
			}
			if _, mem := ins.Mem(0); mem {
				handler.Instructions = append(handler.Instructions, ins)
				return handler, nil
			}
			handler.Instructions = append(handler.Instructions, ins)
			cursor += uint64(ins.Len)
		default:
			handler.Instructions = append(handler.Instructions, ins)
			cursor += uint64(ins.Len)
		}
	}
}

// registerAllocation infers which native register plays each virtual role
// from the shape of the vm-entry handler.
func (h *Handler) registerAllocation() (VmRegisterAllocation, error) {
	var alloc VmRegisterAllocation

	// The dispatch register is the operand of the terminal `jmp r64`, or of
	// the last `push r64` when the handler dispatches through `ret`.
	last := h.Instructions[len(h.Instructions)-1]
	var handlerAddrReg x86asm.Reg
	if last.Op() == x86asm.JMP {
		reg, ok := last.Reg(0)
		if !ok {
			return alloc, fmt.Errorf("%w: terminal jmp has no register operand", ErrAmbiguousAllocation)
		}
		handlerAddrReg = reg
	} else {
		found := false
		for i := len(h.Instructions) - 1; i >= 0; i-- {
			if reg, ok := matchPushR64(h.Instructions[i]); ok {
				handlerAddrReg = reg
				found = true
				break
			}
		}
		if !found {
			return alloc, fmt.Errorf("%w: no push r64 before the terminal ret", ErrAmbiguousAllocation)
		}
	}

	var keyReg x86asm.Reg
	found := false
	for i := len(h.Instructions) - 1; i >= 0; i-- {
		if reg, ok := matchPopR64(h.Instructions[i]); ok {
			keyReg = reg
			found = true
			break
		}
	}
	if !found {
		return alloc, fmt.Errorf("%w: no pop r64 in vm entry", ErrAmbiguousAllocation)
	}

	var vspReg x86asm.Reg
	found = false
	for _, ins := range h.Instructions {
		if ins.Op() != x86asm.MOV {
			continue
		}
		dest, ok := ins.Reg(0)
		if !ok || x86.RegBits(dest) != 64 {
			continue
		}
		if src, ok := ins.Reg(1); ok && src == x86asm.RSP {
			vspReg = dest
			found = true
			break
		}
	}
	if !found {
		return alloc, fmt.Errorf("%w: no mov r64, rsp in vm entry", ErrAmbiguousAllocation)
	}

	var vipReg x86asm.Reg
	found = false
	for _, ins := range h.Instructions {
		if ins.Op() != x86asm.MOV {
			continue
		}
		dest, ok := ins.Reg(0)
		if !ok || x86.RegBits(dest) != 64 {
			continue
		}
		if mem, ok := ins.Mem(1); ok && mem.Base == x86asm.RSP && mem.Disp == 0x90 {
			vipReg = dest
			found = true
			break
		}
	}
	if !found {
		return alloc, fmt.Errorf("%w: no mov r64, [rsp+0x90] in vm entry", ErrAmbiguousAllocation)
	}

	roles := map[string]x86asm.Reg{
		"vip":             vipReg,
		"vsp":             vspReg,
		"key":             keyReg,
		"handler address": handlerAddrReg,
	}
	seen := make(map[x86asm.Reg]string)
	for role, reg := range roles {
		if !x86.IsGPR64(reg) {
			return alloc, fmt.Errorf("%w: %s register is not a 64-bit GPR", ErrAmbiguousAllocation, role)
		}
		if other, dup := seen[reg]; dup {
			return alloc, fmt.Errorf("%w: %s and %s share %v", ErrAmbiguousAllocation, role, other, reg)
		}
		seen[reg] = role
	}

	vip, _ := x86.FromNative(vipReg)
	vsp, _ := x86.FromNative(vspReg)
	key, _ := x86.FromNative(keyReg)
	handlerAddr, _ := x86.FromNative(handlerAddrReg)
	return VmRegisterAllocation{Vip: vip, Vsp: vsp, Key: key, HandlerAddr: handlerAddr}, nil
}

// pushOrder records the guest-context save order at vm entry: every pushed
// register (and pushfq as Flags) up to the first `mov r64, imm64`.
func (h *Handler) pushOrder() []common.VirtualReg {
	var order []common.VirtualReg

	for _, ins := range h.Instructions {
		// The prologue ends at the first movabs r64, imm64.
		if ins.Op() == x86asm.MOV && ins.OpcodeByte() >= 0xb8 && ins.OpcodeByte() <= 0xbf {
			if dest, ok := ins.Reg(0); ok && x86.RegBits(dest) == 64 {
				break
			}
		}

		if reg, ok := matchPushR64(ins); ok {
			if vr, ok := x86.FromNative(reg); ok {
				order = append(order, vr)
			}
			continue
		}
		if matchPushfq(ins) {
			order = append(order, common.Flags)
		}
	}

	return order
}

// direction determines which way vip walks its bytecode stream, from the
// first ±4 adjustment of the vip register.
func (h *Handler) direction(alloc *VmRegisterAllocation) (bool, error) {
	vip := alloc.native(alloc.Vip)

	for _, ins := range h.Instructions {
		if imm, ok := matchAddRegImm32(ins, vip); ok && imm == 4 {
			return true, nil
		}
		if imm, ok := matchSubRegImm32(ins, vip); ok && imm == 4 {
			return false, nil
		}
	}

	return false, ErrDirectionUnknown
}

// initialVip replays the vm entry's decryption of the pushed call-site
// constant: starting at the fetch of the encrypted vip, every transform
// written to the vip register is applied to a 32-bit accumulator, until the
// lea/add that rebases vip into the image.
func (h *Handler) initialVip(alloc *VmRegisterAllocation, pushedVal uint64) uint64 {
	vip := alloc.native(alloc.Vip)
	accumulator := uint32(pushedVal)

	started := false
	for _, ins := range h.Instructions {
		if !started {
			if !matchFetchEncryptedVip(ins, alloc) {
				continue
			}
			started = true
		}

		rebase := ins.Op() == x86asm.LEA
		if ins.Op() == x86asm.ADD {
			if _, isImm := ins.Imm(1); !isImm {
				rebase = true
			}
		}
		if rebase && x86.RegWrittenFull(ins, vip) {
			break
		}

		if !x86.RegWrittenFull(ins, vip) {
			continue
		}
		if transform, ok := transformForInstruction(ins); ok {
			accumulator = uint32(transform.Emulate(uint64(accumulator)))
		}
	}

	return uint64(accumulator)
}

// handlerTableBase finds the lea-materialised base address the dispatcher
// adds decrypted offsets to, returning its instruction index as well.
func (h *Handler) handlerTableBase() (uint64, int, error) {
	for i, ins := range h.Instructions {
		if ins.Op() != x86asm.LEA {
			continue
		}
		if disp, ok := ins.MemDisplacement(1); ok && disp != 0 {
			return disp, i, nil
		}
	}
	return 0, 0, fmt.Errorf("no lea r64, [rip+disp] in vm entry")
}
