package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
	"vmdevirt/internal/common"
	"vmdevirt/internal/x86"

	"golang.org/x/arch/x86/x86asm"
)

// imageSliding rebases the decrypted 32-bit initial vip into the mapped image.
// It is a fixed property of the target binary family.
const imageSliding = 0x100000000

// VmRegisterAllocation maps the four virtual roles onto native registers.
// The four registers are pairwise distinct for any allocation produced by the
// bootstrap, and never change afterwards.
type VmRegisterAllocation struct {
	Vip         common.VirtualReg
	Vsp         common.VirtualReg
	Key         common.VirtualReg
	HandlerAddr common.VirtualReg
}

func (alloc *VmRegisterAllocation) native(reg common.VirtualReg) x86asm.Reg {
	return x86.ToNative(reg)
}

func (alloc VmRegisterAllocation) String() string {
	return fmt.Sprintf("vip=%v vsp=%v key=%v handler=%v",
		alloc.Vip, alloc.Vsp, alloc.Key, alloc.HandlerAddr)
}

// VmContext is the mutable state of the interpreter simulation.
type VmContext struct {
	Regs           VmRegisterAllocation
	VmEntryAddress uint64
	PushedVal      uint64
	VipForwards    bool
	PushOrder      []common.VirtualReg
	RollingKey     uint64
	Vip            uint64
	HandlerAddress uint64
}

func (ctx *VmContext) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "registers:       %v\n", ctx.Regs)
	fmt.Fprintf(&sb, "vm entry:        %#x\n", ctx.VmEntryAddress)
	fmt.Fprintf(&sb, "pushed value:    %#x\n", ctx.PushedVal)
	fmt.Fprintf(&sb, "vip direction:   %s\n", directionString(ctx.VipForwards))
	pushed := make([]string, len(ctx.PushOrder))
	for i, reg := range ctx.PushOrder {
		pushed[i] = reg.String()
	}
	fmt.Fprintf(&sb, "push order:      %s\n", strings.Join(pushed, " "))
	fmt.Fprintf(&sb, "rolling key:     %#x\n", ctx.RollingKey)
	fmt.Fprintf(&sb, "vip:             %#x\n", ctx.Vip)
	fmt.Fprintf(&sb, "first handler:   %#x", ctx.HandlerAddress)
	return sb.String()
}

func directionString(forwards bool) string {
	if forwards {
		return "forwards"
	}
	return "backwards"
}

// handleVmCall validates the `push imm32; call rel32` pair at the guarded
// call site and returns the pushed constant and the vm entry address. The
// constant is sign-extended to 64 bits and reinterpreted unsigned.
func handleVmCall(reader common.ByteReader, vmCallAddress uint64) (uint64, uint64, error) {
	push, err := x86.DecodeAt(reader, vmCallAddress)
	if err != nil {
		return 0, 0, err
	}

	imm, isImm := push.Imm(0)
	if push.Op() != x86asm.PUSH || !isImm || push.OpcodeByte() != 0x68 {
		return 0, 0, fmt.Errorf("%w: expected push imm32 at %#x", ErrBadEntrySite, vmCallAddress)
	}

	call, err := x86.DecodeAt(reader, vmCallAddress+uint64(push.Len))
	if err != nil {
		return 0, 0, err
	}

	target, isRel := call.BranchTarget()
	if call.Op() != x86asm.CALL || !isRel {
		return 0, 0, fmt.Errorf("%w: expected call rel32 after the push", ErrBadEntrySite)
	}

	return uint64(imm), target, nil
}

// NewVmContext bootstraps the simulation from the guarded call site: it reads
// the vm-entry handler, infers the register allocation, push order, vip
// direction and initial vip, and decrypts the first handler offset.
func NewVmContext(reader common.ByteReader, vmCallAddress uint64) (*VmContext, error) {
	pushedVal, vmEntryAddress, err := handleVmCall(reader, vmCallAddress)
	if err != nil {
		return nil, err
	}

	entry, err := ReadHandler(reader, vmEntryAddress)
	if err != nil {
		return nil, err
	}

	alloc, err := entry.registerAllocation()
	if err != nil {
		return nil, err
	}

	forwards, err := entry.direction(&alloc)
	if err != nil {
		return nil, err
	}

	initialVip := entry.initialVip(&alloc, pushedVal) + imageSliding

	ctx := &VmContext{
		Regs:           alloc,
		VmEntryAddress: vmEntryAddress,
		PushedVal:      pushedVal,
		VipForwards:    forwards,
		PushOrder:      entry.pushOrder(),
		RollingKey:     initialVip,
		Vip:            initialVip,
	}

	handlerBase, leaIndex, err := entry.handlerTableBase()
	if err != nil {
		return nil, fmt.Errorf("unable to bootstrap vm context. %v", err)
	}

	// The first encrypted offset is decrypted by the tail of vm entry,
	// starting right after the dword fetch from vip.
	fetchIndex := -1
	for i := leaIndex + 1; i < len(entry.Instructions); i++ {
		if matchFetchVip(entry.Instructions[i], &alloc) {
			fetchIndex = i
			break
		}
	}
	if fetchIndex < 0 {
		return nil, fmt.Errorf("unable to bootstrap vm context. no fetch of vip after the table base lea")
	}

	encryptedReg, _ := entry.Instructions[fetchIndex].Reg(0)
	window := windowUntil(entry.Instructions[fetchIndex+1:], func(ins x86.Instruction) bool {
		return matchPushRollingKey(ins, &alloc)
	})

	encryptedOffset, err := ctx.fetchDwordVip(reader)
	if err != nil {
		return nil, err
	}

	offset := emulateEncryption(32, uint64(encryptedOffset), window, &ctx.RollingKey,
		x86.FullRegister(encryptedReg))

	// movsxd offset_reg, offset_reg_32; add handler_base, offset_reg
	ctx.HandlerAddress = handlerBase + uint64(int64(int32(offset)))

	return ctx, nil
}

// windowUntil returns the prefix of instructions before the first one
// matching stop.
func windowUntil(instructions []x86.Instruction, stop func(x86.Instruction) bool) []x86.Instruction {
	for i, ins := range instructions {
		if stop(ins) {
			return instructions[:i]
		}
	}
	return instructions
}

func (ctx *VmContext) fetchQwordVip(reader common.ByteReader) (uint64, error) {
	if ctx.VipForwards {
		bytes, err := reader.BytesAt(ctx.Vip, 8)
		if err != nil {
			return 0, err
		}
		ctx.Vip += 8
		return binary.LittleEndian.Uint64(bytes), nil
	}

	ctx.Vip -= 8
	bytes, err := reader.BytesAt(ctx.Vip, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(bytes), nil
}

func (ctx *VmContext) fetchDwordVip(reader common.ByteReader) (uint32, error) {
	if ctx.VipForwards {
		bytes, err := reader.BytesAt(ctx.Vip, 4)
		if err != nil {
			return 0, err
		}
		ctx.Vip += 4
		return binary.LittleEndian.Uint32(bytes), nil
	}

	ctx.Vip -= 4
	bytes, err := reader.BytesAt(ctx.Vip, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(bytes), nil
}

func (ctx *VmContext) fetchWordVip(reader common.ByteReader) (uint16, error) {
	if ctx.VipForwards {
		bytes, err := reader.BytesAt(ctx.Vip, 2)
		if err != nil {
			return 0, err
		}
		ctx.Vip += 2
		return binary.LittleEndian.Uint16(bytes), nil
	}

	ctx.Vip -= 2
	bytes, err := reader.BytesAt(ctx.Vip, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(bytes), nil
}

// fetchByteVip reads a dword's worth of range and keeps the first byte; the
// wider read keeps the stricter bound check.
func (ctx *VmContext) fetchByteVip(reader common.ByteReader) (uint8, error) {
	if ctx.VipForwards {
		bytes, err := reader.BytesAt(ctx.Vip, 4)
		if err != nil {
			return 0, err
		}
		ctx.Vip++
		return bytes[0], nil
	}

	ctx.Vip--
	bytes, err := reader.BytesAt(ctx.Vip, 4)
	if err != nil {
		return 0, err
	}
	return bytes[0], nil
}

// findXorKeySource locates the n-th `xor r, key` of the given width and
// returns the index and the destination register holding the ciphertext.
func findXorKeySource(h *Handler, alloc *VmRegisterAllocation, width int, n int) (int, x86asm.Reg, error) {
	seen := 0
	for i, ins := range h.Instructions {
		if !matchXorRollingKeySource(ins, alloc, width) {
			continue
		}
		seen++
		if seen == n {
			reg, _ := ins.Reg(0)
			return i, x86.FullRegister(reg), nil
		}
	}
	return 0, 0, fmt.Errorf("handler at %#x has no xor%d with the rolling key", h.Address, width)
}

// decodeOperand runs pass 1 of the operand scheme: decrypt the handler's
// width-byte operand with the instruction window between the key xor and the
// class-specific terminator.
func (ctx *VmContext) decodeOperand(reader common.ByteReader, h *Handler, width int) (uint64, error) {
	index, encryptedReg, err := findXorKeySource(h, &ctx.Regs, width*8, 1)
	if err != nil {
		return 0, err
	}

	// For byte, word and qword operands the window closes at the xor that
	// folds the plaintext back into the key; the dword window runs to the
	// push of the rolling key instead.
	var stop func(x86.Instruction) bool
	if width == 4 {
		stop = func(ins x86.Instruction) bool { return matchPushRollingKey(ins, &ctx.Regs) }
	} else {
		stop = func(ins x86.Instruction) bool { return matchXorRollingKeyDest(ins, &ctx.Regs, width*8) }
	}
	window := windowUntil(h.Instructions[index+1:], stop)

	var ciphertext uint64
	switch width {
	case 1:
		value, err := ctx.fetchByteVip(reader)
		if err != nil {
			return 0, err
		}
		ciphertext = uint64(value)
	case 2:
		value, err := ctx.fetchWordVip(reader)
		if err != nil {
			return 0, err
		}
		ciphertext = uint64(value)
	case 4:
		value, err := ctx.fetchDwordVip(reader)
		if err != nil {
			return 0, err
		}
		ciphertext = uint64(value)
	case 8:
		value, err := ctx.fetchQwordVip(reader)
		if err != nil {
			return 0, err
		}
		ciphertext = value
	}

	return emulateEncryption(width*8, ciphertext, window, &ctx.RollingKey, encryptedReg), nil
}

// decodeNextHandler runs pass 2: decrypt the 32-bit offset to the next
// handler and advance the handler address. A dword-operand handler already
// consumed the first dword xor, so its offset uses the second.
func (ctx *VmContext) decodeNextHandler(reader common.ByteReader, h *Handler, xorOrdinal int) error {
	encryptedOffset, err := ctx.fetchDwordVip(reader)
	if err != nil {
		return err
	}

	index, encryptedReg, err := findXorKeySource(h, &ctx.Regs, 32, xorOrdinal)
	if err != nil {
		return err
	}

	window := windowUntil(h.Instructions[index+1:], func(ins x86.Instruction) bool {
		return matchPushRollingKey(ins, &ctx.Regs)
	})

	offset := emulateEncryption(32, uint64(encryptedOffset), window, &ctx.RollingKey, encryptedReg)

	// movsxd offset_reg, offset_reg_32; add handler_base, offset_reg
	ctx.HandlerAddress += uint64(int64(int32(offset)))

	return nil
}

func (ctx *VmContext) decodeByteOperand(reader common.ByteReader, h *Handler) (uint8, error) {
	operand, err := ctx.decodeOperand(reader, h, 1)
	if err != nil {
		return 0, err
	}
	return uint8(operand), ctx.decodeNextHandler(reader, h, 1)
}

func (ctx *VmContext) decodeWordOperand(reader common.ByteReader, h *Handler) (uint16, error) {
	operand, err := ctx.decodeOperand(reader, h, 2)
	if err != nil {
		return 0, err
	}
	return uint16(operand), ctx.decodeNextHandler(reader, h, 1)
}

func (ctx *VmContext) decodeDwordOperand(reader common.ByteReader, h *Handler) (uint32, error) {
	operand, err := ctx.decodeOperand(reader, h, 4)
	if err != nil {
		return 0, err
	}
	return uint32(operand), ctx.decodeNextHandler(reader, h, 2)
}

func (ctx *VmContext) decodeQwordOperand(reader common.ByteReader, h *Handler) (uint64, error) {
	operand, err := ctx.decodeOperand(reader, h, 8)
	if err != nil {
		return 0, err
	}
	return operand, ctx.decodeNextHandler(reader, h, 1)
}

func (ctx *VmContext) decodeNoOperand(reader common.ByteReader, h *Handler) error {
	return ctx.decodeNextHandler(reader, h, 1)
}
