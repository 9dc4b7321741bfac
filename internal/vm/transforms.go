package vm

import (
	"fmt"
	"math/bits"
	"vmdevirt/internal/x86"

	"golang.org/x/arch/x86/x86asm"
)

// TransformKind is one step of the handler-specific cipher.
type TransformKind int

const (
	ByteSwap TransformKind = iota
	AddConst
	SubConst
	XorConst
	Negate
	Not
	RotateLeft
	RotateRight
	Increment
	Decrement
)

func (k TransformKind) String() string {
	switch k {
	case ByteSwap:
		return "bswap"
	case AddConst:
		return "add"
	case SubConst:
		return "sub"
	case XorConst:
		return "xor"
	case Negate:
		return "neg"
	case Not:
		return "not"
	case RotateLeft:
		return "rol"
	case RotateRight:
		return "ror"
	case Increment:
		return "inc"
	case Decrement:
		return "dec"
	}
	return "UNKNOWN"
}

// Transform is a width-parameterised reversible arithmetic primitive. Value
// holds the zero-extended constant for AddConst/SubConst/XorConst and the
// shift count for the rotates.
type Transform struct {
	Kind  TransformKind
	Bits  int
	Value uint64
}

func (t Transform) String() string {
	switch t.Kind {
	case AddConst, SubConst, XorConst:
		return fmt.Sprintf("%s%d %#x", t.Kind, t.Bits, t.Value)
	case RotateLeft, RotateRight:
		return fmt.Sprintf("%s%d %d", t.Kind, t.Bits, t.Value)
	}
	return fmt.Sprintf("%s%d", t.Kind, t.Bits)
}

func widthMask(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

// transformForInstruction maps one decoded instruction onto the cipher step it
// performs, if any. The width comes from the destination register, and the
// binary forms map only when the source is an immediate.
func transformForInstruction(ins x86.Instruction) (Transform, bool) {
	dest, ok := ins.Reg(0)
	if !ok {
		return Transform{}, false
	}
	width := x86.RegBits(dest)
	if width == 0 {
		return Transform{}, false
	}

	switch ins.Op() {
	case x86asm.BSWAP:
		if width < 16 {
			return Transform{}, false
		}
		return Transform{Kind: ByteSwap, Bits: width}, true
	case x86asm.NEG:
		return Transform{Kind: Negate, Bits: width}, true
	case x86asm.NOT:
		return Transform{Kind: Not, Bits: width}, true
	case x86asm.INC:
		return Transform{Kind: Increment, Bits: width}, true
	case x86asm.DEC:
		return Transform{Kind: Decrement, Bits: width}, true
	case x86asm.ROL:
		imm, ok := ins.Imm(1)
		if !ok {
			return Transform{}, false
		}
		return Transform{Kind: RotateLeft, Bits: width, Value: uint64(imm) & 0xff}, true
	case x86asm.ROR:
		imm, ok := ins.Imm(1)
		if !ok {
			return Transform{}, false
		}
		return Transform{Kind: RotateRight, Bits: width, Value: uint64(imm) & 0xff}, true
	case x86asm.ADD:
		imm, ok := ins.Imm(1)
		if !ok {
			return Transform{}, false
		}
		return Transform{Kind: AddConst, Bits: width, Value: uint64(imm) & widthMask(width)}, true
	case x86asm.SUB:
		imm, ok := ins.Imm(1)
		if !ok {
			return Transform{}, false
		}
		return Transform{Kind: SubConst, Bits: width, Value: uint64(imm) & widthMask(width)}, true
	case x86asm.XOR:
		imm, ok := ins.Imm(1)
		if !ok {
			return Transform{}, false
		}
		return Transform{Kind: XorConst, Bits: width, Value: uint64(imm) & widthMask(width)}, true
	}

	return Transform{}, false
}

// Emulate applies the transform to a Bits-wide unsigned value. Arithmetic
// wraps modulo 2^Bits, rotates use the count modulo Bits.
func (t Transform) Emulate(input uint64) uint64 {
	mask := widthMask(t.Bits)
	input &= mask

	switch t.Kind {
	case ByteSwap:
		switch t.Bits {
		case 16:
			return uint64(bits.ReverseBytes16(uint16(input)))
		case 32:
			return uint64(bits.ReverseBytes32(uint32(input)))
		case 64:
			return bits.ReverseBytes64(input)
		}
	case AddConst:
		return (input + t.Value) & mask
	case SubConst:
		return (input - t.Value) & mask
	case XorConst:
		return (input ^ t.Value) & mask
	case Negate:
		return (^input + 1) & mask
	case Not:
		return ^input & mask
	case RotateLeft:
		return rotate(input, t.Bits, int(t.Value))
	case RotateRight:
		return rotate(input, t.Bits, -int(t.Value))
	case Increment:
		return (input + 1) & mask
	case Decrement:
		return (input - 1) & mask
	}
	return input
}

func rotate(input uint64, width int, count int) uint64 {
	switch width {
	case 8:
		return uint64(bits.RotateLeft8(uint8(input), count))
	case 16:
		return uint64(bits.RotateLeft16(uint16(input), count))
	case 32:
		return uint64(bits.RotateLeft32(uint32(input), count))
	default:
		return bits.RotateLeft64(input, count)
	}
}

// emulateEncryption runs the per-handler keyed stream cipher: xor the
// ciphertext with the rolling key, replay the transforms the window performs
// on encryptedReg in native order, then fold the plaintext back into the key.
// Both encryption and decryption are this same routine.
func emulateEncryption(width int, ciphertext uint64, window []x86.Instruction,
	rollingKey *uint64, encryptedReg x86asm.Reg) uint64 {
	mask := widthMask(width)
	value := (ciphertext ^ *rollingKey) & mask

	for _, ins := range window {
		if !x86.RegWrittenFull(ins, encryptedReg) {
			continue
		}
		transform, ok := transformForInstruction(ins)
		if !ok {
			continue
		}
		value = transform.Emulate(value) & mask
	}

	*rollingKey ^= value

	return value
}
