package common

import "errors"

// ByteReader serves raw bytes of a mapped 64-bit PE image at a virtual address.
type ByteReader interface {
	BytesAt(va uint64, size int) ([]byte, error)
}

var (
	ErrOutOfImage = errors.New("virtual address is not mapped by any section")
	ErrUnreadable = errors.New("unable to read bytes at virtual address")
)

// VirtualReg names a native register (or the flags word) in the role the
// virtual machine assigns to it.
type VirtualReg int

const (
	Rax VirtualReg = iota
	Rbx
	Rcx
	Rdx
	Rsi
	Rdi
	Rsp
	Rbp
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	Flags
)

func (r VirtualReg) String() string {
	switch r {
	case Rax:
		return "rax"
	case Rbx:
		return "rbx"
	case Rcx:
		return "rcx"
	case Rdx:
		return "rdx"
	case Rsi:
		return "rsi"
	case Rdi:
		return "rdi"
	case Rsp:
		return "rsp"
	case Rbp:
		return "rbp"
	case R8:
		return "r8"
	case R9:
		return "r9"
	case R10:
		return "r10"
	case R11:
		return "r11"
	case R12:
		return "r12"
	case R13:
		return "r13"
	case R14:
		return "r14"
	case R15:
		return "r15"
	case Flags:
		return "rflags"
	}
	return "UNKNOWN"
}
