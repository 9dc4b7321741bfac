package vm

import (
	"fmt"
	"testing"
	"vmdevirt/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lookaheadPadding = 16

// fakeImage is a ByteReader backed by a literal buffer mapped at base.
type fakeImage struct {
	base  uint64
	bytes []byte
}

func (f *fakeImage) BytesAt(va uint64, size int) ([]byte, error) {
	if va < f.base || va+uint64(size) > f.base+uint64(len(f.bytes)) {
		return nil, fmt.Errorf("%w: %#x", common.ErrOutOfImage, va)
	}
	offset := va - f.base
	return f.bytes[offset : offset+uint64(size)], nil
}

// testImage lays out a miniature virtualized program:
//
//	base+0x100   push 0x12345678; call vm_entry
//	base+0x200   vm entry (vip=rsi forwards, vsp=rbp, key=r11, handler=r8)
//	base+0x1000  bytecode stream
//	base+0x2000  handler table base
//	base+0x2010  push-imm64 handler
//	base+0x2100  vm-exit handler
func testImage() *fakeImage {
	const base = 0x140000000
	image := make([]byte, 0x3000)

	put := func(offset int, parts ...[]byte) {
		for _, part := range parts {
			copy(image[offset:], part)
			offset += len(part)
		}
	}

	// Guarded call site.
	put(0x100,
		[]byte{0x68, 0x78, 0x56, 0x34, 0x12}, // push 0x12345678
		[]byte{0xe8, 0xf6, 0x00, 0x00, 0x00}, // call vm_entry
	)

	put(0x200, vmEntryStub())

	// Bytecode. The entry decrypts the first dword into handler offset 0x10;
	// the push-imm64 handler then consumes a qword operand and another
	// offset dword.
	put(0x1000,
		[]byte{0x00, 0x10, 0x00, 0x50},                         // offset -> +0x10
		[]byte{0xda, 0xee, 0xba, 0xfe, 0xdf, 0xad, 0xbe, 0xef}, // operand -> 0xcafebabedeadbeef
		[]byte{0x0f, 0xae, 0xad, 0x9e},                         // offset -> +0xf0
	)

	// Push-imm64 handler.
	put(0x2010,
		[]byte{0x48, 0x8b, 0x06},                         // mov rax, [rsi]
		[]byte{0x48, 0x81, 0xc6, 0x08, 0x00, 0x00, 0x00}, // add rsi, 8
		[]byte{0x4c, 0x31, 0xd8},                         // xor rax, r11
		[]byte{0x48, 0x0f, 0xc8},                         // bswap rax
		[]byte{0x49, 0x31, 0xc3},                         // xor r11, rax
		[]byte{0x48, 0x81, 0xed, 0x08, 0x00, 0x00, 0x00}, // sub rbp, 8
		[]byte{0x48, 0x89, 0x45, 0x00},                   // mov [rbp], rax
		[]byte{0x8b, 0x16},                               // mov edx, [rsi]
		[]byte{0x48, 0x81, 0xc6, 0x04, 0x00, 0x00, 0x00}, // add rsi, 4
		[]byte{0x44, 0x31, 0xda},                         // xor edx, r11d
		[]byte{0x41, 0x53},                               // push r11
		[]byte{0x41, 0x5b},                               // pop r11
		[]byte{0x41, 0xff, 0xe0},                         // jmp r8
	)

	// Vm exit handler.
	put(0x2100,
		[]byte{0x48, 0x89, 0xec}, // mov rsp, rbp
		[]byte{0x58}, []byte{0x59}, []byte{0x5a}, []byte{0x5b},
		[]byte{0x5e}, []byte{0x5f}, []byte{0x5d},
		[]byte{0x41, 0x58}, []byte{0x41, 0x59}, []byte{0x41, 0x5a},
		[]byte{0x41, 0x5b}, []byte{0x41, 0x5c}, []byte{0x41, 0x5d},
		[]byte{0x41, 0x5e}, []byte{0x41, 0x5f},
		[]byte{0x9d}, // popfq
		[]byte{0xc3}, // ret
	)

	return &fakeImage{base: base, bytes: image}
}

func TestBootstrapFromCallSite(t *testing.T) {
	image := testImage()

	ctx, err := NewVmContext(image, 0x140000100)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x140000200), ctx.VmEntryAddress)
	assert.Equal(t, uint64(0x12345678), ctx.PushedVal)
	assert.True(t, ctx.VipForwards)
	assert.Equal(t, []common.VirtualReg{common.Rcx, common.Rdx, common.Flags}, ctx.PushOrder)

	expected := VmRegisterAllocation{
		Vip: common.Rsi, Vsp: common.Rbp, Key: common.R11, HandlerAddr: common.R8,
	}
	assert.Equal(t, expected, ctx.Regs)

	// initial vip = (not(pushed) xor 0xadcbb987) + 0x100000000, then one
	// dword consumed for the first handler offset.
	assert.Equal(t, uint64(0x140001004), ctx.Vip)
	assert.Equal(t, uint64(0x140001010), ctx.RollingKey)
	assert.Equal(t, uint64(0x140002010), ctx.HandlerAddress)
}

func TestBootstrapRejectsBadEntrySite(t *testing.T) {
	image := testImage()

	// The vm entry itself starts with push rcx, not push imm32.
	_, err := NewVmContext(image, 0x140000200)
	assert.ErrorIs(t, err, ErrBadEntrySite)
}

func TestRunTracesUntilVmExit(t *testing.T) {
	image := testImage()

	trace, err := Run(image, 0x140000100)
	require.NoError(t, err)

	assert.Equal(t, []uint64{0x140000200, 0x140002010, 0x140002100}, trace.HandlerAddresses)
	require.Len(t, trace.Steps, 2)

	first := trace.Steps[0]
	assert.Equal(t, uint64(0x140002010), first.HandlerAddress)
	assert.Equal(t, ClassQwordOperand, first.Class)
	assert.Equal(t, VmInstruction{Op: OpPushImm64, Imm: 0xcafebabedeadbeef}, first.Instruction)

	last := trace.Steps[1]
	assert.Equal(t, uint64(0x140002100), last.HandlerAddress)
	assert.Equal(t, ClassNoVipChange, last.Class)
	assert.Equal(t, VmInstruction{Op: OpVmExit}, last.Instruction)

	// The qword operand and both offsets advanced vip, and each plaintext
	// was folded into the rolling key.
	assert.Equal(t, uint64(0x140001010), trace.Context.Vip)
	assert.Equal(t, uint64(0xcafebabf9eadae0f), trace.Context.RollingKey)
}

func TestMinimalNoOperandHandler(t *testing.T) {
	const base = 0x140000000

	// xor r9d, ebp; bswap r9d; add r9, r13; push r9; add rsi, 4; ret
	// with the rolling key equal to the fetched dword: the decrypted offset
	// is bswap(0) = 0 and the key is left unchanged.
	code := concat(
		[]byte{0x41, 0x31, 0xe9},                         // xor r9d, ebp
		[]byte{0x41, 0x0f, 0xc9},                         // bswap r9d
		[]byte{0x4d, 0x01, 0xe9},                         // add r9, r13
		[]byte{0x41, 0x51},                               // push r9
		[]byte{0x48, 0x81, 0xc6, 0x04, 0x00, 0x00, 0x00}, // add rsi, 4
		[]byte{0xc3},                                     // ret
	)

	image := make([]byte, 0x1100)
	copy(image[0x1000:], []byte{0x78, 0x56, 0x34, 0x12})
	copy(image[0x100:], code)
	reader := &fakeImage{base: base, bytes: image}

	handler, err := ReadHandler(reader, base+0x100)
	require.NoError(t, err)

	alloc := VmRegisterAllocation{
		Vip: common.Rsi, Vsp: common.Rax, Key: common.Rbp, HandlerAddr: common.R13,
	}
	class, err := handler.Class(&alloc)
	require.NoError(t, err)
	assert.Equal(t, ClassNoOperand, class)

	ctx := &VmContext{
		Regs:           alloc,
		VipForwards:    true,
		RollingKey:     0x12345678,
		Vip:            base + 0x1000,
		HandlerAddress: base + 0x500,
	}

	require.NoError(t, ctx.decodeNoOperand(reader, handler))

	assert.Equal(t, uint64(base+0x500), ctx.HandlerAddress, "decrypted offset must be zero")
	assert.Equal(t, uint64(0x12345678), ctx.RollingKey)
	assert.Equal(t, uint64(base+0x1004), ctx.Vip)
}

func TestBackwardsVipFetch(t *testing.T) {
	const base = 0x140000000

	image := make([]byte, 0x20)
	copy(image[0x8:], []byte{0xef, 0xbe, 0xad, 0xde})
	reader := &fakeImage{base: base, bytes: image}

	ctx := &VmContext{VipForwards: false, Vip: base + 0xc}

	// The pointer moves to the lower bound before the bytes are read.
	value, err := ctx.fetchDwordVip(reader)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), value)
	assert.Equal(t, uint64(base+0x8), ctx.Vip)
}

func TestRollingKeyFoldProperty(t *testing.T) {
	image := testImage()

	ctx, err := NewVmContext(image, 0x140000100)
	require.NoError(t, err)

	handler, err := ReadHandler(image, ctx.HandlerAddress)
	require.NoError(t, err)

	keyBefore := ctx.RollingKey
	operand, err := ctx.decodeQwordOperand(image, handler)
	require.NoError(t, err)

	// The final key is the starting key with each plaintext folded in:
	// the qword operand and the 32-bit next-handler offset.
	offset := uint64(0xf0)
	assert.Equal(t, keyBefore^operand^offset, ctx.RollingKey)
}
