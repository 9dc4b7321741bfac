package vm

import (
	"testing"
	"vmdevirt/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestReadHandlerFlattensDirectJumps(t *testing.T) {
	const base = 0x140002000

	// The rel32 jump is followed in place and dropped from the list.
	code := concat(
		[]byte{0x50},                               // push rax
		[]byte{0xe9, 0x03, 0x00, 0x00, 0x00},       // jmp +3
		[]byte{0xcc, 0xcc, 0xcc},                   // skipped filler
		[]byte{0x58},                               // pop rax
		[]byte{0xc3},                               // ret
	)
	image := &fakeImage{base: base, bytes: append(code, make([]byte, lookaheadPadding)...)}

	handler, err := ReadHandler(image, base)
	require.NoError(t, err)

	require.Len(t, handler.Instructions, 3)
	assert.Equal(t, x86asm.PUSH, handler.Instructions[0].Op())
	assert.Equal(t, x86asm.POP, handler.Instructions[1].Op())
	assert.Equal(t, x86asm.RET, handler.Instructions[2].Op())
}

func TestReadHandlerStopsAtIndirectJump(t *testing.T) {
	const base = 0x140002000

	code := concat(
		[]byte{0x50},             // push rax
		[]byte{0x41, 0xff, 0xe0}, // jmp r8
		[]byte{0xcc},             // never read
	)
	image := &fakeImage{base: base, bytes: append(code, make([]byte, lookaheadPadding)...)}

	handler, err := ReadHandler(image, base)
	require.NoError(t, err)

	require.Len(t, handler.Instructions, 2)
	assert.Equal(t, x86asm.JMP, handler.Instructions[1].Op())
}

func TestReadHandlerBoundsRunawayHandlers(t *testing.T) {
	const base = 0x140002000

	code := make([]byte, maxHandlerInstructions+0x100)
	for i := range code {
		code[i] = 0x90 // nop
	}
	image := &fakeImage{base: base, bytes: code}

	_, err := ReadHandler(image, base)
	assert.ErrorIs(t, err, ErrHandlerTooLong)
}

func TestReadHandlerUnmappedCursor(t *testing.T) {
	image := &fakeImage{base: 0x140002000, bytes: make([]byte, 0x100)}

	_, err := ReadHandler(image, 0x150000000)
	assert.ErrorIs(t, err, common.ErrOutOfImage)
}

// vmEntryStub assembles the vm-entry used by the inference tests:
// vip=rsi, vsp=rbp, key=r11, handler address=r8, forwards, push order
// rcx rdx flags.
func vmEntryStub() []byte {
	return concat(
		[]byte{0x51},                                                 // push rcx
		[]byte{0x52},                                                 // push rdx
		[]byte{0x9c},                                                 // pushfq
		[]byte{0x48, 0xb8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, // mov rax, 0x1122334455667788
		[]byte{0x48, 0x8b, 0xb4, 0x24, 0x90, 0x00, 0x00, 0x00},       // mov rsi, [rsp+0x90]
		[]byte{0xf7, 0xd6},                                           // not esi
		[]byte{0x81, 0xf6, 0x87, 0xb9, 0xcb, 0xad},                   // xor esi, 0xadcbb987
		[]byte{0x48, 0x89, 0xe5},                                     // mov rbp, rsp
		[]byte{0x4c, 0x8d, 0x05, 0xd9, 0x1d, 0x00, 0x00},             // lea r8, [rip+0x1dd9]
		[]byte{0x4c, 0x01, 0xc6},                                     // add rsi, r8
		[]byte{0x8b, 0x16},                                           // mov edx, [rsi]
		[]byte{0x48, 0x81, 0xc6, 0x04, 0x00, 0x00, 0x00},             // add rsi, 4
		[]byte{0x0f, 0xca},                                           // bswap edx
		[]byte{0x41, 0x53},                                           // push r11
		[]byte{0x41, 0x5b},                                           // pop r11
		[]byte{0x41, 0xff, 0xe0},                                     // jmp r8
	)
}

func readVmEntryStub(t *testing.T) *Handler {
	t.Helper()
	const base = 0x140000200
	image := &fakeImage{base: base, bytes: append(vmEntryStub(), make([]byte, lookaheadPadding)...)}
	handler, err := ReadHandler(image, base)
	require.NoError(t, err)
	return handler
}

func TestRegisterAllocationInference(t *testing.T) {
	handler := readVmEntryStub(t)

	alloc, err := handler.registerAllocation()
	require.NoError(t, err)

	assert.Equal(t, common.Rsi, alloc.Vip)
	assert.Equal(t, common.Rbp, alloc.Vsp)
	assert.Equal(t, common.R11, alloc.Key)
	assert.Equal(t, common.R8, alloc.HandlerAddr)
}

func TestPushOrderStopsAtFirstMovabs(t *testing.T) {
	handler := readVmEntryStub(t)

	order := handler.pushOrder()
	assert.Equal(t, []common.VirtualReg{common.Rcx, common.Rdx, common.Flags}, order)
}

func TestDirectionInference(t *testing.T) {
	handler := readVmEntryStub(t)
	alloc, err := handler.registerAllocation()
	require.NoError(t, err)

	forwards, err := handler.direction(&alloc)
	require.NoError(t, err)
	assert.True(t, forwards)
}

func TestDirectionUnknownIsFatal(t *testing.T) {
	const base = 0x140000200

	// A stub with every role inferable but no ±4 vip adjustment.
	code := concat(
		[]byte{0x48, 0x8b, 0xb4, 0x24, 0x90, 0x00, 0x00, 0x00}, // mov rsi, [rsp+0x90]
		[]byte{0x48, 0x89, 0xe5},                               // mov rbp, rsp
		[]byte{0x41, 0x5b},                                     // pop r11
		[]byte{0x41, 0xff, 0xe0},                               // jmp r8
	)
	image := &fakeImage{base: base, bytes: append(code, make([]byte, lookaheadPadding)...)}
	handler, err := ReadHandler(image, base)
	require.NoError(t, err)

	alloc, err := handler.registerAllocation()
	require.NoError(t, err)

	_, err = handler.direction(&alloc)
	assert.ErrorIs(t, err, ErrDirectionUnknown)
}

func TestAmbiguousAllocationIsFatal(t *testing.T) {
	const base = 0x140000200

	// vsp and vip both land in rsi.
	code := concat(
		[]byte{0x48, 0x8b, 0xb4, 0x24, 0x90, 0x00, 0x00, 0x00}, // mov rsi, [rsp+0x90]
		[]byte{0x48, 0x89, 0xe6},                               // mov rsi, rsp
		[]byte{0x41, 0x5b},                                     // pop r11
		[]byte{0x41, 0xff, 0xe0},                               // jmp r8
	)
	image := &fakeImage{base: base, bytes: append(code, make([]byte, lookaheadPadding)...)}
	handler, err := ReadHandler(image, base)
	require.NoError(t, err)

	_, err = handler.registerAllocation()
	assert.ErrorIs(t, err, ErrAmbiguousAllocation)
}

func TestInitialVipReplaysEntryTransforms(t *testing.T) {
	handler := readVmEntryStub(t)
	alloc, err := handler.registerAllocation()
	require.NoError(t, err)

	// not(0x12345678) xor 0xadcbb987, truncated to 32 bits.
	initial := handler.initialVip(&alloc, 0x12345678)
	assert.Equal(t, uint64(0x40001000), initial)
}

func TestHandlerTableBase(t *testing.T) {
	handler := readVmEntryStub(t)

	base, index, err := handler.handlerTableBase()
	require.NoError(t, err)

	// lea r8, [rip+0x1dd9] sits at 0x140000220 with length 7.
	assert.Equal(t, uint64(0x140002000), base)
	assert.Equal(t, x86asm.LEA, handler.Instructions[index].Op())
}
