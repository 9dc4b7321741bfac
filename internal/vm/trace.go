package vm

import (
	"fmt"
	"vmdevirt/internal/common"
)

// Runaway guard; a legitimate virtualized region stays far below this.
const maxTraceHandlers = 1000000

// TraceStep is one interpreted handler.
type TraceStep struct {
	HandlerAddress uint64
	Class          HandlerClass
	Instruction    VmInstruction
}

// Trace is the reconstructed virtual instruction stream of one guarded call
// site.
type Trace struct {
	Context          *VmContext
	Steps            []TraceStep
	HandlerAddresses []uint64
}

// Run bootstraps a VmContext at the call site and follows the interpreter's
// handlers until the stream branches or exits.
func Run(reader common.ByteReader, vmCallAddress uint64) (*Trace, error) {
	ctx, err := NewVmContext(reader, vmCallAddress)
	if err != nil {
		return nil, err
	}

	trace := &Trace{
		Context:          ctx,
		HandlerAddresses: []uint64{ctx.VmEntryAddress},
	}

	for i := 0; i < maxTraceHandlers; i++ {
		address := ctx.HandlerAddress
		trace.HandlerAddresses = append(trace.HandlerAddresses, address)

		handler, err := ReadHandler(reader, address)
		if err != nil {
			return trace, err
		}

		class, err := handler.Class(&ctx.Regs)
		if err != nil {
			return trace, err
		}

		step := TraceStep{HandlerAddress: address, Class: class}

		switch class {
		case ClassUnconditionalBranch:
			trace.Steps = append(trace.Steps, step)
			return trace, nil

		case ClassNoVipChange:
			step.Instruction = handler.matchNoVipChangeInstructions(&ctx.Regs)
			trace.Steps = append(trace.Steps, step)
			return trace, nil

		case ClassByteOperand:
			operand, err := ctx.decodeByteOperand(reader, handler)
			if err != nil {
				return trace, err
			}
			step.Instruction = handler.matchByteOperandInstructions(&ctx.Regs, operand)

		case ClassWordOperand:
			operand, err := ctx.decodeWordOperand(reader, handler)
			if err != nil {
				return trace, err
			}
			step.Instruction = handler.matchWordOperandInstructions(&ctx.Regs, operand)

		case ClassDwordOperand:
			operand, err := ctx.decodeDwordOperand(reader, handler)
			if err != nil {
				return trace, err
			}
			step.Instruction = handler.matchDwordOperandInstructions(&ctx.Regs, operand)

		case ClassQwordOperand:
			operand, err := ctx.decodeQwordOperand(reader, handler)
			if err != nil {
				return trace, err
			}
			step.Instruction = handler.matchQwordOperandInstructions(&ctx.Regs, operand)

		case ClassNoOperand:
			if err := ctx.decodeNoOperand(reader, handler); err != nil {
				return trace, err
			}
			step.Instruction = handler.matchNoOperandInstructions(&ctx.Regs)
		}

		trace.Steps = append(trace.Steps, step)
	}

	return trace, fmt.Errorf("trace did not terminate within %d handlers", maxTraceHandlers)
}
