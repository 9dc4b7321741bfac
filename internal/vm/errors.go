package vm

import "errors"

var (
	ErrBadEntrySite        = errors.New("vm call site is not a push imm32; call rel32 pair")
	ErrAmbiguousAllocation = errors.New("vm entry handler does not yield four distinct registers")
	ErrDirectionUnknown    = errors.New("vip direction not found in vm entry handler")
	ErrHandlerTooLong      = errors.New("handler exceeds the instruction bound")
	ErrUnknownClass        = errors.New("vip update pattern matches no handler class")
)
