// Package classify decodes a single x86-64 instruction and classifies its
// control-flow effect for the edge reconstructor. It decodes through
// golang.org/x/arch/x86/x86asm rather than hand-rolling an opcode table.
package classify

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"iptr/memaccess"
)

// ErrMemoryUnavailable marks a Classify failure caused by the memory reader
// not supplying any instruction bytes at all (e.g. an address outside any
// mapped region), as distinct from x86asm failing to decode bytes that were
// actually read. Callers can tell the two apart with errors.Is.
var ErrMemoryUnavailable = errors.New("classify: instruction bytes unavailable")

// BranchKind is the control-flow effect of a decoded instruction, as far
// as the classifier alone can determine it. It omits Fallthrough/AsyncEvent
// /TraceBegin/CondNotTaken, which only the edge reconstructor can assign
// once it knows whether a conditional branch was taken.
type BranchKind int

const (
	None BranchKind = iota
	CondBranch
	UncondDirect
	DirectCall
	IndirectJump
	IndirectCall
	Return
	Syscall
	Interrupt
)

func (k BranchKind) String() string {
	switch k {
	case None:
		return "none"
	case CondBranch:
		return "cond-branch"
	case UncondDirect:
		return "uncond-direct"
	case DirectCall:
		return "direct-call"
	case IndirectJump:
		return "indirect-jump"
	case IndirectCall:
		return "indirect-call"
	case Return:
		return "return"
	case Syscall:
		return "syscall"
	case Interrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// ExecMode selects the instruction-set width PT's MODE.Exec packet last
// announced; x86asm decodes all three identically modulo operand/address
// size defaults.
type ExecMode int

const (
	Mode16 ExecMode = 16
	Mode32 ExecMode = 32
	Mode64 ExecMode = 64
)

// Info is the classifier's verdict for one instruction.
type Info struct {
	Length    int
	Branch    BranchKind
	Target    uint64
	HasTarget bool // true when Target was statically derivable (direct branches)
}

// maxInstrLen is the longest possible x86-64 instruction encoding.
const maxInstrLen = 15

// Classify decodes the instruction at addr via mem and reports its
// control-flow effect.
func Classify(addr uint64, mem memaccess.Reader, mode ExecMode) (Info, error) {
	buf := make([]byte, maxInstrLen)
	n, err := mem.Read(addr, buf)
	if n == 0 {
		return Info{}, fmt.Errorf("classify: cannot read instruction bytes at 0x%x: %w: %v", addr, ErrMemoryUnavailable, err)
	}
	buf = buf[:n]

	inst, err := x86asm.Decode(buf, int(mode))
	if err != nil {
		return Info{}, fmt.Errorf("classify: decode at 0x%x: %w", addr, err)
	}

	info := Info{Length: inst.Len}
	info.Branch, info.Target, info.HasTarget = classifyOp(inst, addr)
	return info, nil
}

func classifyOp(inst x86asm.Inst, addr uint64) (BranchKind, uint64, bool) {
	switch inst.Op {
	case x86asm.JMP:
		return branchKindFor(inst, addr, UncondDirect, IndirectJump)
	case x86asm.CALL:
		return branchKindFor(inst, addr, DirectCall, IndirectCall)
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		target, ok := directTarget(inst, addr)
		return CondBranch, target, ok
	case x86asm.RET, x86asm.RETF:
		return Return, 0, false
	case x86asm.SYSCALL, x86asm.SYSENTER:
		return Syscall, 0, false
	case x86asm.INT, x86asm.INT3, x86asm.INTO, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return Interrupt, 0, false
	default:
		return None, 0, false
	}
}

// branchKindFor distinguishes JMP/CALL's direct-relative form (a single
// constant Arg) from its indirect register/memory form.
func branchKindFor(inst x86asm.Inst, addr uint64, direct, indirect BranchKind) (BranchKind, uint64, bool) {
	if len(inst.Args) == 0 || inst.Args[0] == nil {
		return indirect, 0, false
	}
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		return direct, uint64(int64(addr) + int64(inst.Len) + int64(rel)), true
	}
	return indirect, 0, false
}

func directTarget(inst x86asm.Inst, addr uint64) (uint64, bool) {
	if len(inst.Args) == 0 || inst.Args[0] == nil {
		return 0, false
	}
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		return uint64(int64(addr) + int64(inst.Len) + int64(rel)), true
	}
	return 0, false
}
