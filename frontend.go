package dbtcore

// This file defines the collaborator interfaces that sit outside this
// core's scope, identified only by the interfaces they expose to it:
// the instruction decoder, the opcode-to-IR dispatcher, the IR pass
// manager, and the host code emitter/backend. CompilationPipeline
// (pipeline.go) is written entirely against these interfaces; a real
// binding supplies concrete x86-64 decode and AArch64/x86-64 backends,
// neither of which is this core's concern.

// IROp is one operation in the translator's intermediate
// representation. This core deliberately does not prescribe a fixed
// instruction set for the IR; it only needs IR to be a value it can
// hand to a pass manager and a backend, and optionally serialize to
// text for round-trip self-validation.
type IROp struct {
	Op string
	Operands []string
}

// IRList is the reusable IR builder's finalized output for one block.
type IRList struct {
	Entry GuestRIP
	Ops []IROp
}

// Serialize renders the IR to text; encoding the same IR twice in a
// row must produce identical output for the round-trip invariant to
// hold, but the exact grammar is otherwise irrelevant.
func (ir IRList) Serialize() string {
	s := make([]byte, 0, 64*len(ir.Ops))
	for _, op := range ir.Ops {
		s = append(s, op.Op...)
		for _, operand := range op.Operands {
			s = append(s, ' ')
			s = append(s, operand...)
		}
		s = append(s, '\n')
	}
	return string(s)
}

// RAData is whatever metadata a register-allocation pass produced.
// Opaque to the core; passed through from PassManager to the backend.
type RAData struct {
	Present bool
	Data any
}

// DebugData is per-block debug info recorded in a thread's DebugStore.
type DebugData struct {
	Entry GuestRIP
	StartAddr uint64
	Length uint64
	TotalInsts int
	GeneratedIR bool
	SourceMap []uint64 // guest addr per emitted IR op, parallel-ish; best-effort
}

// DecodedInstruction is one instruction as reported by the frontend
// decoder, carrying exactly what CompilationPipeline needs to drive SMC guards, opcode
// dispatch, and LOCK-prefix cross-checking.
type DecodedInstruction struct {
	Addr uint64
	Length int
	OpcodeKey string
	HasLockPrefix bool
	// Word0/Word1 are the two 64-bit words covering this instruction's
	// guest bytes at decode time, snapshotted for the SMC guard compare.
	Word0, Word1 uint64
}

// DecodedBlockInfo is reported to the BlockCallback as the decoder
// discovers each contiguous block of guest bytes, before instruction
// iteration happens. The core uses it to populate CodePageIndex ahead
// of dispatch, step 3.
type DecodedBlockInfo struct {
	Entry GuestRIP
	Start uint64
	Length uint64
}

// BlockCallback is invoked once per block the decoder discovers.
type BlockCallback func(DecodedBlockInfo)

// FrontendDecoder decodes guest machine code starting at rip into a
// flat instruction stream, reporting block boundaries via cb as it
// goes. ErrDecodeFailure wrapping a non-zero instruction count means
// "stop here, keep what you have"; a plain ErrDecodeFailure with zero
// instructions means "nothing usable at all".
type FrontendDecoder interface {
	Decode(rip GuestRIP, multiblock bool, cb BlockCallback) ([]DecodedInstruction, error)
}

// DispatchOutcome is the opcode-to-IR dispatcher's verdict on a single
// instruction.
type DispatchOutcome struct {
	// Handled is false when the opcode table has no entry for this
	// instruction; the caller must emit InvalidOp + an early exit.
	Handled bool
	// LockPrefixConsumed reports whether the dispatcher's own handling
	// of a LOCK-prefixed instruction actually used a locked operation;
	// must match DecodedInstruction.HasLockPrefix or CompilationPipeline treats it as a
	// dispatch failure.
	LockPrefixConsumed bool
	// DecodeFailure, if true, means the dispatcher itself rejected this
	// instruction (distinct from a missing table entry).
	DecodeFailure bool
}

// OpDispatchBuilder is the reusable IR builder: reset once per
// compilation, fed one instruction at a time, and finalized into an
// IRList. Owned per-thread and reused across compiles.
type OpDispatchBuilder interface {
	Reset()
	DispatchOpcode(inst DecodedInstruction) DispatchOutcome
	EmitInvalidOp(addr uint64)
	EmitEarlyExit(addr uint64)
	EmitSMCGuard(addr uint64, word0, word1 uint64, recovery func())
	// FinishOp is called after every instruction (successful or not);
	// a true return short-circuits the rest of the current block, e.g.
	// after a terminating branch.
	FinishOp(nextPC uint64, isLastInBlock bool) (shortCircuit bool)
	Finalize() IRList
}

// CustomIRResult is what a CustomIRHandler hands back in place of
// normal decode; it is treated as a single-instruction block.
type CustomIRResult struct {
	IR IRList
	Length uint64
}

// CustomIRHandler is a hand-written IR-builder callback registered at a
// guest entry address, bypassing the frontend decoder entirely.
type CustomIRHandler func(rip GuestRIP) (CustomIRResult, error)

// PassManager runs the optimizer/register-allocator pipeline over a
// finalized IRList, optionally producing RAData.
type PassManager interface {
	RunPasses(ir *IRList, cfg Config) (RAData, error)
}

// CPUBackend is the host code emitter: given IR plus allocation
// metadata, it writes machine code into buf and returns the entry
// pointer of the first instruction. It also reports which byte offsets
// of what it just emitted are position-dependent (named-symbol
// literals, guest-RIP literals/moves), so the coordinator can hand
// those to the object cache as the relocation recipe a future process
// would need to re-host this same fragment. A backend with nothing
// relocatable returns a nil/empty slice.
type CPUBackend interface {
	CompileCode(rip GuestRIP, ir IRList, debug DebugData, ra RAData, buf *CodeBuffer) (HostCodePtr, []Relocation, error)
	SupportsStaticRegisterAllocation() bool
}

// SyscallHandler is notified so the host can arrange write-trapping for
// SMC detection. After a successful GenerateIR in which some decoded
// block touched a guest page with no prior CodePageIndex entry,
// NotifyPageExecutable is called once with the page of the entry RIP;
// the other newly touched pages are not reported individually.
type SyscallHandler interface {
	NotifyPageExecutable(page uint64)
}

// SymbolRegistrar records a compiled block's host address range under a
// human-readable name, for external profilers/debuggers.
type SymbolRegistrar interface {
	RegisterSymbol(name string, host HostCodePtr, length int)
}
