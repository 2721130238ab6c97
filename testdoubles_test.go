package dbtcore

import "sync/atomic"

// Reference/fake implementations of the CompilationPipeline collaborator interfaces,
// used across this package's tests in place of a real x86-64 decoder
// and a real backend. They are intentionally simple: enough behavior to
// exercise CompilationPipeline, CodeCacheCoordinator, and
// InvalidationEngine faithfully, with invocation counters many tests
// assert on directly to prove a cache hit, peer import, or custom IR
// handler genuinely skipped recompilation.

// fakeDecoder decodes a fixed one-instruction block per RIP unless
// configured otherwise. decodeCalls counts every Decode invocation.
type fakeDecoder struct {
	decodeCalls atomic.Int64
	instLen int
	failOnRIP map[GuestRIP]bool // decode failure with zero instructions
	partialAfter map[GuestRIP]int // fail after N instructions (0 = never)
	blockLen uint64
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		instLen: 4,
		failOnRIP: make(map[GuestRIP]bool),
		partialAfter: make(map[GuestRIP]int),
		blockLen: 4,
	}
}

func (f *fakeDecoder) Decode(rip GuestRIP, multiblock bool, cb BlockCallback) ([]DecodedInstruction, error) {
	f.decodeCalls.Add(1)
	if f.failOnRIP[rip] {
		return nil, ErrDecodeFailure
	}

	cb(DecodedBlockInfo{Entry: rip, Start: uint64(rip), Length: f.blockLen})

	limit := f.partialAfter[rip]
	insts := []DecodedInstruction{{
		Addr: uint64(rip),
		Length: f.instLen,
		OpcodeKey: "nop",
		Word0: 0x9090909090909090,
		Word1: 0x9090909090909090,
	}}
	if limit == 1 {
		return insts, ErrDecodeFailure
	}
	return insts, nil
}

// fakeBuilder accumulates one IROp per DispatchOpcode call and reports
// every opcode key as handled unless listed in unhandled.
type fakeBuilder struct {
	ops []IROp
	unhandled map[string]bool
	lockMismatch bool
	entry GuestRIP
	finalizeCnt atomic.Int64
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{unhandled: make(map[string]bool)}
}

func (b *fakeBuilder) Reset() { b.ops = nil }

func (b *fakeBuilder) DispatchOpcode(inst DecodedInstruction) DispatchOutcome {
	if b.unhandled[inst.OpcodeKey] {
		return DispatchOutcome{Handled: false}
	}
	b.ops = append(b.ops, IROp{Op: inst.OpcodeKey, Operands: []string{"addr"}})
	return DispatchOutcome{Handled: true, LockPrefixConsumed: inst.HasLockPrefix && !b.lockMismatch}
}

func (b *fakeBuilder) EmitInvalidOp(addr uint64) {
	b.ops = append(b.ops, IROp{Op: "InvalidOp"})
}

func (b *fakeBuilder) EmitEarlyExit(addr uint64) {
	b.ops = append(b.ops, IROp{Op: "EarlyExit"})
}

func (b *fakeBuilder) EmitSMCGuard(addr uint64, word0, word1 uint64, recovery func()) {
	b.ops = append(b.ops, IROp{Op: "SMCGuard"})
}

func (b *fakeBuilder) FinishOp(nextPC uint64, isLastInBlock bool) bool { return false }

func (b *fakeBuilder) Finalize() IRList {
	b.finalizeCnt.Add(1)
	return IRList{Entry: b.entry, Ops: append([]IROp(nil), b.ops...)}
}

// fakePassManager is a no-op pass manager that optionally produces
// RAData.
type fakePassManager struct {
	produceRA bool
	calls atomic.Int64
	failErr error
}

func (p *fakePassManager) RunPasses(ir *IRList, cfg Config) (RAData, error) {
	p.calls.Add(1)
	if p.failErr != nil {
		return RAData{}, p.failErr
	}
	if p.produceRA {
		return RAData{Present: true, Data: "ra"}, nil
	}
	return RAData{}, nil
}

// fakeBackend "compiles" by reserving len(ir.Ops)*8 + 8 bytes from buf
// and writing nothing meaningful into them; compileCalls counts how
// many times the backend actually ran, asserted unchanged by tests
// that expect a cache hit, peer import, or custom IR path to have
// skipped recompilation entirely.
type fakeBackend struct {
	compileCalls atomic.Int64
	staticRegAllocOK bool
	failNil bool
	emitRelocations []Relocation
}

func (be *fakeBackend) CompileCode(rip GuestRIP, ir IRList, debug DebugData, ra RAData, buf *CodeBuffer) (HostCodePtr, []Relocation, error) {
	be.compileCalls.Add(1)
	if be.failNil {
		return 0, nil, nil
	}
	n := len(ir.Ops)*8 + 8
	_, entry, ok := buf.Reserve(n)
	if !ok {
		return 0, nil, ErrCodeBufferFull
	}
	return entry, be.emitRelocations, nil
}

func (be *fakeBackend) SupportsStaticRegisterAllocation() bool { return be.staticRegAllocOK }

// fakeSyscallHandler records every page it was notified about.
type fakeSyscallHandler struct {
	notified []uint64
}

func (f *fakeSyscallHandler) NotifyPageExecutable(page uint64) {
	f.notified = append(f.notified, page)
}

// fakeSymbolRegistrar records every symbol registration.
type fakeSymbolRegistrar struct {
	names []string
}

func (f *fakeSymbolRegistrar) RegisterSymbol(name string, host HostCodePtr, length int) {
	f.names = append(f.names, name)
}

// fakeDispatcher simulates the host trampoline for ThreadSupervisor
// tests. onDispatch, if set, is called for every ExecuteDispatch
// invocation; otherwise exitReason is returned immediately.
type fakeDispatcher struct {
	exitReason ExitReason
	onDispatch func(frame *DispatcherFrame) ExitReason
	dispatchCnt atomic.Int64
	callbackCnt atomic.Int64
	lastCallback GuestRIP
}

func (d *fakeDispatcher) ExecuteDispatch(frame *DispatcherFrame) ExitReason {
	d.dispatchCnt.Add(1)
	if d.onDispatch != nil {
		return d.onDispatch(frame)
	}
	return d.exitReason
}

func (d *fakeDispatcher) ExecuteJITCallback(frame *DispatcherFrame, rip GuestRIP) ExitReason {
	d.callbackCnt.Add(1)
	d.lastCallback = rip
	return ExitAsyncRun
}
