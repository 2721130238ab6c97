package dbtcore

// CompilationPipeline drives decode -> IR build -> passes, for one
// guest entry point. It holds no state of its own; every mutable piece
// (the builder, the decoder, the custom IR handler table) belongs to
// the ThreadState or Context that calls it, so the pipeline is a free
// function over the thread's owned collaborators rather than an object
// with its own lifetime.
type CompilationPipeline struct {
	Decoder FrontendDecoder
	Builder OpDispatchBuilder
	Passes PassManager
	Syscalls SyscallHandler
	CodePages *CodePageIndex
	CustomIR *CustomIRTable
	Config Config
}

// GeneratedIR is CompilationPipeline's successful result: the finalized IR, any
// register-allocation metadata, and the block extent the caller must
// record.
type GeneratedIR struct {
	IR IRList
	RA RAData
	TotalInsts int
	TotalLen uint64
	StartAddr uint64
	Length uint64
	// GeneratedByCustomHandler is true when a CustomIRHandler served
	// this RIP instead of the frontend decoder.
	GeneratedByCustomHandler bool
}

// GenerateIR decodes and builds the IR for rip, on behalf of thread. A
// zero-value, ok-false return means "nothing usable at this RIP" (if no
// instructions were translated, return empty); the caller
// (CodeCacheCoordinator) treats that as a hard compile failure. thread
// is needed only to close the SMC guard's recovery callback over the
// owning LookupCache/DebugStore; GenerateIR otherwise reads only
// p's own collaborators.
func (p *CompilationPipeline) GenerateIR(thread *ThreadState, rip GuestRIP) (GeneratedIR, bool) {
	p.Builder.Reset()

	if p.CustomIR != nil {
		if handler, ok := p.CustomIR.Lookup(rip); ok {
			result, err := handler(rip)
			if err != nil {
				return GeneratedIR{}, false
			}
			return GeneratedIR{
				IR: result.IR,
				TotalInsts: 1,
				TotalLen: result.Length,
				StartAddr: uint64(rip),
				Length: result.Length,
				GeneratedByCustomHandler: true,
			}, true
		}
	}

	var newPage bool
	recordBlock := func(b DecodedBlockInfo) {
		if p.CodePages == nil {
			return
		}
		if p.CodePages.RegisterBlock(b.Entry, b.Start, b.Length) {
			newPage = true
		}
	}

	insts, err := p.Decoder.Decode(rip, p.Config.Multiblock, recordBlock)
	if len(insts) == 0 {
		return GeneratedIR{}, false
	}

	totalLen := uint64(0)
	lastAddr := insts[0].Addr
	translated := 0
	decodeFailed := err != nil

	smcFull := p.Config.SMCChecks == SMCFull

	for i, inst := range insts {
		isLast := i == len(insts)-1

		if smcFull {
			p.Builder.EmitSMCGuard(inst.Addr, inst.Word0, inst.Word1, func() {
				thread.LookupCache.Erase(rip)
				thread.DebugStore.Erase(rip)
			})
		}

		outcome := p.Builder.DispatchOpcode(inst)
		if !outcome.Handled {
			p.Builder.EmitInvalidOp(inst.Addr)
			p.Builder.EmitEarlyExit(inst.Addr)
			translated++
			lastAddr = inst.Addr + uint64(inst.Length)
			break
		}
		if outcome.LockPrefixConsumed != inst.HasLockPrefix {
			// Dispatch failure: the LOCK prefix seen at decode time
			// disagrees with what the dispatcher actually emitted.
			decodeFailed = true
			break
		}
		if outcome.DecodeFailure {
			decodeFailed = true
			break
		}

		translated++
		totalLen += uint64(inst.Length)
		lastAddr = inst.Addr + uint64(inst.Length)

		shortCircuit := p.Builder.FinishOp(lastAddr, isLast)
		if shortCircuit {
			break
		}
	}

	if translated == 0 {
		return GeneratedIR{}, false
	}
	if decodeFailed {
		p.Builder.EmitEarlyExit(lastAddr)
	}

	ir := p.Builder.Finalize()
	ir.Entry = rip

	ra, paErr := p.Passes.RunPasses(&ir, p.Config)
	if paErr != nil {
		return GeneratedIR{}, false
	}

	if p.Config.ValidateIRParser {
		first := ir.Serialize()
		second := ir.Serialize()
		if first != second {
			return GeneratedIR{}, false
		}
	}

	if newPage && p.Syscalls != nil {
		p.Syscalls.NotifyPageExecutable(uint64(rip) >> 12)
	}

	return GeneratedIR{
		IR: ir,
		RA: ra,
		TotalInsts: translated,
		TotalLen: totalLen,
		StartAddr: uint64(rip),
		Length: lastAddr - uint64(rip),
	}, true
}

