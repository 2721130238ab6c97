package dbtcore

// Engine is the embedding API exposed to the frontend: it owns the
// Context and the CodeCacheCoordinator/InvalidationEngine/
// ThreadSupervisor components bound to it, and is the only type an
// embedder constructs directly. Everything else in this module is
// reached through it or through a *ThreadState it hands back.
type Engine struct {
	ctx *Context
	coordinator *CodeCacheCoordinator
	invalidation *InvalidationEngine
	supervisor *ThreadSupervisor
}

// NewEngine validates cfg and wires up a Context plus its
// CodeCacheCoordinator/InvalidationEngine/ThreadSupervisor components.
// dispatcher is the hand-written host trampoline collaborator; a real
// binding supplies one, tests supply a fake.
func NewEngine(cfg Config, logger Logger, dispatcher Dispatcher) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := NewContext(cfg, logger)
	ctx.Relocations = &RelocationEngine{}

	e := &Engine{ctx: ctx}
	e.coordinator = NewCodeCacheCoordinator(ctx)
	e.invalidation = NewInvalidationEngine(ctx)
	e.supervisor = NewThreadSupervisor(ctx, e.coordinator, dispatcher)
	return e, nil
}

// Context exposes the underlying Context for collaborators that need to
// be wired in after construction (ObjectCache, Syscalls, Symbols).
func (e *Engine) Context() *Context { return e.ctx }

// InitCore installs the parent thread with a default CPU state, RIP set
// to initialRip and the stack-pointer register set to stackPtr.
// GRegs[4] is this engine's ABI convention for RSP, matching the CPU
// state layout's fixed-offset register file.
func (e *Engine) InitCore(initialRip GuestRIP, stackPtr uint64, pipeline *CompilationPipeline, backend CPUBackend, bufSize int) (*ThreadState, error) {
	const rspRegisterIndex = 4
	ts, err := e.supervisor.CreateThread(ThreadManagerRecord{}, pipeline, backend, bufSize)
	if err != nil {
		return nil, err
	}
	ts.CPU.RIP = uint64(initialRip)
	ts.CPU.GRegs[rspRegisterIndex] = stackPtr
	return ts, nil
}

// RunUntilExit resumes every thread and blocks until the core's
// shutdown latch fires, then returns ExitShutdown. A real binding with
// a CustomExitHandler would route intermediate non-shutdown exits
// through it instead of blocking here; that hook belongs on the
// embedder's own config, not invented further by this core.
func (e *Engine) RunUntilExit() ExitReason {
	e.supervisor.Run()
	e.ctx.WaitForShutdown()
	return ExitShutdown
}

// Pause, Run, Stop, and Step delegate to the supervisor's control
// surface.
func (e *Engine) Pause() { e.supervisor.Pause() }
func (e *Engine) Run() { e.supervisor.Run() }
func (e *Engine) Stop(ignoreSelf bool) { e.supervisor.Stop(ignoreSelf) }
func (e *Engine) Step() { e.supervisor.Step() }

// HandleCallback is the host-to-guest callback entry point: it invokes
// the dispatcher's ExecuteJITCallback on behalf of an embedder-driven
// host->guest upcall.
func (e *Engine) HandleCallback(thread *ThreadState, rip GuestRIP) ExitReason {
	return e.supervisor.dispatcher.ExecuteJITCallback(&thread.Frame, rip)
}

// CompileRIP is the debug-only force-compile entry point: it clears any
// prior LookupCache/DebugStore entry for rip before compiling, so a
// debugger can force recompilation of a single block without flushing
// the whole cache.
func (e *Engine) CompileRIP(thread *ThreadState, rip GuestRIP) (HostCodePtr, error) {
	thread.LookupCache.Erase(rip)
	thread.DebugStore.Erase(rip)
	return e.coordinator.CompileBlock(thread, rip)
}

// AddCustomIREntrypoint registers a custom IR handler at rip: returns
// false if rip is already registered, and a non-nil error if a 32-bit
// guest is handed a >32-bit address.
func (e *Engine) AddCustomIREntrypoint(rip GuestRIP, handler CustomIRHandler) (bool, error) {
	return e.ctx.CustomIR.Add(rip, handler, e.ctx.Config.Is64BitMode)
}

// RemoveCustomIREntrypoint atomically invalidates rip's one-byte range
// and removes its custom IR handler under the exclusive invalidation
// lock, sharing one invalidation code path for single-entry removal.
func (e *Engine) RemoveCustomIREntrypoint(rip GuestRIP) {
	e.invalidation.InvalidateGuestCodeRange(uint64(rip), 1, func() {
		e.ctx.CustomIR.Remove(rip)
	})
}

// InvalidateGuestCodeRange delegates to InvalidationEngine.
func (e *Engine) InvalidateGuestCodeRange(start, length uint64, afterHook func()) {
	e.invalidation.InvalidateGuestCodeRange(start, length, afterHook)
}

// MarkMemoryShared handles TSO auto-migration: if enabled and exactly
// one thread exists, clears that thread's LookupCache and DebugStore.
// If enabled and the thread count is anything other than one, it
// returns an invariant breach. It keeps no shared-memory flag: nothing
// else in the engine changes after it returns, and each call repeats
// the check and the clear.
func (e *Engine) MarkMemoryShared() error {
	if !e.ctx.Config.TSOAutoMigration {
		return nil
	}
	threads := e.ctx.Threads()
	if len(threads) != 1 {
		return wrapInvariant("MarkMemoryShared called with %d threads, must be exactly 1", len(threads))
	}
	threads[0].LookupCache.ClearCache()
	threads[0].DebugStore.Clear()
	return nil
}

// GetDebugDataForRIP, FindHostCodeForRIP, GetRuntimeStatsForThread, and
// GetThreadCount are the introspection calls exposed to an embedder.
func (e *Engine) GetDebugDataForRIP(thread *ThreadState, rip GuestRIP) (DebugData, bool) {
	return thread.DebugStore.Get(rip)
}

func (e *Engine) FindHostCodeForRIP(thread *ThreadState, rip GuestRIP) HostCodePtr {
	return thread.LookupCache.FindBlock(rip)
}

func (e *Engine) GetRuntimeStatsForThread(i int) (ThreadStats, bool) {
	threads := e.ctx.Threads()
	if i < 0 || i >= len(threads) {
		return ThreadStats{}, false
	}
	return threads[i].Stats, true
}

func (e *Engine) GetThreadCount() int { return e.ctx.ThreadCount() }

// LibraryChangeListener is notified when an AOT IR cache entry is
// loaded or unloaded, a narrow interface substituting for a concrete
// GDB/debug-server dependency this core doesn't otherwise need.
type LibraryChangeListener interface {
	EntryLoaded(filename string)
	EntryUnloaded(filename string)
}

// LoadAOTIRCacheEntry and UnloadAOTIRCacheEntry notify a registered
// LibraryChangeListener, if any, of an AOT IR cache library change.
func (e *Engine) LoadAOTIRCacheEntry(filename string, listener LibraryChangeListener) {
	if listener != nil {
		listener.EntryLoaded(filename)
	}
}

func (e *Engine) UnloadAOTIRCacheEntry(filename string, listener LibraryChangeListener) {
	if listener != nil {
		listener.EntryUnloaded(filename)
	}
}
