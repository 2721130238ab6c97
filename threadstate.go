package dbtcore

import (
	"sync/atomic"

	"github.com/arkanejit/dbtcore/internal/parkqueue"
)

// ThreadPhase is ThreadSupervisor's per-thread state machine position.
type ThreadPhase int32

const (
	ThreadCreated ThreadPhase = iota
	ThreadWaitingToStart
	ThreadRunning
	ThreadPaused
	ThreadStopping
	ThreadDestroyed
)

func (p ThreadPhase) String() string {
	switch p {
	case ThreadCreated:
		return "Created"
	case ThreadWaitingToStart:
		return "WaitingToStart"
	case ThreadRunning:
		return "Running"
	case ThreadPaused:
		return "Paused"
	case ThreadStopping:
		return "Stopping"
	case ThreadDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// SignalSemantic is the reason a directed pause signal was sent,
// checked cooperatively at dispatch boundaries: threads check
// SignalReason each time ExecuteDispatch returns.
type SignalSemantic int32

const (
	SignalNone SignalSemantic = iota
	SignalPause
	SignalStop
)

// ThreadStats holds the per-thread counters GetRuntimeStatsForThread
// surfaces to the embedder.
type ThreadStats struct {
	BlocksCompiled atomic.Uint64
	BlocksLinked atomic.Uint64
	PeerImportHits atomic.Uint64
	ObjectCacheHits atomic.Uint64
	CacheClears atomic.Uint64
}

// DispatcherFrame is the fixed-offset record the host trampoline reads
// directly: the function pointers and cache pointers emitted code
// needs, without calling back into Go.
type DispatcherFrame struct {
	L1Pointer *[l1Size]atomic.Uintptr
	ExitFunctionLinker uintptr
	CallbackEntry uintptr
	SignalReturnEntry uintptr
}

// ThreadState is the per-guest-thread record: CPU state, the
// reusable compilation collaborators, the lookup/debug/code-buffer
// triple, and the atomics/events ThreadSupervisor drives. It is owned
// exclusively by its Context for creation/destruction, and mutated only
// by its own OS thread except through the atomics and locks named
// below.
type ThreadState struct {
	Manager ThreadManagerRecord
	CPU CPUState
	Frame DispatcherFrame

	LookupCache *LookupCache
	DebugStore *DebugStore
	CodeBuffer *CodeBuffer
	Pipeline *CompilationPipeline
	Backend CPUBackend

	Stats ThreadStats
	ObjectCacheRefCount *parkqueue.Counter

	startGate *parkqueue.Gate // StartRunning
	waitingGate *parkqueue.Gate // ThreadWaiting

	phase atomic.Int32
	Running atomic.Bool
	WaitingToStart atomic.Bool
	EarlyExitFlag atomic.Bool
	SignalReason atomic.Int32

	RunningMode atomic.Value // RunningMode, set/read as string

	ctx *Context
}

// NewThreadState allocates a fresh ThreadState wired to ctx, with its
// own LookupCache, DebugStore, and code buffer.
func NewThreadState(ctx *Context, manager ThreadManagerRecord, pipeline *CompilationPipeline, backend CPUBackend, bufSize int) (*ThreadState, error) {
	buf, err := NewCodeBuffer(bufSize)
	if err != nil {
		return nil, err
	}
	ts := &ThreadState{
		Manager: manager,
		CPU: DefaultCPUState(),
		LookupCache: NewLookupCache(),
		DebugStore: NewDebugStore(),
		CodeBuffer: buf,
		Pipeline: pipeline,
		Backend: backend,
		ObjectCacheRefCount: parkqueue.NewCounter(),
		startGate: parkqueue.NewGate(),
		waitingGate: parkqueue.NewGate(),
		ctx: ctx,
	}
	ts.Frame.L1Pointer = ts.LookupCache.L1Pointer()
	ts.phase.Store(int32(ThreadCreated))
	ts.RunningMode.Store(ctx.Config.RunningMode)
	return ts, nil
}

// Phase returns the thread's current lifecycle state.
func (ts *ThreadState) Phase() ThreadPhase { return ThreadPhase(ts.phase.Load()) }

func (ts *ThreadState) setPhase(p ThreadPhase) { ts.phase.Store(int32(p)) }

// ClearCodeCache resets this thread's LookupCache, DebugStore, and code
// buffer cursor, draining any outstanding object-cache serialization
// jobs first so a background writer never reads freed code. Also used
// by CodeCacheCoordinator's buffer-exhaustion retry path.
func (ts *ThreadState) ClearCodeCache() {
	if ts.ctx != nil && ts.ctx.ObjectCache != nil {
		ts.ctx.ObjectCache.WaitForEmptyJobQueue(ts.ObjectCacheRefCount)
	}
	ts.LookupCache.ClearCache()
	ts.DebugStore.Clear()
	ts.CodeBuffer.Clear()
	ts.Stats.CacheClears.Add(1)
}
