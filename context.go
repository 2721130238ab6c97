package dbtcore

import (
	"sync"

	"github.com/arkanejit/dbtcore/internal/parkqueue"
)

// Context is the single value that encapsulates every piece of
// process-wide mutable state: the thread list, the invalidation lock,
// the page index, the block-link graph, and the custom-IR table. The
// embedder explicitly constructs and tears down a Context; everything
// else in this module reaches shared state only through one.
type Context struct {
	Config Config
	Logger Logger

	CodeInvalidation sync.RWMutex // lock #1: shared by compilers, exclusive by invalidators
	threadCreation sync.RWMutex // lock #2
	threads []*ThreadState
	parentThread *ThreadState

	CustomIR *CustomIRTable // lock #3, internal to CustomIRTable
	CodePages *CodePageIndex // lock #4, internal to CodePageIndex
	BlockLinks *BlockLinkGraph // lock #5, internal to BlockLinkGraph

	ObjectCache *ObjectCacheService // optional, nil if CacheObjectCodeCompilation == NONE
	Relocations *RelocationEngine

	Syscalls SyscallHandler
	Symbols SymbolRegistrar

	// IdleWaitRefCount counts threads currently executing guest code;
	// WaitForIdle blocks on it reaching zero (quiescence).
	IdleWaitRefCount *parkqueue.Counter

	shuttingDown bool
	shutdownMu sync.Mutex
	shutdownGate *parkqueue.Gate
}

// NewContext returns a Context with fresh shared structures. Callers
// still need to set Syscalls/Symbols/ObjectCache/Relocations as their
// embedding requires.
func NewContext(cfg Config, logger Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: componentLogger(logger, "context"),
		CustomIR: NewCustomIRTable(),
		CodePages: NewCodePageIndex(),
		BlockLinks: NewBlockLinkGraph(),
		IdleWaitRefCount: parkqueue.NewCounter(),
		shutdownGate: parkqueue.NewGate(),
	}
}

// AddThread registers a newly created thread, under the exclusive
// thread-creation lock (lock #2).
func (c *Context) AddThread(ts *ThreadState) {
	c.threadCreation.Lock()
	defer c.threadCreation.Unlock()
	c.threads = append(c.threads, ts)
	if ts.Manager.ParentTID == 0 && c.parentThread == nil {
		c.parentThread = ts
	}
}

// RemoveThread drops ts from the thread list. Returns an
// *InvariantBreachError if ts isn't present: removing a thread not in
// the thread list is an invariant breach.
func (c *Context) RemoveThread(ts *ThreadState) error {
	c.threadCreation.Lock()
	defer c.threadCreation.Unlock()
	for i, t := range c.threads {
		if t == ts {
			c.threads = append(c.threads[:i], c.threads[i+1:]...)
			return nil
		}
	}
	return wrapInvariant("RemoveThread: thread %d not in thread list", ts.Manager.TID)
}

// Threads returns a snapshot of the current thread list under the
// shared thread-creation lock.
func (c *Context) Threads() []*ThreadState {
	c.threadCreation.RLock()
	defer c.threadCreation.RUnlock()
	out := make([]*ThreadState, len(c.threads))
	copy(out, c.threads)
	return out
}

// ThreadCount reports the number of live threads.
func (c *Context) ThreadCount() int {
	c.threadCreation.RLock()
	defer c.threadCreation.RUnlock()
	return len(c.threads)
}

// MarkShuttingDown latches the one-way core-shutdown flag. It fires
// only when the parent thread (ParentTID == 0) is the one exiting,
// carried forward from the original engine's literal check rather than
// re-derived.
func (c *Context) MarkShuttingDown(exiting *ThreadState) {
	c.shutdownMu.Lock()
	fire := exiting == c.parentThread && !c.shuttingDown
	if fire {
		c.shuttingDown = true
	}
	c.shutdownMu.Unlock()
	if fire {
		c.shutdownGate.Ready()
	}
}

// ShuttingDown reports whether the core is in its shutdown path.
func (c *Context) ShuttingDown() bool {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	return c.shuttingDown
}

// WaitForShutdown blocks until MarkShuttingDown latches, used by
// RunUntilExit to block the caller until the core's one-way
// shutdown fires rather than polling.
func (c *Context) WaitForShutdown() {
	for {
		snap := c.shutdownGate.Snapshot()
		if c.ShuttingDown() {
			return
		}
		c.shutdownGate.WaitFrom(snap)
	}
}
