package dbtcore

// InvalidationEngine tears down every compiled block whose recorded
// guest extent overlaps a range of guest bytes that just changed
// underneath the code cache (self-modifying code, a guest unmap/remap,
// or an explicit flush request from the embedder).
type InvalidationEngine struct {
	ctx *Context
}

// NewInvalidationEngine returns an engine bound to ctx.
func NewInvalidationEngine(ctx *Context) *InvalidationEngine {
	return &InvalidationEngine{ctx: ctx}
}

// InvalidateGuestCodeRange tears down every block whose registered page
// range overlaps [start, start+length). It is over-approximate by page:
// a block sharing a page with the invalidated bytes is evicted even if
// its own extent doesn't overlap, which is fine because the
// compilation pipeline's SMC guard means a stale-but-evicted block was
// never unsafe to keep, only unnecessary.
//
// afterHook, if non-nil, runs while the exclusive invalidation lock is
// still held, so its effect (e.g. CustomIRTable.Remove) is atomic with
// respect to the eviction it follows.
func (e *InvalidationEngine) InvalidateGuestCodeRange(start, length uint64, afterHook func()) {
	e.ctx.CodeInvalidation.Lock()
	defer e.ctx.CodeInvalidation.Unlock()

	pages := coveredPages(start, length)
	if len(pages) == 0 {
		if afterHook != nil {
			afterHook()
		}
		return
	}
	firstPage, lastPage := pages[0], pages[len(pages)-1]

	// Step 1: every block recorded on any touched page, evicted from
	// every thread's LookupCache and DebugStore.
	victims := e.ctx.CodePages.BlocksTouchingPages(firstPage, lastPage)
	threads := e.ctx.Threads()
	for _, rip := range victims {
		for _, t := range threads {
			t.LookupCache.Erase(rip)
			t.DebugStore.Erase(rip)
		}
	}

	// Step 2: every link that targets an evicted block is delinked.
	for _, rip := range victims {
		e.ctx.BlockLinks.DelinkRange(rip, rip)
	}

	// Step 3: drop the page entries themselves.
	e.ctx.CodePages.ClearPages(firstPage, lastPage)

	// Step 4.
	if afterHook != nil {
		afterHook()
	}
}
