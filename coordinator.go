package dbtcore

import "fmt"

// CodeCacheCoordinator implements CompileBlock: the single
// entry point that turns a guest RIP into a host code pointer, trying
// progressively more expensive sources (own cache, peer threads,
// object cache, full compile) before giving up.
type CodeCacheCoordinator struct {
	ctx *Context
}

// NewCodeCacheCoordinator returns a coordinator bound to ctx.
func NewCodeCacheCoordinator(ctx *Context) *CodeCacheCoordinator {
	return &CodeCacheCoordinator{ctx: ctx}
}

// compiledFragment is fullCompile's result: everything the remaining
// steps of CompileBlock need, so compileBlockLocked never has to reach
// back into coordinator state that other concurrent calls might also
// be touching (every thread compiles under its own shared hold of
// CodeInvalidationMutex, never serialized against each other).
type compiledFragment struct {
	entry HostCodePtr
	ir GeneratedIR
	relocations []Relocation
	hostBytes []byte
}

// CompileBlock implements steps 1-7. It holds the
// CodeInvalidationMutex in shared mode for its entire body, which is
// exactly what excludes it from running concurrently with
// InvalidationEngine.InvalidateGuestCodeRange.
func (c *CodeCacheCoordinator) CompileBlock(thread *ThreadState, rip GuestRIP) (HostCodePtr, error) {
	c.ctx.CodeInvalidation.RLock()
	defer c.ctx.CodeInvalidation.RUnlock()
	return c.compileBlockLocked(thread, rip)
}

func (c *CodeCacheCoordinator) compileBlockLocked(thread *ThreadState, rip GuestRIP) (HostCodePtr, error) {
	// Step 1: own-thread lookup.
	if p := thread.LookupCache.FindBlock(rip); p != 0 {
		return p, nil
	}

	// Step 2: peer-thread import.
	for _, peer := range c.ctx.Threads() {
		if peer == thread {
			continue
		}
		if p := peer.LookupCache.FindBlock(rip); p != 0 {
			thread.LookupCache.AddBlockMapping(rip, p)
			thread.Stats.PeerImportHits.Add(1)
			return p, nil
		}
	}

	// Step 3: object-cache lookup.
	if c.ctx.ObjectCache != nil && c.ctx.Config.CacheObjectCodeCompilation != ObjectCacheNone {
		if obj, ok := c.ctx.ObjectCache.FetchCodeObjectFromCache(rip); ok {
			if entry, err := c.ctx.Relocations.Relocate(thread.CodeBuffer, obj.HostBytes, rip, obj.Relocations); err == nil {
				thread.LookupCache.AddBlockMapping(rip, entry)
				c.ctx.CodePages.RegisterBlock(rip, uint64(rip), obj.GuestLen)
				thread.Stats.ObjectCacheHits.Add(1)
				return entry, nil
			}
			// Relocation failed; fall through to a full compile. Not
			// visible to the guest.
		}
	}

	// Step 4: full compile via CompilationPipeline + backend.
	frag, err := c.fullCompile(thread, rip)
	if err == ErrCodeBufferFull {
		thread.ClearCodeCache()
		frag, err = c.fullCompile(thread, rip)
	}
	if err != nil {
		return 0, err
	}
	if frag.entry == 0 {
		return 0, wrapInvariant("backend returned a null host pointer for rip %#x", uint64(rip))
	}

	// Step 5: insert into LookupCache; register custom-IR entries in the page
	// index (decoder-driven entries were already recorded during
	// GenerateIR's block callback).
	thread.LookupCache.AddBlockMapping(rip, frag.entry)
	if frag.ir.GeneratedByCustomHandler {
		c.ctx.CodePages.RegisterBlock(rip, frag.ir.StartAddr, frag.ir.Length)
	}
	thread.DebugStore.Set(rip, DebugData{
		Entry: rip,
		StartAddr: frag.ir.StartAddr,
		Length: frag.ir.Length,
		TotalInsts: frag.ir.TotalInsts,
		GeneratedIR: true,
	})
	thread.Stats.BlocksCompiled.Add(1)

	// Step 6: hand off to the object cache in read-write mode.
	if c.ctx.ObjectCache != nil && c.ctx.Config.CacheObjectCodeCompilation == ObjectCacheReadWrite && !frag.ir.GeneratedByCustomHandler {
		c.ctx.ObjectCache.AsyncAddSerializationJob(&SerializationJob{
			RIP: rip,
			GuestBytes: nil, // real binding supplies the raw guest bytes snapshot
			HostBegin: frag.entry,
			HostBytes: frag.hostBytes,
			RefCounter: thread.ObjectCacheRefCount,
			Relocations: frag.relocations,
		})
	}

	// Step 7: symbol registration.
	if c.ctx.Symbols != nil {
		name := symbolNameFor(rip, frag.ir.GeneratedByCustomHandler, thread.Manager.TID)
		if c.ctx.Config.BlockJITNaming {
			c.ctx.Symbols.RegisterSymbol(name, frag.entry, int(frag.ir.Length))
		}
	}

	return frag.entry, nil
}

func (c *CodeCacheCoordinator) fullCompile(thread *ThreadState, rip GuestRIP) (compiledFragment, error) {
	genIR, ok := thread.Pipeline.GenerateIR(thread, rip)
	if !ok {
		return compiledFragment{}, wrapInvariant("decode/dispatch failure at rip %#x: no instructions translated", uint64(rip))
	}

	debug := DebugData{Entry: rip, StartAddr: genIR.StartAddr, Length: genIR.Length, TotalInsts: genIR.TotalInsts, GeneratedIR: true}
	startOffset := thread.CodeBuffer.Cursor()
	entry, relocs, err := thread.Backend.CompileCode(rip, genIR.IR, debug, genIR.RA, thread.CodeBuffer)
	if err != nil {
		return compiledFragment{ir: genIR}, err
	}
	var hostBytes []byte
	if n := int(thread.CodeBuffer.Cursor() - startOffset); n > 0 {
		if snapshot, ok := thread.CodeBuffer.PatchAt(startOffset, n); ok {
			hostBytes = append([]byte(nil), snapshot...)
		}
	}
	return compiledFragment{entry: entry, ir: genIR, relocations: relocs, hostBytes: hostBytes}, nil
}

func symbolNameFor(rip GuestRIP, custom bool, tid int) string {
	if custom {
		return fmt.Sprintf("custom_ir_%#x", uint64(rip))
	}
	return fmt.Sprintf("jit_%#x_t%d", uint64(rip), tid)
}
