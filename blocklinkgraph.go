package dbtcore

import (
	"sync"

	"github.com/google/btree"
)

// HostLinkSite is the host code address of a direct branch that was
// patched to jump straight into a target block's entry, bypassing the
// dispatcher. Delinking rewrites this site back to a dispatcher call.
type HostLinkSite uintptr

// Delinker restores a single link site to its pre-linked, dispatcher-
// routed form. It is provided by the backend that originally emitted
// the branch, since only it knows the branch's encoding.
type Delinker func()

// linkEdge is one entry in the graph: the guest destination a branch
// was linked to, the host site doing the linking, and how to undo it.
// Ordered first by Dest then by Site so a destination range query
// (AscendRange) visits every site linked to any RIP in that range.
type linkEdge struct {
	dest GuestRIP
	site HostLinkSite
	delink Delinker
}

func linkEdgeLess(a, b *linkEdge) bool {
	if a.dest != b.dest {
		return a.dest < b.dest
	}
	return a.site < b.site
}

// BlockLinkGraph records every direct inter-block branch link currently
// live in any thread's code cache. InvalidationEngine consults it to
// find and undo every link whose destination lands inside an
// invalidated guest range, so a stale direct branch into torn-down code
// can never be taken again.
//
// Grounded on the same gvisor-family google/btree usage as
// CodePageIndex: an ordered set supporting range queries, here keyed by
// (GuestDestination, HostLinkSite).
type BlockLinkGraph struct {
	mu sync.Mutex
	tree *btree.BTreeG[*linkEdge]
}

// NewBlockLinkGraph returns an empty graph.
func NewBlockLinkGraph() *BlockLinkGraph {
	return &BlockLinkGraph{tree: btree.NewG(32, linkEdgeLess)}
}

// AddLink records that site now branches directly to dest, and that
// calling delink undoes it.
func (g *BlockLinkGraph) AddLink(dest GuestRIP, site HostLinkSite, delink Delinker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tree.ReplaceOrInsert(&linkEdge{dest: dest, site: site, delink: delink})
}

// RemoveLink drops a single link without invoking its delinker, used
// when the backend itself already rewrote the site (e.g. on
// recompilation of the source block).
func (g *BlockLinkGraph) RemoveLink(dest GuestRIP, site HostLinkSite) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tree.Delete(&linkEdge{dest: dest, site: site})
}

// DelinkRange invokes and removes every link whose destination falls in
// [lo, hi], returning how many were processed. InvalidationEngine calls
// it once per evicted block with lo == hi == that block's entry RIP.
func (g *BlockLinkGraph) DelinkRange(lo, hi GuestRIP) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	var victims []*linkEdge
	loProbe := &linkEdge{dest: lo}
	hiProbe := &linkEdge{dest: hi + 1}
	g.tree.AscendRange(loProbe, hiProbe, func(e *linkEdge) bool {
		victims = append(victims, e)
		return true
	})
	for _, e := range victims {
		g.tree.Delete(e)
	}

	// Delinkers run after the tree mutation completes but while g.mu is
	// still held (it is released by the deferred Unlock). That is fine:
	// they only touch backend-owned host code bytes, never this graph.
	for _, e := range victims {
		e.delink()
	}
	return len(victims)
}

// ClearAll drops every link without invoking delinkers, used on a full
// ClearCodeCache where the entire code buffer (and every link site in
// it) is about to be discarded wholesale.
func (g *BlockLinkGraph) ClearAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tree.Clear(false)
}

// Len reports the number of live links, for tests and diagnostics.
func (g *BlockLinkGraph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tree.Len()
}
