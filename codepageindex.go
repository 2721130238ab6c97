package dbtcore

import (
	"sync"

	"github.com/google/btree"
)

// guestPageSize is the guest page granularity that self-modifying-code
// invalidation operates on; it matches the x86-64 architectural page
// size, independent of the host's actual page size.
const guestPageSize = 4096

// pageEntry is one occupied guest page's block membership. The page
// number is the btree ordering key; blocks is the set of every block
// entry RIP whose code occupies some byte of this page.
type pageEntry struct {
	page uint64
	blocks map[GuestRIP]struct{}
}

func pageLess(a, b *pageEntry) bool { return a.page < b.page }

// CodePageIndex maps guest pages to the set of compiled block entry
// points whose code occupies that page. It exists so InvalidationEngine
// can turn a byte-range write into the exact set of blocks to tear down
// without scanning every compiled block.
//
// Ordered by page number in a google/btree BTreeG so a page-range sweep
// (AscendRange) costs O(log n + k) instead of a full-table scan;
// grounded on the gvisor-family manifests' use of google/btree for
// address-ordered range sets.
type CodePageIndex struct {
	mu sync.RWMutex
	tree *btree.BTreeG[*pageEntry]
}

// NewCodePageIndex returns an empty index.
func NewCodePageIndex() *CodePageIndex {
	return &CodePageIndex{tree: btree.NewG(32, pageLess)}
}

func coveredPages(guestStart uint64, length uint64) []uint64 {
	if length == 0 {
		length = 1
	}
	first := guestStart / guestPageSize
	last := (guestStart + length - 1) / guestPageSize
	pages := make([]uint64, 0, last-first+1)
	for p := first; p <= last; p++ {
		pages = append(pages, p)
	}
	return pages
}

// RegisterBlock records that rip's compiled code occupies every guest
// page in [guestStart, guestStart+length), mirroring // AddBlockExecutableRange. It returns true if any of those pages had no
// registered blocks before this call, the signal the core uses to
// notify the syscall handler so the host starts write-trapping it.
func (idx *CodePageIndex) RegisterBlock(rip GuestRIP, guestStart, length uint64) (newPageTouched bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, page := range coveredPages(guestStart, length) {
		probe := &pageEntry{page: page}
		if existing, ok := idx.tree.Get(probe); ok {
			existing.blocks[rip] = struct{}{}
			continue
		}
		probe.blocks = map[GuestRIP]struct{}{rip: {}}
		idx.tree.ReplaceOrInsert(probe)
		newPageTouched = true
	}
	return newPageTouched
}

// RemoveBlock undoes a prior RegisterBlock, dropping any page entry
// that becomes empty as a result.
func (idx *CodePageIndex) RemoveBlock(rip GuestRIP, guestStart, length uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, page := range coveredPages(guestStart, length) {
		probe := &pageEntry{page: page}
		existing, ok := idx.tree.Get(probe)
		if !ok {
			continue
		}
		delete(existing.blocks, rip)
		if len(existing.blocks) == 0 {
			idx.tree.Delete(probe)
		}
	}
}

// BlocksTouchingPages returns every block RIP registered on any guest
// page in [firstPage, lastPage], deduplicated. Called by
// InvalidationEngine with the page range derived from a write's byte
// range.
func (idx *CodePageIndex) BlocksTouchingPages(firstPage, lastPage uint64) []GuestRIP {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[GuestRIP]struct{})
	lo := &pageEntry{page: firstPage}
	hi := &pageEntry{page: lastPage + 1}
	idx.tree.AscendRange(lo, hi, func(e *pageEntry) bool {
		for rip := range e.blocks {
			seen[rip] = struct{}{}
		}
		return true
	})

	out := make([]GuestRIP, 0, len(seen))
	for rip := range seen {
		out = append(out, rip)
	}
	return out
}

// ClearPages drops every page entry in [firstPage, lastPage], used by
// InvalidationEngine after it has evicted every block those pages named.
func (idx *CodePageIndex) ClearPages(firstPage, lastPage uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	lo := &pageEntry{page: firstPage}
	hi := &pageEntry{page: lastPage + 1}
	var dead []*pageEntry
	idx.tree.AscendRange(lo, hi, func(e *pageEntry) bool {
		dead = append(dead, e)
		return true
	})
	for _, e := range dead {
		idx.tree.Delete(e)
	}
}

// ClearAll drops every page entry, used on a full ClearCodeCache.
func (idx *CodePageIndex) ClearAll() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tree.Clear(false)
}

// Len reports how many distinct guest pages currently have at least one
// registered block, for tests and diagnostics.
func (idx *CodePageIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tree.Len()
}
