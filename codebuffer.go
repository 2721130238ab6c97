package dbtcore

import (
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// bufAddr returns the address of buf's backing array. Used only to turn
// a cursor offset into the opaque HostCodePtr that emitted code (and
// LookupCache) actually dereferences.
func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// CodeBuffer is the per-thread executable arena that compiled code and
// relocated object-cache fragments are written into. These buffers are
// never resized; they are cleared wholesale when full. CodeBuffer
// enforces that by only ever handing out a cursor that moves forward
// within a fixed-size mapping, and resetting the cursor (not
// reallocating) on Clear.
//
// The backing store is an anonymous read/write/execute mmap region,
// grounded on the go-interpreter/wagon manifest's use of edsrzf/mmap-go
// for its own JIT code buffer. Platforms where an anonymous executable
// mapping can't be created (mmap-go has no such mode, e.g. some sandboxed
// or non-Unix hosts) fall back to a plain heap-allocated []byte, which is
// never made executable — that fallback exists purely so the engine can
// still be exercised in tests of its bookkeeping, and is the one place
// in this module deliberately using the standard library where a
// third-party library could not serve on every platform.
type CodeBuffer struct {
	region mmap.MMap // non-nil when backed by a real mmap
	buf []byte // always valid: either region, or a fallback slice
	cursor uint64
	// generation is bumped on every Clear so stale HostCodePtr values
	// handed out before a clear can be detected in debug assertions
	// ("weak reference valid only while buffer generation is
	// unchanged" strategy).
	generation uint64
}

// NewCodeBuffer allocates an executable arena of the given size in
// bytes.
func NewCodeBuffer(size int) (*CodeBuffer, error) {
	region, err := mmap.MapRegion(nil, size, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return &CodeBuffer{buf: make([]byte, size)}, nil
	}
	return &CodeBuffer{region: region, buf: region}, nil
}

// Size returns the total capacity of the buffer.
func (c *CodeBuffer) Size() int { return len(c.buf) }

// Cursor returns the current write offset.
func (c *CodeBuffer) Cursor() uint64 { return atomic.LoadUint64(&c.cursor) }

// Generation returns the current buffer generation, bumped by Clear.
func (c *CodeBuffer) Generation() uint64 { return atomic.LoadUint64(&c.generation) }

// Remaining reports how many bytes are left before the buffer is full.
func (c *CodeBuffer) Remaining() int { return len(c.buf) - int(c.Cursor()) }

// Reserve advances the cursor by n bytes and returns the byte range
// backing that reservation, along with the HostCodePtr of its start and
// whether the reservation fit. Callers that get ok == false must clear
// the cache and retry ("backend's code buffer too small"
// path).
func (c *CodeBuffer) Reserve(n int) (slice []byte, entry HostCodePtr, ok bool) {
	cur := c.Cursor()
	if n < 0 || cur+uint64(n) > uint64(len(c.buf)) {
		return nil, 0, false
	}
	atomic.StoreUint64(&c.cursor, cur+uint64(n))
	return c.buf[cur : cur+uint64(n)], c.entryAt(cur), true
}

func (c *CodeBuffer) entryAt(offset uint64) HostCodePtr {
	return HostCodePtr(c.base() + uintptr(offset))
}

func (c *CodeBuffer) base() uintptr {
	if len(c.buf) == 0 {
		return 0
	}
	return bufAddr(c.buf)
}

// PatchAt returns the byte range [offset, offset+n) for in-place
// rewriting, used by the RelocationEngine to re-emit literals/moves
// into already-copied cached bytes without moving the cursor.
func (c *CodeBuffer) PatchAt(offset uint64, n int) ([]byte, bool) {
	if offset+uint64(n) > uint64(len(c.buf)) {
		return nil, false
	}
	return c.buf[offset : offset+uint64(n)], true
}

// SetCursor forcibly repositions the write cursor, used by the backend
// and relocation engine when they need to rewind after a partial write.
func (c *CodeBuffer) SetCursor(offset uint64) {
	atomic.StoreUint64(&c.cursor, offset)
}

// Clear resets the cursor to zero and bumps the generation counter. It
// does not unmap or zero the underlying memory; callers must not read
// stale HostCodePtr values after this returns.
func (c *CodeBuffer) Clear() {
	atomic.StoreUint64(&c.cursor, 0)
	atomic.AddUint64(&c.generation, 1)
}

// Close releases the backing mapping, if any.
func (c *CodeBuffer) Close() error {
	if c.region != nil {
		return c.region.Unmap()
	}
	return nil
}
