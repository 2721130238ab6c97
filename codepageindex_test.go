package dbtcore

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodePageIndexRegisterAndQuery(t *testing.T) {
	idx := NewCodePageIndex()
	idx.RegisterBlock(0x100, 0x1000, 16) // page 1
	idx.RegisterBlock(0x200, 0x3000, 16) // page 3
	idx.RegisterBlock(0x300, 0x1FF8, 16) // straddles pages 1 and 2

	got := idx.BlocksTouchingPages(1, 2)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []GuestRIP{0x100, 0x300}, got)

	got = idx.BlocksTouchingPages(0, 10)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []GuestRIP{0x100, 0x200, 0x300}, got)
}

func TestCodePageIndexRemoveBlockDropsEmptyPages(t *testing.T) {
	idx := NewCodePageIndex()
	idx.RegisterBlock(0x100, 0x1000, 16)
	assert.Equal(t, 1, idx.Len())

	idx.RemoveBlock(0x100, 0x1000, 16)
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.BlocksTouchingPages(0, 100))
}

func TestCodePageIndexClearAll(t *testing.T) {
	idx := NewCodePageIndex()
	for i := uint64(0); i < 50; i++ {
		idx.RegisterBlock(GuestRIP(i), i*guestPageSize, 8)
	}
	assert.Equal(t, 50, idx.Len())
	idx.ClearAll()
	assert.Equal(t, 0, idx.Len())
}
