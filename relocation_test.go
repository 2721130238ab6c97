package dbtcore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSymbols struct{ m map[string]uint64 }

func (f fakeSymbols) ResolveSymbol(name string) (uint64, bool) { v, ok := f.m[name]; return v, ok }

type fakeThunks struct{ m map[string]uint64 }

func (f fakeThunks) ResolveThunk(name string) (uint64, bool) { v, ok := f.m[name]; return v, ok }

func TestRelocationEngineAppliesAllKinds(t *testing.T) {
	buf, err := NewCodeBuffer(256)
	require.NoError(t, err)
	defer buf.Close()

	re := &RelocationEngine{
		Symbols: fakeSymbols{m: map[string]uint64{"ExitLinker": 0xABCDEF}},
		Thunks: fakeThunks{m: map[string]uint64{"thunk_read": 0x1122334455}},
	}

	cached := make([]byte, 32)
	relocs := []Relocation{
		{Kind: NamedSymbolLiteral, Offset: 0, Symbol: "ExitLinker"},
		{Kind: GuestRIPLiteral, Offset: 8, GuestEntryOffset: 4},
		{Kind: NamedThunkMove, Offset: 16, Symbol: "thunk_read"},
		{Kind: GuestRIPMove, Offset: 24, GuestEntryOffset: 0},
	}

	entry, err := re.Relocate(buf, cached, 0x400000, relocs)
	require.NoError(t, err)
	assert.True(t, entry.Valid())

	out, ok := buf.PatchAt(0, 32)
	require.True(t, ok)
	assert.Equal(t, uint64(0xABCDEF), binary.LittleEndian.Uint64(out[0:]))
	assert.Equal(t, uint64(0x400004), binary.LittleEndian.Uint64(out[8:]))
	assert.Equal(t, uint64(0x1122334455), binary.LittleEndian.Uint64(out[16:]))
	assert.Equal(t, uint64(0x400000), binary.LittleEndian.Uint64(out[24:]))
}

func TestRelocationEngineUnknownSymbolRewindsCursor(t *testing.T) {
	buf, err := NewCodeBuffer(64)
	require.NoError(t, err)
	defer buf.Close()

	re := &RelocationEngine{Symbols: fakeSymbols{m: map[string]uint64{}}, Thunks: fakeThunks{m: map[string]uint64{}}}
	cached := make([]byte, 16)

	_, _, _ = buf.Reserve(8) // simulate prior activity to make the rewind observable
	before := buf.Cursor()

	_, err = re.Relocate(buf, cached, 0x1000, []Relocation{{Kind: NamedSymbolLiteral, Offset: 0, Symbol: "missing"}})
	assert.ErrorIs(t, err, ErrRelocationFailed)
	assert.Equal(t, before, buf.Cursor())
}

func TestRelocationEngineIsIdempotentOnFreshCopy(t *testing.T) {
	re := &RelocationEngine{
		Symbols: fakeSymbols{m: map[string]uint64{"sym": 0x42}},
		Thunks: fakeThunks{m: map[string]uint64{}},
	}
	relocs := []Relocation{{Kind: NamedSymbolLiteral, Offset: 0, Symbol: "sym"}, {Kind: GuestRIPLiteral, Offset: 8, GuestEntryOffset: 2}}

	run := func(cached []byte) []byte {
		buf, _ := NewCodeBuffer(64)
		defer buf.Close()
		entry, err := re.Relocate(buf, cached, 0x9000, relocs)
		require.NoError(t, err)
		out, _ := buf.PatchAt(uint64(uintptr(entry)-buf.base()), 16)
		return append([]byte(nil), out...)
	}

	// Relocate a fresh copy, then relocate that result again.
	first := run(make([]byte, 16))
	second := run(first)
	assert.Equal(t, first, second)
}

func TestRelocationEngineCodeBufferFull(t *testing.T) {
	buf, err := NewCodeBuffer(8)
	require.NoError(t, err)
	defer buf.Close()

	re := &RelocationEngine{Symbols: fakeSymbols{m: map[string]uint64{}}, Thunks: fakeThunks{m: map[string]uint64{}}}
	_, err = re.Relocate(buf, make([]byte, 16), 0x1, nil)
	assert.ErrorIs(t, err, ErrCodeBufferFull)
}
