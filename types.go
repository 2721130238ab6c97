// Package dbtcore implements the core execution engine of a user-mode
// dynamic binary translator: the per-thread compilation pipeline, the
// lookup/code cache with its block-link graph, the thread lifecycle
// state machine, and the optional persistent object-code cache with
// position-independent relocation. Everything outside that composite —
// the instruction decoder, the opcode-to-IR dispatcher, IR passes, the
// host code backend, syscalls, signals, GDB, CPUID, and symbols — is
// treated as an external collaborator and reached only through the
// interfaces declared in frontend.go.
package dbtcore

import "fmt"

// GuestRIP identifies a guest instruction address. In 32-bit guest mode
// the upper 32 bits must be zero.
type GuestRIP uint64

// HostCodePtr is an opaque pointer into a per-thread executable buffer,
// stable for the lifetime of that buffer.
type HostCodePtr uintptr

// Valid reports whether p is a non-null host code pointer.
func (p HostCodePtr) Valid() bool { return p != 0 }

// CheckGuestRIP enforces the 32-bit guest mode invariant: in 32-bit
// mode a RIP with any bit set above bit 31 is a fatal invariant breach,
// not a recoverable error.
func CheckGuestRIP(rip GuestRIP, is64BitMode bool) error {
	if !is64BitMode && (uint64(rip)>>32) != 0 {
		return &InvariantBreachError{
			Msg: fmt.Sprintf("64-bit RIP %#x used in 32-bit guest mode", uint64(rip)),
		}
	}
	return nil
}

// CPUState is the guest register file copied into and out of a
// ThreadState's dispatcher frame. Layout is intentionally flat and
// fixed-size: emitted code indexes into it with small immediate
// offsets, the same constraint that drives the real backend's ABI.
type CPUState struct {
	RIP uint64
	GRegs [16]uint64
	XMM [16][2]uint64
	Flags [32]byte
	FCW uint16
	FTW uint16
}

// DefaultCPUState returns the CPU state a freshly created thread starts
// from. The RIP sentinel, xmm poison values, FCW/FTW, and reserved flag
// bits are exact constants carried over from the original engine: they
// exist so that running code which dereferences an uninitialized
// register is visibly wrong in a debugger rather than silently
// plausible.
func DefaultCPUState() CPUState {
	var s CPUState
	s.RIP = ^uint64(0)
	for i := range s.XMM {
		s.XMM[i][0] = 0xDEADBEEF
		s.XMM[i][1] = 0xBAD0DAD1
	}
	// Flag bit 1 (reserved, always 1) and bit 9 (IF) start set.
	s.Flags[1] = 1
	s.Flags[9] = 1
	s.FCW = 0x37F
	s.FTW = 0xFFFF
	return s
}

// ThreadManagerRecord identifies the OS-level thread backing a
// ThreadState, used for directed signal delivery.
type ThreadManagerRecord struct {
	PID int
	TID int
	ParentTID int
}
