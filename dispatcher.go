package dbtcore

import "sync/atomic"

// ExitReason is why ExecuteDispatch/ExecuteJITCallback returned control
// to the supervisor.
type ExitReason int32

const (
	ExitWaiting ExitReason = iota
	ExitNone
	ExitAsyncRun
	ExitSuspend
	ExitShutdown
	ExitDebug
	ExitUnknownError
)

func (r ExitReason) String() string {
	switch r {
	case ExitWaiting:
		return "WAITING"
	case ExitNone:
		return "NONE"
	case ExitAsyncRun:
		return "ASYNC_RUN"
	case ExitSuspend:
		return "SUSPEND"
	case ExitShutdown:
		return "SHUTDOWN"
	case ExitDebug:
		return "DEBUG"
	default:
		return "UNKNOWNERROR"
	}
}

// FatalSignalExitCode turns a fatal illegal-code termination into the
// UNIX convention process status: 128 + signo.
func FatalSignalExitCode(signo int) int { return 128 + signo }

// DispatcherConfig is the published record the hand-coded host
// trampoline consults: function pointers into the dispatcher's own
// machinery plus the callback a trampoline's unresolved-target stub
// calls to JIT a block on demand.
type DispatcherConfig struct {
	ExitFunctionLinker uintptr
	CallbackEntry uintptr
	SignalReturnEntry uintptr
	L1Pointer *[l1Size]atomic.Uintptr

	// CompileBlockJit is invoked by the trampoline's unresolved-target
	// stub with the faulting frame and guest RIP; it must return a host
	// pointer to dispatch to, or an error that the supervisor treats as
	// ExitUnknownError.
	CompileBlockJit func(frame *DispatcherFrame, rip GuestRIP) (HostCodePtr, error)
}

// Dispatcher is the hand-written host trampoline collaborator: entering
// compiled code, returning from a guest callback, and (inside emitted
// code, not through this interface) jumping to the unresolved-target
// stub that calls DispatcherConfig.CompileBlockJit. Never implemented
// in Go by this module — a real binding supplies architecture-specific
// assembly; tests use a fake that simulates exit reasons.
type Dispatcher interface {
	ExecuteDispatch(frame *DispatcherFrame) ExitReason
	ExecuteJITCallback(frame *DispatcherFrame, rip GuestRIP) ExitReason
}
