package dbtcore

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arkanejit/dbtcore/internal/parkqueue"
)

// signalForPause is the directed signal ThreadSupervisor delivers via
// tgkill to request a pause. SIGURG is the same choice Go's own runtime
// preemption uses for an otherwise-unused, restart-safe signal that
// won't collide with a guest's own signal handling once that's wired up
// by a real binding.
const signalForPause = unix.SIGURG

// ThreadSupervisor drives each thread's state machine: it owns the
// goroutine backing each guest thread's execution loop, the
// pause/run/stop/step control surface, and the quiescence waits. It
// runs each thread lifecycle on a goroutine with sync.Cond-based
// parkqueue primitives instead of raw OS thread create/join plus
// POSIX condition variables.
type ThreadSupervisor struct {
	ctx *Context
	coordinator *CodeCacheCoordinator
	dispatcher Dispatcher
}

// NewThreadSupervisor returns a supervisor wired to ctx, compiling
// through coordinator and entering guest code through dispatcher.
func NewThreadSupervisor(ctx *Context, coordinator *CodeCacheCoordinator, dispatcher Dispatcher) *ThreadSupervisor {
	return &ThreadSupervisor{ctx: ctx, coordinator: coordinator, dispatcher: dispatcher}
}

// CreateThread allocates a ThreadState, registers it with the Context,
// and spawns its execution goroutine in the WaitingToStart phase. The
// goroutine signals ThreadWaiting immediately and then blocks for Run.
//
// The execution goroutine locks itself to its OS thread and reports its
// real kernel TID back over tidReady before CreateThread publishes the
// ThreadState via AddThread; Stop/Pause's tgkill calls need the actual
// OS TID, not a goroutine id, and this rendezvous is what makes writing
// ts.Manager.TID race-free against any other goroutine that might read
// it.
func (s *ThreadSupervisor) CreateThread(manager ThreadManagerRecord, pipeline *CompilationPipeline, backend CPUBackend, bufSize int) (*ThreadState, error) {
	if manager.PID == 0 {
		manager.PID = unix.Getpid()
	}
	ts, err := NewThreadState(s.ctx, manager, pipeline, backend, bufSize)
	if err != nil {
		return nil, err
	}

	tidReady := make(chan int, 1)
	go s.executionLoop(ts, tidReady)
	ts.Manager.TID = <-tidReady

	s.ctx.AddThread(ts)
	return ts, nil
}

func (s *ThreadSupervisor) dispatcherFrameFor(ts *ThreadState) *DispatcherFrame {
	return &ts.Frame
}

// CompileBlockJit is what a real trampoline's unresolved-target stub
// calls; wired into DispatcherConfig per thread since the coordinator
// needs to know which ThreadState's LookupCache the miss belongs to.
func (s *ThreadSupervisor) CompileBlockJit(ts *ThreadState, rip GuestRIP) (HostCodePtr, error) {
	return s.coordinator.CompileBlock(ts, rip)
}

func (s *ThreadSupervisor) executionLoop(ts *ThreadState, tidReady chan<- int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tidReady <- unix.Gettid()

	// Snapshot before publishing the phase, so a Run issued by anyone who
	// has observed WaitingToStart is never lost.
	snap := ts.startGate.Snapshot()
	ts.setPhase(ThreadWaitingToStart)
	ts.WaitingToStart.Store(true)
	ts.waitingGate.Ready()

	if !ts.EarlyExitFlag.Load() {
		ts.startGate.WaitFrom(snap)
	}
	ts.WaitingToStart.Store(false)

	if ts.EarlyExitFlag.Load() {
		s.destroy(ts)
		return
	}

	frame := s.dispatcherFrameFor(ts)
	for {
		ts.setPhase(ThreadRunning)
		ts.Running.Store(true)
		s.ctx.IdleWaitRefCount.Add(1)
		reason := s.dispatcher.ExecuteDispatch(frame)
		s.ctx.IdleWaitRefCount.Add(-1)
		ts.Running.Store(false)

		switch SignalSemantic(ts.SignalReason.Load()) {
		case SignalStop:
			s.destroy(ts)
			return
		case SignalPause:
			ts.SignalReason.Store(int32(SignalNone))
			snap := ts.startGate.Snapshot()
			ts.setPhase(ThreadPaused)
			ts.startGate.WaitFrom(snap)
			if ts.EarlyExitFlag.Load() {
				s.destroy(ts)
				return
			}
			continue
		}

		if reason == ExitShutdown {
			s.ctx.MarkShuttingDown(ts)
			s.destroy(ts)
			return
		}
		// ASYNC_RUN/NONE/WAITING/DEBUG: keep dispatching.
	}
}

func (s *ThreadSupervisor) destroy(ts *ThreadState) {
	ts.setPhase(ThreadStopping)
	ts.setPhase(ThreadDestroyed)
	_ = s.ctx.RemoveThread(ts)
}

func (s *ThreadSupervisor) signalThread(ts *ThreadState, reason SignalSemantic) {
	ts.SignalReason.Store(int32(reason))
	if ts.Manager.TID != 0 {
		_ = unix.Tgkill(ts.Manager.PID, ts.Manager.TID, signalForPause)
	}
}

// Pause signals every currently-running thread with SignalPause.
func (s *ThreadSupervisor) Pause() {
	for _, ts := range s.ctx.Threads() {
		if ts.Phase() == ThreadRunning {
			s.signalThread(ts, SignalPause)
		}
	}
}

// notifyPause is Pause's retry path, used by WaitForIdleWithTimeout's
// escalation loop.
func (s *ThreadSupervisor) notifyPause() {
	for _, ts := range s.ctx.Threads() {
		s.signalThread(ts, SignalPause)
	}
}

// Run wakes every thread parked in WaitingToStart or Paused.
func (s *ThreadSupervisor) Run() {
	for _, ts := range s.ctx.Threads() {
		ts.startGate.Ready()
	}
}

// Stop signals every thread with SignalStop via tgkill, signaling the
// calling OS thread (if it is one of the guest threads) last so it gets
// to unwind cleanly instead of being interrupted mid-cleanup. ignoreSelf
// skips signaling the calling thread altogether.
func (s *ThreadSupervisor) Stop(ignoreSelf bool) {
	selfTID := unix.Gettid()
	threads := s.ctx.Threads()

	var self *ThreadState
	for _, ts := range threads {
		if ts.Manager.TID == selfTID {
			self = ts
			continue
		}
		s.signalThread(ts, SignalStop)
	}
	if self != nil && !ignoreSelf {
		s.signalThread(self, SignalStop)
	}
}

// WaitForIdle blocks until no thread is executing guest code.
func (s *ThreadSupervisor) WaitForIdle() {
	s.ctx.IdleWaitRefCount.WaitZero()
}

// WaitForIdleWithTimeout blocks until quiescence, escalating with
// another NotifyPause every time the timeout elapses without reaching
// zero — needed because a thread stuck in a host syscall won't observe
// the pause signal until it returns.
func (s *ThreadSupervisor) WaitForIdleWithTimeout(timeout time.Duration) {
	for {
		deadline := time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, s.ctx.IdleWaitRefCount.Broadcast)
		s.ctx.IdleWaitRefCount.WaitZeroOrPredicate(func() bool { return !time.Now().Before(deadline) })
		timer.Stop()
		if s.ctx.IdleWaitRefCount.Load() == 0 {
			return
		}
		s.notifyPause()
		timeout = 1500 * time.Millisecond
	}
}

// WaitForThreadsToRun blocks until IdleWaitRefCount is at least the
// thread count, i.e. every thread is inside the dispatcher at the same
// moment. Used between Run and WaitForIdle during Step so the
// single-step pass doesn't race a thread that hasn't woken up yet. A
// thread that enters and leaves the dispatcher before the count is
// checked is not counted.
func (s *ThreadSupervisor) WaitForThreadsToRun() {
	s.ctx.IdleWaitRefCount.WaitAtLeast(int64(s.ctx.ThreadCount()))
}

// Step clears every thread's code cache, sets the Context's
// RunningMode to SINGLESTEP and its MaxInstPerBlock to 1, runs, waits
// for every thread to be back at rest, then restores the saved
// configuration. CompilationPipeline does not read MaxInstPerBlock, so
// blocks compiled during the step are not shortened by it; how far a
// thread gets is up to the dispatcher returning with a pause request.
func (s *ThreadSupervisor) Step() {
	threads := s.ctx.Threads()
	for _, ts := range threads {
		ts.ClearCodeCache()
	}

	savedMode := s.ctx.Config.RunningMode
	savedMax := s.ctx.Config.MaxInstPerBlock
	s.ctx.Config.RunningMode = RunningModeSingleStep
	s.ctx.Config.MaxInstPerBlock = 1
	for _, ts := range threads {
		ts.RunningMode.Store(RunningModeSingleStep)
	}

	s.Run()
	s.WaitForThreadsToRun()
	s.WaitForIdle()

	s.ctx.Config.RunningMode = savedMode
	s.ctx.Config.MaxInstPerBlock = savedMax
	for _, ts := range threads {
		ts.RunningMode.Store(savedMode)
	}
}

// CleanupAfterFork implements post-fork thread cleanup: exactly one
// guest thread (survivor) remains live; every other ThreadState is
// marked dead and dropped from the thread list without waiting on its
// ObjectCacheRefCounter, an acknowledged leak carried forward from the
// original engine rather than a bug to silently fix here.
func (s *ThreadSupervisor) CleanupAfterFork(survivor *ThreadState) {
	s.ctx.threadCreation.Lock()
	defer s.ctx.threadCreation.Unlock()

	for _, ts := range s.ctx.threads {
		if ts == survivor {
			continue
		}
		ts.Running.Store(false)
		ts.setPhase(ThreadDestroyed)
	}
	s.ctx.threads = []*ThreadState{survivor}
	s.ctx.IdleWaitRefCount = parkqueue.NewCounter()
	s.ctx.IdleWaitRefCount.Add(1)
}
