package dbtcore

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationFatalError reports an unrecoverable configuration
// problem: an unknown Core value, or a selected backend
// that isn't available. There is no in-process recovery; the caller is
// expected to terminate.
type ConfigurationFatalError struct {
	Msg string
}

func (e *ConfigurationFatalError) Error() string { return "configuration fatal: " + e.Msg }

// InvariantBreachError reports a condition that classifies as a
// runtime assertion failure (e.g. a 64-bit entrypoint registered while
// in 32-bit mode, or removing a thread that isn't in the thread list).
// The engine must not continue silently past one of these; callers
// should treat it as fatal for the owning thread or process.
type InvariantBreachError struct {
	Msg string
}

func (e *InvariantBreachError) Error() string { return "invariant breach: " + e.Msg }

// wrapConfig wraps err (or creates one from msg) with stack context via
// pkg/errors, for the configuration-fatal and invariant-breach paths
// only — decode/dispatch/relocation/buffer-exhaustion failures are
// recovered inline and never reach this helper.
func wrapConfig(format string, args ...any) error {
	return errors.WithStack(&ConfigurationFatalError{Msg: fmt.Sprintf(format, args...)})
}

func wrapInvariant(format string, args ...any) error {
	return errors.WithStack(&InvariantBreachError{Msg: fmt.Sprintf(format, args...)})
}

// ErrDecodeFailure is returned by a FrontendDecoder when it cannot
// continue past the instructions already reported. CompilationPipeline distinguishes
// "zero instructions decoded" (return empty, no compile) from "n
// instructions decoded then failure" (emit an early exit and finalize
// what was translated) purely by len(insts) on the same error.
var ErrDecodeFailure = errors.New("decode failure")

// ErrRelocationFailed is returned by the RelocationEngine when a cached
// fragment can no longer be relocated (e.g. a guest RIP baked into a
// GUEST_RIP_LITERAL that is no longer valid). This is not visible to
// the guest: the coordinator falls back to a full compile.
var ErrRelocationFailed = errors.New("relocation failed")

// ErrCodeBufferFull signals the coordinator that a thread's code buffer
// had no room for a fragment; the caller clears the cache and retries.
var ErrCodeBufferFull = errors.New("code buffer full")
