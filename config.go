package dbtcore

import (
	"os"

	"github.com/BurntSushi/toml"
)

// CoreKind selects which CPU core backend the engine drives.
type CoreKind string

const (
	CoreInterpreter CoreKind = "INTERPRETER"
	CoreIRJIT CoreKind = "IRJIT"
	CoreCustom CoreKind = "CUSTOM"
)

// SMCCheckMode selects how aggressively self-modifying-code guards are
// compiled into blocks. FULL emits a per-block guard (pipeline.go);
// MTRACK emits none and instead relies on the page index plus an
// external write-trap to call InvalidateGuestCodeRange directly, so it
// costs nothing at compile time but needs that trap wired up by the
// embedder.
type SMCCheckMode string

const (
	SMCNone SMCCheckMode = "NONE"
	SMCMTrack SMCCheckMode = "MTRACK"
	SMCFull SMCCheckMode = "FULL"
)

// RunningMode selects normal execution vs. forced single-instruction
// blocks for Step().
type RunningMode string

const (
	RunningModeRun RunningMode = "RUN"
	RunningModeSingleStep RunningMode = "SINGLESTEP"
)

// ObjectCodeCacheMode controls whether the optional persistent object
// cache is consulted, and whether newly compiled blocks are written
// back to it.
type ObjectCodeCacheMode string

const (
	ObjectCacheNone ObjectCodeCacheMode = "NONE"
	ObjectCacheRead ObjectCodeCacheMode = "READ"
	ObjectCacheReadWrite ObjectCodeCacheMode = "READWRITE"
)

// Config holds the enumerated options says the core consumes.
// Parsing a config file is not part of this engine's scope (// lists configuration parsing as an external collaborator); ParseConfig
// and LoadConfigFile below are an ambient convenience, not a mandated
// component.
type Config struct {
	Core CoreKind
	GdbServer bool
	Multiblock bool
	StaticRegisterAllocation bool
	SMCChecks SMCCheckMode
	MaxInstPerBlock int64
	RunningMode RunningMode
	DumpIR string // "no", "stderr", "stdout", or a directory path
	CacheObjectCodeCompilation ObjectCodeCacheMode
	BlockJITNaming bool
	Is64BitMode bool
	TSOAutoMigration bool
	ValidateIRParser bool
}

// DefaultConfig returns a Config with the same defaults the original
// engine ships: IRJIT core, no GDB server, multiblock on, SMC checks
// off, object cache off, 64-bit mode.
func DefaultConfig() Config {
	return Config{
		Core: CoreIRJIT,
		Multiblock: true,
		SMCChecks: SMCNone,
		MaxInstPerBlock: 1,
		RunningMode: RunningModeRun,
		DumpIR: "no",
		CacheObjectCodeCompilation: ObjectCacheNone,
		Is64BitMode: true,
	}
}

// Validate enforces the configuration-fatal checks: an unknown Core
// value is not recoverable in-process.
func (c Config) Validate() error {
	switch c.Core {
	case CoreInterpreter, CoreIRJIT, CoreCustom:
	default:
		return wrapConfig("unknown core configuration %q", c.Core)
	}
	switch c.SMCChecks {
	case SMCNone, SMCMTrack, SMCFull:
	default:
		return wrapConfig("unknown SMC check mode %q", c.SMCChecks)
	}
	switch c.CacheObjectCodeCompilation {
	case ObjectCacheNone, ObjectCacheRead, ObjectCacheReadWrite:
	default:
		return wrapConfig("unknown object cache mode %q", c.CacheObjectCodeCompilation)
	}
	if c.MaxInstPerBlock <= 0 {
		return wrapConfig("MaxInstPerBlock must be positive, got %d", c.MaxInstPerBlock)
	}
	return nil
}

// ParseConfig decodes a TOML-encoded configuration, applying
// DefaultConfig for any field left unset, and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, wrapConfig("parsing config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads and parses a TOML configuration file.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, wrapConfig("reading config file %s: %v", path, err)
	}
	return ParseConfig(data)
}
