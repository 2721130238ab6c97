package dbtcore

import "sync"

// CustomIRTable is the global CustomIRHandlers map: guest entry address
// to an IR-builder callback that replaces normal decode. Guarded by a
// shared/exclusive lock, third in the lock ordering (after
// CodeInvalidationMutex and ThreadCreationMutex).
type CustomIRTable struct {
	mu sync.RWMutex
	handlers map[GuestRIP]CustomIRHandler
}

// NewCustomIRTable returns an empty table.
func NewCustomIRTable() *CustomIRTable {
	return &CustomIRTable{handlers: make(map[GuestRIP]CustomIRHandler)}
}

// Lookup is the shared-lock read path CompilationPipeline takes on
// every GenerateIR call.
func (t *CustomIRTable) Lookup(rip GuestRIP) (CustomIRHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[rip]
	return h, ok
}

// Add registers h at rip. It returns (false, nil) if rip is already
// registered. It returns a non-nil *InvariantBreachError if
// is64BitMode is false and rip exceeds 32 bits: a 32-bit guest must
// never receive a >32-bit address.
func (t *CustomIRTable) Add(rip GuestRIP, h CustomIRHandler, is64BitMode bool) (bool, error) {
	if err := CheckGuestRIP(rip, is64BitMode); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[rip]; exists {
		return false, nil
	}
	t.handlers[rip] = h
	return true, nil
}

// Remove deletes rip's handler. It takes its own exclusive lock; when
// called as InvalidationEngine's afterHook (already running under the
// exclusive CodeInvalidationMutex, a different lock entirely), this is
// safe because CustomIRMutex and CodeInvalidationMutex are distinct
// locks in the ordering.
func (t *CustomIRTable) Remove(rip GuestRIP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, rip)
}
