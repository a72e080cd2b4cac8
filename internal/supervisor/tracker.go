package supervisor

import (
	"sync"

	"github.com/google/uuid"

	"github.com/re-cinq/supervisor/internal/executor"
	"github.com/re-cinq/supervisor/internal/msgstore"
)

// FinalizationTracker enforces exactly-once finalization (I2): the first
// caller to successfully claim a process id owns finalization; others
// observe false and must do nothing. Grounded on original_source's
// container.rs begin_finalization/end_finalization.
type FinalizationTracker struct {
	mu      sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// NewFinalizationTracker creates an empty tracker.
func NewFinalizationTracker() *FinalizationTracker {
	return &FinalizationTracker{inFlight: make(map[uuid.UUID]struct{})}
}

// Begin attempts to claim finalization ownership for id. true means the
// caller owns it and must call End(id) on every exit path, including error
// paths.
func (t *FinalizationTracker) Begin(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inFlight[id]; ok {
		return false
	}
	t.inFlight[id] = struct{}{}
	return true
}

// End releases ownership, allowing a future Begin(id) to succeed (used only
// for distinct re-finalization scenarios; in steady state a process
// finalizes once in its lifetime).
func (t *FinalizationTracker) End(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, id)
}

// ProcessHandle is everything the supervisor tracks for one live child
// (§5 "Shared resources": child_store, interrupt_senders, msg_stores).
type ProcessHandle struct {
	Child         *executor.Child
	Store         *msgstore.Store
	InterruptSend func()
	Action        *Action
	RunReason     string
	SessionID     uuid.UUID
	TaskID        uuid.UUID
	StoppedBy     string // set by stop_execution/stop_execution_force before the monitor observes exit
}

// Registry is the process-wide map of live process handles, guarded by a
// single RWMutex as §5 prescribes for child_store/interrupt_senders/msg_stores.
type Registry struct {
	mu      sync.RWMutex
	handles map[uuid.UUID]*ProcessHandle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[uuid.UUID]*ProcessHandle)}
}

func (r *Registry) Put(id uuid.UUID, h *ProcessHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = h
}

func (r *Registry) Get(id uuid.UUID) (*ProcessHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) Delete(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// HasLiveSessionProcess reports whether any process in sessionID is
// currently registered, used by auto-retry to abort if a new process
// started in the session while it was sleeping (§4.5.7 step 5c).
func (r *Registry) HasLiveSessionProcess(sessionID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		if h.SessionID == sessionID {
			return true
		}
	}
	return false
}

// AutoRetryStates is the process-wide map<process_id, attempt> (§4.5.7 step 4).
type AutoRetryStates struct {
	mu    sync.Mutex
	state map[uuid.UUID]int
}

// NewAutoRetryStates creates an empty map.
func NewAutoRetryStates() *AutoRetryStates {
	return &AutoRetryStates{state: make(map[uuid.UUID]int)}
}

// Attempt returns the current retry attempt counter for id, defaulting to 0.
func (a *AutoRetryStates) Attempt(id uuid.UUID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state[id]
}

// Record sets the attempt counter for a newly-started retry process id.
func (a *AutoRetryStates) Record(id uuid.UUID, attempt int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[id] = attempt
}
