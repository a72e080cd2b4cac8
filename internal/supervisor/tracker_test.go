package supervisor

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestFinalizationTrackerExactlyOnce(t *testing.T) {
	tracker := NewFinalizationTracker()
	id := uuid.New()

	const attempts = 50
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if tracker.Begin(id) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestFinalizationTrackerEndAllowsReclaim(t *testing.T) {
	tracker := NewFinalizationTracker()
	id := uuid.New()

	if !tracker.Begin(id) {
		t.Fatalf("expected first Begin to succeed")
	}
	if tracker.Begin(id) {
		t.Fatalf("expected second Begin to fail while still held")
	}
	tracker.End(id)
	if !tracker.Begin(id) {
		t.Fatalf("expected Begin to succeed again after End")
	}
}

func TestRegistryHasLiveSessionProcess(t *testing.T) {
	reg := NewRegistry()
	sessionID := uuid.New()
	procID := uuid.New()

	if reg.HasLiveSessionProcess(sessionID) {
		t.Fatalf("expected no live process before Put")
	}

	reg.Put(procID, &ProcessHandle{SessionID: sessionID})
	if !reg.HasLiveSessionProcess(sessionID) {
		t.Fatalf("expected live process after Put")
	}

	reg.Delete(procID)
	if reg.HasLiveSessionProcess(sessionID) {
		t.Fatalf("expected no live process after Delete")
	}
}

func TestRegistryHasLiveSessionProcessIgnoresOtherSessions(t *testing.T) {
	reg := NewRegistry()
	reg.Put(uuid.New(), &ProcessHandle{SessionID: uuid.New()})

	if reg.HasLiveSessionProcess(uuid.New()) {
		t.Fatalf("expected unrelated session id to report no live process")
	}
}

func TestAutoRetryStatesDefaultsToZero(t *testing.T) {
	states := NewAutoRetryStates()
	id := uuid.New()

	if got := states.Attempt(id); got != 0 {
		t.Fatalf("expected 0 attempts for unseen id, got %d", got)
	}

	states.Record(id, 1)
	if got := states.Attempt(id); got != 1 {
		t.Fatalf("expected 1 attempt after Record, got %d", got)
	}

	states.Record(id, 2)
	if got := states.Attempt(id); got != 2 {
		t.Fatalf("expected attempt counter to be overwritten, got %d", got)
	}
}
