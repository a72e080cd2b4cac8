package supervisor

import (
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/supervisor/internal/model"
)

// StopExecution implements §4.5.6: request a graceful stop, fall back to a
// hard kill after InterruptGrace, then finalize the process as Killed while
// holding the finalization latch. The exitMonitor racing the same process
// either fails to claim the latch or, once it claims it, sees StoppedBy set
// and returns without finalizing again.
func (s *Supervisor) StopExecution(procID uuid.UUID, force bool) error {
	handle, ok := s.registry.Get(procID)
	if !ok {
		return nil // already finalized or never started
	}

	if !s.finalize.Begin(procID) {
		return nil // exitMonitor is already finalizing this process
	}

	status := model.ProcessKilled
	handle.StoppedBy = string(status)

	if !force && handle.InterruptSend != nil {
		handle.InterruptSend()
		done := make(chan struct{})
		go func() {
			handle.Child.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(InterruptGrace):
			_ = handle.Child.KillGroup()
		}
	} else {
		_ = handle.Child.KillGroup()
	}

	now := time.Now().UTC()
	if err := s.store.UpdateExecutionProcessStatus(procID, handle.SessionID, status, nil, &now); err != nil {
		s.log.Error("persisting stop status failed", "process", procID, "err", err)
	}

	s.persistLogs(procID, handle.Store)
	handle.Store.PushFinished()
	s.finalizeTask(procID, handle.TaskID, handle, status)

	s.registry.Delete(procID)
	s.finalize.End(procID)
	return nil
}
