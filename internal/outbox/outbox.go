// Package outbox implements the append-only domain-event queue (C7). The
// core enqueues rows in the same transaction as the state change they
// describe (invariant I8); a separate publisher collaborator is responsible
// for delivering them to the event bus (§6, out of scope here).
package outbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the domain events the core emits.
type EventType string

const (
	EventExecutionProcessCreated EventType = "execution_process_created"
	EventExecutionProcessUpdated EventType = "execution_process_updated"
	EventTaskCreated             EventType = "task_created"
	EventTaskUpdated             EventType = "task_updated"
	EventTaskDeleted             EventType = "task_deleted"
)

// EntityType names the kind of entity an event's EntityUUID refers to.
type EntityType string

const (
	EntityExecutionProcess EntityType = "execution_process"
	EntityTask             EntityType = "task"
)

// Row is one at-least-once domain-event log entry.
type Row struct {
	ID          int64
	EventType   EventType
	EntityType  EntityType
	EntityUUID  uuid.UUID
	Payload     []byte // JSON
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   *string
}

// ProcessPayload is the payload shape for execution-process events.
type ProcessPayload struct {
	ProcessID uuid.UUID `json:"process_id"`
	SessionID uuid.UUID `json:"session_id"`
}

// TaskPayload is the payload shape for task events.
type TaskPayload struct {
	TaskID    uuid.UUID `json:"task_id"`
	ProjectID uuid.UUID `json:"project_id"`
}

// Subscriber receives the rows passed to Hub.Publish. This is a convenience
// for tailing domain events without the HTTP/SSE layer that is out of scope
// for the core (§6); it does not replace the durable at-least-once
// publisher contract. statestore does not call Publish when it appends an
// outbox row, and no other package in this module calls it either.
type Subscriber chan Row

// Hub fans out appended rows to live subscribers. It holds no durable
// state itself — durability is StateStore's job (outbox rows are written
// in the same transaction as the state change, see statestore's insertOutbox).
type Hub struct {
	mu   sync.Mutex
	subs map[chan Row]struct{}
}

// NewHub creates an empty fan-out hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Row]struct{})}
}

// Subscribe registers a new live subscriber with the given buffer size.
// Callers must call the returned cancel func to unregister.
func (h *Hub) Subscribe(buffer int) (Subscriber, func()) {
	ch := make(chan Row, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Publish fans a row out to every live subscriber. Slow subscribers are
// dropped rather than blocking the writer: a full channel buffer means the
// send is skipped for that subscriber.
func (h *Hub) Publish(row Row) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- row:
		default:
		}
	}
}
