// Package spawner drives workflow execution: it owns the agent pool,
// spawns child agent processes against claimable tasks, watches them
// for stagnation, mediates operator Q&A, and classifies workflow
// completion.
package spawner

import (
	"sync"
)

// EventKind names a lifecycle event emitted by the spawner or pool.
type EventKind string

const (
	EventAgentStarted          EventKind = "agent_started"
	EventAgentCompleted        EventKind = "agent_completed"
	EventAgentFailed           EventKind = "agent_failed"
	EventAgentRetrying         EventKind = "agent_retrying"
	EventAgentQuery            EventKind = "agent_query"
	EventAgentStagnation       EventKind = "agent_stagnation"
	EventWorkflowAllComplete   EventKind = "workflow_all_complete"
	EventWorkflowAwaitingMerge EventKind = "workflow_awaiting_merge"
	EventWorkflowStalled       EventKind = "workflow_stalled"
	EventWorkflowFailed        EventKind = "workflow_failed"
)

// Event is the payload delivered to listeners.
type Event struct {
	Kind       EventKind
	WorkflowID string
	TaskID     string
	AgentID    string
	Message    string
	PRURLs     []string
	Attempt    int
}

// Listener receives events. Listener errors and panics are swallowed:
// event delivery is best-effort and must never take down the pool.
type Listener func(Event)

// Emitter is a listener set keyed by event kind. Registering for the
// empty kind subscribes to every event.
type Emitter struct {
	mu        sync.Mutex
	listeners map[EventKind][]Listener
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[EventKind][]Listener)}
}

// On registers a listener for one event kind.
func (e *Emitter) On(kind EventKind, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[kind] = append(e.listeners[kind], l)
}

// OnAll registers a listener for every event kind.
func (e *Emitter) OnAll(l Listener) {
	e.On("", l)
}

// Emit delivers ev synchronously to the kind's listeners and the
// catch-all listeners.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	targets := make([]Listener, 0, len(e.listeners[ev.Kind])+len(e.listeners[""]))
	targets = append(targets, e.listeners[ev.Kind]...)
	targets = append(targets, e.listeners[""]...)
	e.mu.Unlock()

	for _, l := range targets {
		func() {
			defer func() { _ = recover() }()
			l(ev)
		}()
	}
}
