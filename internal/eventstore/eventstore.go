package eventstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventStore combines the bounded Store with the pub/sub Bus and owns
// workflow/contribution tracking for the process lifetime.
type EventStore struct {
	store *Store
	bus   *Bus

	mu        sync.Mutex
	workflows map[string]*Workflow
}

// Workflow tracks a running or terminal deliberation.
type Workflow struct {
	WorkflowID   string
	Type         string
	Agents       []string
	State        WorkflowState
	RestartCount int
}

// WorkflowState is the workflow lifecycle enum.
type WorkflowState string

const (
	WorkflowRunning   WorkflowState = "running"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowRestarted WorkflowState = "restarted"
)

// New constructs an EventStore with the given ring capacity (0 = default).
func New(capacity int) *EventStore {
	return &EventStore{
		store:     NewStore(capacity),
		bus:       NewBus(),
		workflows: make(map[string]*Workflow),
	}
}

// Bus exposes the underlying pub/sub bus for Subscribe/RegisterHandler.
func (es *EventStore) Bus() *Bus { return es.bus }

// Append records e (assigning an EventID and Timestamp if unset), publishes
// it to the global channel and any service:/workflow: channels it targets,
// and dispatches it to registered kind handlers.
func (es *EventStore) Append(e Event) Event {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	es.store.Append(e)

	for _, ch := range e.Channels() {
		es.bus.Publish(ch, e)
	}
	es.bus.Dispatch(e)

	return e
}

// GetEvents delegates to the underlying Store.
func (es *EventStore) GetEvents(q Query) []Event {
	return es.store.GetEvents(q)
}

// Len returns the number of retained events.
func (es *EventStore) Len() int { return es.store.Len() }

// StartWorkflow registers a new running workflow.
func (es *EventStore) StartWorkflow(workflowID, workflowType string, agents []string) *Workflow {
	es.mu.Lock()
	defer es.mu.Unlock()
	wf := &Workflow{
		WorkflowID: workflowID,
		Type:       workflowType,
		Agents:     agents,
		State:      WorkflowRunning,
	}
	es.workflows[workflowID] = wf
	return wf
}

// GetWorkflow returns the tracked workflow, or nil.
func (es *EventStore) GetWorkflow(workflowID string) *Workflow {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.workflows[workflowID]
}

// SetWorkflowState transitions a tracked workflow's state.
func (es *EventStore) SetWorkflowState(workflowID string, state WorkflowState) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if wf, ok := es.workflows[workflowID]; ok {
		wf.State = state
	}
}

// RestartWorkflow increments restart_count and sets state to restarted.
func (es *EventStore) RestartWorkflow(workflowID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if wf, ok := es.workflows[workflowID]; ok {
		wf.RestartCount++
		wf.State = WorkflowRestarted
	}
}
