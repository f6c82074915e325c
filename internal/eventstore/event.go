// Package eventstore implements the bounded event log and pub/sub bus.
package eventstore

import "time"

// Kind is the closed enum of event kinds the control plane emits.
type Kind string

const (
	KindServiceRegistered     Kind = "service_registered"
	KindServiceDeregistered   Kind = "service_deregistered"
	KindHealthChanged         Kind = "health_changed"
	KindRouteCalled           Kind = "route_called"
	KindServiceDiscovered     Kind = "service_discovered"
	KindAgentContribution     Kind = "agent_contribution"
	KindWorkflowStarted       Kind = "workflow_started"
	KindWorkflowCompleted     Kind = "workflow_completed"
	KindWorkflowFailed        Kind = "workflow_failed"
	KindDeliberationStarted   Kind = "deliberation_started"
	KindDeliberationRestarted Kind = "deliberation_restarted"
	KindAgentLazyDetected     Kind = "agent_lazy_detected"
)

// Event is an immutable control-plane event record.
type Event struct {
	EventID   string
	Kind      Kind
	Timestamp time.Time

	ServiceName   string
	ServiceID     string
	SourceService string
	TargetService string
	Method        string
	Success       *bool
	OldStatus     string
	NewStatus     string

	ContributionScore *float64
	WorkflowID        string

	Metadata map[string]interface{}
}

// Channels returns the named channels this event is published to: always
// "global", plus service:<name> and workflow:<id> when those are populated.
func (e Event) Channels() []string {
	channels := []string{"global"}
	if e.ServiceName != "" {
		channels = append(channels, "service:"+e.ServiceName)
	}
	if e.WorkflowID != "" {
		channels = append(channels, "workflow:"+e.WorkflowID)
	}
	return channels
}
