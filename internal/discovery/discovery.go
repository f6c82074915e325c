// Package discovery defines the external key/value + health store the
// Registry and HealthSupervisor synchronize with.
package discovery

import "context"

// CheckSpec describes a passive HTTP health check the provider performs on
// the control plane's behalf.
type CheckSpec struct {
	HTTP                           string
	IntervalSeconds                int
	TimeoutSeconds                 int
	DeregisterCriticalAfterSeconds int
}

// ServiceEntry is a discovered instance as reported by the provider.
type ServiceEntry struct {
	ServiceID string
	Name      string
	Address   string
	Port      int
	Tags      []string
	Meta      map[string]string
	Passing   bool
}

// Provider is the external discovery collaborator consumed by the Registry
// and HealthSupervisor (spec §6). Implementations must treat every method as
// best-effort and non-fatal: a provider outage is reported to the caller,
// never panicked.
type Provider interface {
	Register(ctx context.Context, serviceID, name, host string, port int, tags []string, meta map[string]string, check CheckSpec) error
	Deregister(ctx context.Context, serviceID string) error
	Service(ctx context.Context, name string, passingOnly bool) ([]ServiceEntry, error)
	KVGet(ctx context.Context, key string) ([]byte, bool, error)
	KVPut(ctx context.Context, key string, value []byte) error
	// Watch blocks until the next update for name beyond waitIndex (or until
	// ctx is cancelled), returning the refreshed entry list and the new
	// index to pass on the following call.
	Watch(ctx context.Context, name string, waitIndex uint64) ([]ServiceEntry, uint64, error)
}
