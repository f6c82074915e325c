package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aol-core/control-plane/internal/discovery"
	"github.com/aol-core/control-plane/internal/eventstore"
	"github.com/aol-core/control-plane/internal/registry"
)

// DefaultInterval is the spec's default 30-second sweep cadence.
const DefaultInterval = 30 * time.Second

// DefaultTTL is the heartbeat staleness bound beyond which a healthy or
// unhealthy instance is moved to stopping, then removed.
const DefaultTTL = 90 * time.Second

// LatencyRecorder receives per-instance probe-latency samples, feeding the
// credit engine's agent EWMA (§4.2, §4.4), and optional agent-metrics
// bootstrap data carried in a probe's response body (§12).
type LatencyRecorder interface {
	RecordProbeLatency(agentID string, latencyMs float64)
	SeedAgentMetrics(agentID string, contributionCount int, avgResponseTimeMs float64)
}

// Config configures a Supervisor's sweep cadence and staleness bound.
type Config struct {
	Interval time.Duration
	TTL      time.Duration
}

// Supervisor runs the periodic concurrent probe sweep and reconciles local
// state with an external discovery provider.
type Supervisor struct {
	registry *registry.Registry
	prober   Prober
	es       *eventstore.EventStore
	provider discovery.Provider
	latency  LatencyRecorder

	interval time.Duration
	ttl      time.Duration

	mu       sync.Mutex
	stopping map[string]time.Time // serviceID -> when it entered stopping

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Supervisor. provider and latency may be nil.
func New(reg *registry.Registry, prober Prober, es *eventstore.EventStore, provider discovery.Provider, latency LatencyRecorder, cfg Config) *Supervisor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Supervisor{
		registry: reg,
		prober:   prober,
		es:       es,
		provider: provider,
		latency:  latency,
		interval: interval,
		ttl:      ttl,
		stopping: make(map[string]time.Time),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// Sweep probes every registered instance concurrently; a single slow probe
// must not delay others, so each probe runs in its own goroutine and results
// are collected without any shared ordering requirement.
func (s *Supervisor) Sweep(ctx context.Context) {
	instances := s.registry.AllInstances()

	var wg sync.WaitGroup
	wg.Add(len(instances))
	for _, inst := range instances {
		go func(inst *registry.Instance) {
			defer wg.Done()
			s.probeOne(ctx, inst)
		}(inst)
	}
	wg.Wait()

	s.reconcileStale()
	if s.provider != nil {
		s.reconcileExternal(ctx)
	}
}

func (s *Supervisor) probeOne(ctx context.Context, inst *registry.Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	result := s.prober.Probe(probeCtx, inst.Host, inst.HealthPort)

	if s.latency != nil {
		s.latency.RecordProbeLatency(inst.ServiceID, result.DurationMs)
		if result.AgentMetrics != nil {
			s.latency.SeedAgentMetrics(inst.ServiceID, result.AgentMetrics.ContributionCount, result.AgentMetrics.AvgResponseTimeMs)
		}
	}

	var next registry.Status
	switch {
	case result.Healthy:
		next = registry.StatusHealthy
	case inst.Status == registry.StatusStarting:
		// First probe after registration fails within the starting grace
		// period: remain starting rather than flipping straight to unhealthy.
		next = registry.StatusStarting
	default:
		next = registry.StatusUnhealthy
	}

	old, changed, ok := s.registry.UpdateHealth(inst.Name, inst.ServiceID, next)
	if !ok || !changed {
		return
	}

	s.mu.Lock()
	delete(s.stopping, inst.ServiceID)
	s.mu.Unlock()

	if s.es != nil {
		s.es.Append(eventstore.Event{
			Kind:        eventstore.KindHealthChanged,
			ServiceName: inst.Name,
			ServiceID:   inst.ServiceID,
			OldStatus:   string(old),
			NewStatus:   string(next),
		})
	}
}

// staleDecision is the outcome of reconcileStale's read-only pass over s.stopping:
// either the instance is already stopping and should be removed, or it
// should transition from healthy/unhealthy into stopping.
type staleDecision struct {
	name       string
	serviceID  string
	deregister bool
}

// reconcileStale applies the TTL-based stopping -> removed transition:
// instances with no heartbeat for ttl move to stopping on the first sweep
// that observes them stale, and are removed on the next sweep where they are
// still stale and already stopping. The decision pass only reads/prunes
// s.stopping under s.mu; the registry mutations and event emission it drives
// happen with s.mu released, so no registry call is ever made while s.mu is
// held (§5: no two locks held simultaneously).
func (s *Supervisor) reconcileStale() {
	cutoff := time.Now().Add(-s.ttl)
	stale := s.registry.StaleBefore(cutoff)

	s.mu.Lock()
	staleIDs := make(map[string]struct{}, len(stale))
	decisions := make([]staleDecision, 0, len(stale))
	for _, item := range stale {
		staleIDs[item.ServiceID] = struct{}{}
		_, alreadyStopping := s.stopping[item.ServiceID]
		decisions = append(decisions, staleDecision{
			name:       item.Name,
			serviceID:  item.ServiceID,
			deregister: alreadyStopping,
		})
	}
	for id := range s.stopping {
		if _, stillStale := staleIDs[id]; !stillStale {
			delete(s.stopping, id)
		}
	}
	s.mu.Unlock()

	for _, d := range decisions {
		if d.deregister {
			s.registry.Deregister(d.name, d.serviceID)
			s.mu.Lock()
			delete(s.stopping, d.serviceID)
			s.mu.Unlock()
			if s.es != nil {
				s.es.Append(eventstore.Event{
					Kind:        eventstore.KindServiceDeregistered,
					ServiceName: d.name,
					ServiceID:   d.serviceID,
				})
			}
			continue
		}

		old, changed, ok := s.registry.UpdateHealth(d.name, d.serviceID, registry.StatusStopping)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.stopping[d.serviceID] = time.Now()
		s.mu.Unlock()
		if changed && s.es != nil {
			s.es.Append(eventstore.Event{
				Kind:        eventstore.KindHealthChanged,
				ServiceName: d.name,
				ServiceID:   d.serviceID,
				OldStatus:   string(old),
				NewStatus:   string(registry.StatusStopping),
			})
		}
	}
}

// reconcileExternal mirrors local registrations to the discovery provider
// and pulls in externally-discovered instances the local Registry is not
// yet aware of. External state wins for membership; locally-derived status
// (set by probeOne) wins between external polls.
func (s *Supervisor) reconcileExternal(ctx context.Context) {
	for name, instances := range s.registry.ListAll() {
		for _, inst := range instances {
			_ = s.provider.Register(ctx, inst.ServiceID, name, inst.Host, inst.GRPCPort, tagSlice(inst.Tags), inst.Meta, discovery.CheckSpec{
				HTTP: healthURL(inst.Host, inst.HealthPort),
			})
		}
	}
}

// SyncFromProvider pulls the current member list for name from the external
// provider and registers any instance missing locally, per watch(name)
// reconciliation (external wins for membership).
func (s *Supervisor) SyncFromProvider(ctx context.Context, name string) error {
	if s.provider == nil {
		return nil
	}
	entries, err := s.provider.Service(ctx, name, false)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if s.registry.Get(e.ServiceID) != nil {
			continue
		}
		inst := &registry.Instance{
			ServiceID: e.ServiceID,
			Name:      name,
			Host:      e.Address,
			GRPCPort:  e.Port,
			Meta:      e.Meta,
			Manifest: map[string]interface{}{
				"kind": "Service", "apiVersion": "v1",
				"metadata": map[string]interface{}{"name": name},
				"spec":     map[string]interface{}{},
			},
			Tags:   tagSet(e.Tags),
			Status: registry.StatusStarting,
		}
		if _, err := s.registry.Register(inst); err == nil && s.es != nil {
			s.es.Append(eventstore.Event{
				Kind:        eventstore.KindServiceDiscovered,
				ServiceName: name,
				ServiceID:   e.ServiceID,
			})
		}
	}
	return nil
}

func tagSlice(tags map[string]struct{}) []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	return out
}

func tagSet(tags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}

func healthURL(host string, port int) string {
	return "http://" + host + ":" + strconv.Itoa(port) + "/health"
}
