package router

import (
	"errors"
	"math"

	"github.com/aol-core/control-plane/infrastructure/resilience"
	"github.com/aol-core/control-plane/internal/registry"
)

// ErrNoInstance is returned when a target service has no live instance.
var ErrNoInstance = errors.New("router: no instance available for target")

// selectInstance resolves req.Target to a single instance, filtering to
// healthy instances (falling back to all if none are healthy), then
// excluding instances whose circuit breaker is currently open (falling back
// to the unfiltered set if every candidate is open), then applying the
// request's strategy.
func (r *Router) selectInstance(req Request) (*registry.Instance, error) {
	if req.Strategy == StrategyConditional {
		if req.PreSelectedInstance == "" {
			return nil, ErrNoInstance
		}
		inst := r.registry.Get(req.PreSelectedInstance)
		if inst == nil {
			return nil, ErrNoInstance
		}
		return inst, nil
	}

	candidates := r.liveInstances(req.Target)
	if len(candidates) == 0 {
		return nil, ErrNoInstance
	}
	candidates = r.excludeOpenCircuits(candidates)

	switch req.Strategy {
	case StrategyHealthAware:
		return r.pickHealthAware(candidates), nil
	case StrategyLatencyBased:
		return r.pickLatencyBased(candidates), nil
	case StrategyLeastConnections:
		return r.pickLeastConnections(candidates), nil
	default: // StrategyRoundRobin and unset default to round_robin
		return r.pickRoundRobin(req.Target, candidates), nil
	}
}

// liveInstances returns every healthy instance of name, falling back to
// every known instance (any status) if none are healthy.
func (r *Router) liveInstances(name string) []*registry.Instance {
	all := r.registry.ListAll()[name]
	healthy := make([]*registry.Instance, 0, len(all))
	for _, inst := range all {
		if inst.Status == registry.StatusHealthy {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}
	return all
}

func (r *Router) excludeOpenCircuits(candidates []*registry.Instance) []*registry.Instance {
	open := make([]*registry.Instance, 0)
	closedOrHalf := make([]*registry.Instance, 0, len(candidates))
	for _, inst := range candidates {
		if r.breakerFor(inst.ServiceID).State() == resilience.StateOpen {
			open = append(open, inst)
			continue
		}
		closedOrHalf = append(closedOrHalf, inst)
	}
	if len(closedOrHalf) > 0 {
		return closedOrHalf
	}
	return open
}

func (r *Router) pickRoundRobin(target string, candidates []*registry.Instance) *registry.Instance {
	r.mu.Lock()
	idx := r.rrCursor[target] % uint64(len(candidates))
	r.rrCursor[target] = idx + 1
	r.mu.Unlock()
	return candidates[idx]
}

func (r *Router) pickHealthAware(candidates []*registry.Instance) *registry.Instance {
	best := candidates[0]
	bestScore := r.healthScore(best)
	for _, inst := range candidates[1:] {
		if score := r.healthScore(inst); score > bestScore {
			bestScore = score
			best = inst
		}
	}
	return best
}

func (r *Router) pickLatencyBased(candidates []*registry.Instance) *registry.Instance {
	best := candidates[0]
	bestLatency := r.avgLatency(best)
	for _, inst := range candidates[1:] {
		if latency := r.avgLatency(inst); latency < bestLatency {
			bestLatency = latency
			best = inst
		}
	}
	return best
}

func (r *Router) pickLeastConnections(candidates []*registry.Instance) *registry.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := candidates[0]
	bestCount := r.connections[best.ServiceID]
	for _, inst := range candidates[1:] {
		if count := r.connections[inst.ServiceID]; count < bestCount {
			bestCount = count
			best = inst
		}
	}
	return best
}

// healthScore mirrors the spec's 0.7*success_rate + 0.3*(1/(1+avg_latency_ms/1000))
// formula, delegating to the CreditEngine's per-agent rolling metrics.
// Instances never observed by the health source score 0 (deprioritized, not
// excluded — they may be brand new and otherwise healthy).
func (r *Router) healthScore(inst *registry.Instance) float64 {
	if r.health == nil {
		return 0
	}
	score, _, ok := r.health.InstanceHealth(inst.ServiceID)
	if !ok {
		return 0
	}
	return score
}

// avgLatency returns inst's observed average latency, or +Inf for an
// instance with no samples yet so it never wins on latency alone over an
// instance with a real (finite) measurement.
func (r *Router) avgLatency(inst *registry.Instance) float64 {
	if r.health == nil {
		return math.Inf(1)
	}
	_, latency, ok := r.health.InstanceHealth(inst.ServiceID)
	if !ok {
		return math.Inf(1)
	}
	return latency
}
