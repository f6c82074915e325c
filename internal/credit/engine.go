package credit

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aol-core/control-plane/internal/eventstore"
)

const (
	// LazyThreshold is the default µᵢ/µ floor below which an agent is lazy.
	LazyThreshold = 0.10
	// DominanceInfluenceShare triggers a restart when one agent exceeds it.
	DominanceInfluenceShare = 0.70
	// TooManyLazyShare triggers a restart when this share of agents is lazy.
	TooManyLazyShare = 0.50
	// LowHealthScore triggers a restart when a workflow's health_score falls
	// below it.
	LowHealthScore = 0.30
	// RestartCooldown is the minimum interval between restarts of the same
	// workflow.
	RestartCooldown = 60 * time.Second
	// MaxRestartsPerHour bounds the restart rate per workflow.
	MaxRestartsPerHour = 5
)

// workflowState tracks a single active workflow's contributions and restart
// history.
type workflowState struct {
	agents         []string
	contributions  []contributionRecord
	lastRestart    time.Time
	restartCount   int
	restartLimiter *rate.Limiter
}

func newWorkflowState(agents []string) *workflowState {
	return &workflowState{
		agents: agents,
		// 5 restarts/hour ~ one every 720s, with a burst of 5 to allow
		// an initial cluster of restarts before the steady-state rate applies.
		restartLimiter: rate.NewLimiter(rate.Limit(float64(MaxRestartsPerHour)/3600.0), MaxRestartsPerHour),
	}
}

// WorkflowHealth is a snapshot of a workflow's credit-assignment state.
type WorkflowHealth struct {
	WorkflowID         string
	ContributionBalance map[string]float64
	LazyAgents         []string
	DominantAgent      string
	RestartCount       int
	HealthScore        float64
}

// Engine computes credit assignment and drives restart arbitration.
type Engine struct {
	mu            sync.Mutex
	agents        map[string]*AgentMetrics
	workflows     map[string]*workflowState
	lazyThreshold float64
	es            *eventstore.EventStore
	rng           *rand.Rand
}

// New constructs a CreditEngine. es may be nil in tests that do not need
// event emission.
func New(es *eventstore.EventStore) *Engine {
	return &Engine{
		agents:        make(map[string]*AgentMetrics),
		workflows:     make(map[string]*workflowState),
		lazyThreshold: LazyThreshold,
		es:            es,
		rng:           rand.New(rand.NewSource(1)),
	}
}

func (e *Engine) agentMetrics(agentID string) *AgentMetrics {
	m, ok := e.agents[agentID]
	if !ok {
		m = newAgentMetrics(agentID)
		e.agents[agentID] = m
	}
	return m
}

// RecordProbeLatency feeds a response-time sample into agentID's EWMA
// without affecting its contribution count or influence window. Used by the
// HealthSupervisor to propagate per-instance probe latency (§4.2).
func (e *Engine) RecordProbeLatency(agentID string, latencyMs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.agentMetrics(agentID)
	if m.windowLen == 0 && m.ContributionCount == 0 && m.AvgResponseTimeMs == 0 {
		m.AvgResponseTimeMs = latencyMs
		return
	}
	m.AvgResponseTimeMs = EWMAAlpha*latencyMs + (1-EWMAAlpha)*m.AvgResponseTimeMs
}

// SeedAgentMetrics bootstraps agentID's contribution count and response-time
// average from a probe's /health body (§6, §12 "health-report bootstrap").
// It only applies when the agent has no prior samples, so a probe body can
// never override contributions the engine has already recorded itself.
func (e *Engine) SeedAgentMetrics(agentID string, contributionCount int, avgResponseTimeMs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.agentMetrics(agentID)
	if m.windowLen != 0 || m.ContributionCount != 0 {
		return
	}
	m.ContributionCount = contributionCount
	m.AvgResponseTimeMs = avgResponseTimeMs
}

// RecordContribution registers a contribution for agentID in workflowID. If
// influence is nil, the default action-type heuristic is used. Satisfies the
// ContributionRecorder interface the WorkflowEngine records agent_contribution
// outcomes through (§4.6 item 3/4).
func (e *Engine) RecordContribution(workflowID, agentID string, agents []string, turn int, actionType string, latencyMs float64, success bool, influence *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	score := DefaultInfluenceScore(actionType, success)
	if influence != nil {
		score = *influence
	}

	rec := contributionRecord{
		AgentID:    agentID,
		WorkflowID: workflowID,
		Turn:       turn,
		ActionType: actionType,
		LatencyMs:  latencyMs,
		Success:    success,
		Influence:  score,
		Timestamp:  time.Now(),
	}

	wf, ok := e.workflows[workflowID]
	if !ok {
		wf = newWorkflowState(agents)
		e.workflows[workflowID] = wf
	}
	wf.contributions = append(wf.contributions, rec)

	e.agentMetrics(agentID).record(score, success, latencyMs)
}

// ComputeShapley returns per-agent Shapley values for workflowID under v,
// using exact enumeration when the agent count is within MaxExactAgents and
// falling back to Monte-Carlo sampling above that.
func (e *Engine) ComputeShapley(workflowID string, v ValueFunction, monteCarloSamples int) map[string]float64 {
	e.mu.Lock()
	wf, ok := e.workflows[workflowID]
	var agents []string
	if ok {
		agents = append(agents, wf.agents...)
	}
	e.mu.Unlock()

	if len(agents) <= MaxExactAgents {
		return ShapleyValues(agents, v)
	}
	if monteCarloSamples <= 0 {
		monteCarloSamples = 1000
	}
	return MonteCarloShapleyValues(agents, v, monteCarloSamples, e.shuffledIndices)
}

func (e *Engine) shuffledIndices(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	e.mu.Lock()
	e.rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	e.mu.Unlock()
	return perm
}

// globalMean computes the mean-of-means across every tracked agent with at
// least one sample.
func (e *Engine) globalMean() float64 {
	var sum float64
	var n int
	for _, m := range e.agents {
		if mean, ok := m.mean(); ok {
			sum += mean
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Tick re-classifies every tracked agent and evaluates restart arbitration
// for every active workflow. It is the engine's periodic background pass.
func (e *Engine) Tick() {
	e.mu.Lock()
	globalMean := e.globalMean()
	for _, m := range e.agents {
		mean, hasSamples := m.mean()
		status := classify(mean, hasSamples, globalMean, e.lazyThreshold)
		if status == StatusLazy && m.Health != StatusLazy {
			m.LazyFlags++
		}
		m.Health = status
	}

	type restartDecision struct {
		workflowID string
		reason     string
	}
	var decisions []restartDecision

	for workflowID, wf := range e.workflows {
		health := e.workflowHealthLocked(workflowID, wf)
		if len(wf.contributions) == 0 {
			continue
		}
		if reason, trigger := restartReason(health, len(wf.agents)); trigger {
			if e.canRestartLocked(wf) {
				decisions = append(decisions, restartDecision{workflowID, reason})
			}
		}
	}
	e.mu.Unlock()

	for _, d := range decisions {
		e.restart(d.workflowID, d.reason)
	}
}

func restartReason(h WorkflowHealth, agentCount int) (string, bool) {
	if agentCount == 0 {
		return "", false
	}
	if h.DominantAgent != "" {
		share := h.ContributionBalance[h.DominantAgent] / totalInfluence(h.ContributionBalance)
		if share > DominanceInfluenceShare {
			return fmt.Sprintf("domination: agent %s holds %.0f%% of cumulative influence", h.DominantAgent, share*100), true
		}
	}
	if float64(len(h.LazyAgents))/float64(agentCount) > TooManyLazyShare {
		return "too-many-lazy", true
	}
	if h.HealthScore < LowHealthScore {
		return "low-health", true
	}
	return "", false
}

func totalInfluence(balance map[string]float64) float64 {
	var total float64
	for _, v := range balance {
		total += v
	}
	return total
}

func (e *Engine) canRestartLocked(wf *workflowState) bool {
	if time.Since(wf.lastRestart) < RestartCooldown && !wf.lastRestart.IsZero() {
		return false
	}
	return wf.restartLimiter.Allow()
}

// WorkflowHealth returns a snapshot of workflowID's current credit-assignment
// state.
func (e *Engine) WorkflowHealth(workflowID string) (WorkflowHealth, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		return WorkflowHealth{}, false
	}
	return e.workflowHealthLocked(workflowID, wf), true
}

func (e *Engine) workflowHealthLocked(workflowID string, wf *workflowState) WorkflowHealth {
	balance := make(map[string]float64)
	successTotal := 0
	countTotal := 0
	for _, c := range wf.contributions {
		balance[c.AgentID] += c.Influence
		countTotal++
		if c.Success {
			successTotal++
		}
	}

	var lazyAgents []string
	var dominant string
	var dominantShare float64
	total := totalInfluence(balance)
	for _, agentID := range wf.agents {
		m, ok := e.agents[agentID]
		if !ok {
			continue
		}
		if m.Health == StatusLazy {
			lazyAgents = append(lazyAgents, agentID)
		}
		if total > 0 {
			if share := balance[agentID] / total; share > dominantShare {
				dominantShare = share
				dominant = agentID
			}
		}
	}
	if dominantShare <= DominanceInfluenceShare {
		dominant = ""
	}

	healthScore := 1.0
	if countTotal > 0 {
		healthScore = float64(successTotal) / float64(countTotal)
	}

	return WorkflowHealth{
		WorkflowID:          workflowID,
		ContributionBalance: balance,
		LazyAgents:          lazyAgents,
		DominantAgent:       dominant,
		RestartCount:        wf.restartCount,
		HealthScore:         healthScore,
	}
}

// restart discards workflowID's contributions, bumps its restart bookkeeping,
// and emits deliberation_restarted.
func (e *Engine) restart(workflowID, reason string) {
	e.mu.Lock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return
	}
	wf.contributions = nil
	wf.lastRestart = time.Now()
	wf.restartCount++
	e.mu.Unlock()

	if e.es != nil {
		e.es.RestartWorkflow(workflowID)
		e.es.Append(eventstore.Event{
			Kind:       eventstore.KindDeliberationRestarted,
			WorkflowID: workflowID,
			Metadata:   map[string]interface{}{"reason": reason},
		})
	}
}

// InstanceHealth returns agentID's current health_score (§4.5's
// health_aware formula) and average response time, for the Router's
// health_aware and latency_based selection strategies.
func (e *Engine) InstanceHealth(agentID string) (healthScore, avgLatencyMs float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, exists := e.agents[agentID]
	if !exists {
		return 0, 0, false
	}
	return m.healthScore(), m.AvgResponseTimeMs, true
}

// AgentStatus returns the current classification for agentID, or
// StatusStarting if it has never been observed.
func (e *Engine) AgentStatus(agentID string) HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.agents[agentID]
	if !ok {
		return StatusStarting
	}
	return m.Health
}
