package credit

import (
	"strings"
	"testing"

	"github.com/aol-core/control-plane/internal/eventstore"
)

func TestRecordProbeLatencyFeedsEWMA(t *testing.T) {
	e := New(nil)
	e.RecordProbeLatency("agent-1", 100)
	if m := e.agentMetrics("agent-1"); m.AvgResponseTimeMs != 100 {
		t.Fatalf("first sample AvgResponseTimeMs = %v, want 100", m.AvgResponseTimeMs)
	}

	e.RecordProbeLatency("agent-1", 200)
	want := EWMAAlpha*200 + (1-EWMAAlpha)*100
	if m := e.agentMetrics("agent-1"); !within(m.AvgResponseTimeMs, want, 1e-9) {
		t.Fatalf("AvgResponseTimeMs after second sample = %v, want %v", m.AvgResponseTimeMs, want)
	}
}

func TestAgentStatusStartingWithNoSamples(t *testing.T) {
	e := New(nil)
	if got := e.AgentStatus("unknown-agent"); got != StatusStarting {
		t.Fatalf("AgentStatus(unknown) = %v, want %v", got, StatusStarting)
	}
}

func TestWorkflowWithNoContributionsNeverRestarts(t *testing.T) {
	es := eventstore.New(0)
	e := New(es)

	e.mu.Lock()
	e.workflows["w-empty"] = newWorkflowState([]string{"a", "b"})
	e.mu.Unlock()

	e.Tick()

	wf := es.GetWorkflow("w-empty")
	if wf != nil {
		t.Fatalf("expected no workflow tracked in eventstore for a credit-engine-only workflow, got %+v", wf)
	}
	events := es.GetEvents(eventstore.Query{Kind: eventstore.KindDeliberationRestarted})
	if len(events) != 0 {
		t.Fatalf("expected no restart events, got %d", len(events))
	}
}

// Scenario D — Dominance restart. Workflow W1 with agents {a,b,c}. Record 10
// contributions for a with influence 1.0, two each for b and c with
// influence 0.1. After the next tick: dominant_agent == a, a
// deliberation_restarted event is emitted mentioning "dominat", restart_count
// == 1.
func TestDominanceRestartScenario(t *testing.T) {
	es := eventstore.New(0)
	es.StartWorkflow("W1", "deliberation", []string{"a", "b", "c"})
	e := New(es)

	agents := []string{"a", "b", "c"}
	infl := func(v float64) *float64 { return &v }

	for i := 0; i < 10; i++ {
		e.RecordContribution("W1", "a", agents, i, "reasoning", 10, true, infl(1.0))
	}
	for i := 0; i < 2; i++ {
		e.RecordContribution("W1", "b", agents, i, "reasoning", 10, true, infl(0.1))
		e.RecordContribution("W1", "c", agents, i, "reasoning", 10, true, infl(0.1))
	}

	e.Tick()

	events := es.GetEvents(eventstore.Query{Kind: eventstore.KindDeliberationRestarted, WorkflowID: "W1"})
	if len(events) != 1 {
		t.Fatalf("expected exactly one deliberation_restarted event, got %d", len(events))
	}
	reason, _ := events[0].Metadata["reason"].(string)
	if !strings.Contains(reason, "dominat") {
		t.Fatalf("restart reason %q does not mention 'dominat'", reason)
	}

	wf := es.GetWorkflow("W1")
	if wf == nil || wf.RestartCount != 1 {
		t.Fatalf("expected RestartCount == 1, got %+v", wf)
	}

	health, ok := e.WorkflowHealth("W1")
	if !ok {
		t.Fatalf("expected workflow health to still be tracked after restart")
	}
	if len(health.ContributionBalance) != 0 {
		t.Fatalf("expected contributions cleared after restart, got %+v", health.ContributionBalance)
	}
}

func TestRestartRespectsCooldown(t *testing.T) {
	es := eventstore.New(0)
	es.StartWorkflow("W1", "deliberation", []string{"a", "b", "c"})
	e := New(es)

	agents := []string{"a", "b", "c"}
	infl := func(v float64) *float64 { return &v }
	seedDominant := func() {
		for i := 0; i < 10; i++ {
			e.RecordContribution("W1", "a", agents, i, "reasoning", 10, true, infl(1.0))
		}
		for i := 0; i < 2; i++ {
			e.RecordContribution("W1", "b", agents, i, "reasoning", 10, true, infl(0.1))
			e.RecordContribution("W1", "c", agents, i, "reasoning", 10, true, infl(0.1))
		}
	}

	seedDominant()
	e.Tick()
	seedDominant()
	e.Tick() // within cooldown, must not restart again immediately

	events := es.GetEvents(eventstore.Query{Kind: eventstore.KindDeliberationRestarted, WorkflowID: "W1"})
	if len(events) != 1 {
		t.Fatalf("expected restart to be suppressed by cooldown, got %d restarts", len(events))
	}
}

func TestRollingDetectionClassifiesLazyAndDominant(t *testing.T) {
	// With µ the mean-of-means across all tracked agents, a single
	// over-contributor only clears the dominance ratio (> 1/lazy_threshold =
	// 10) once enough low-contributing peers dilute the global mean, so this
	// uses one busy agent against eleven distinct near-idle ones.
	e := New(nil)
	idleIDs := make([]string, 11)
	for i := range idleIDs {
		idleIDs[i] = "idle" + string(rune('a'+i))
	}
	agents := append([]string{"busy"}, idleIDs...)
	infl := func(v float64) *float64 { return &v }

	for i := 0; i < 20; i++ {
		e.RecordContribution("w1", "busy", agents, i, "reasoning", 10, true, infl(10.0))
		for _, id := range idleIDs {
			e.RecordContribution("w1", id, agents, i, "reasoning", 10, true, infl(0.001))
		}
	}

	e.Tick()

	if got := e.AgentStatus("busy"); got != StatusDominant {
		t.Fatalf("busy agent status = %v, want %v", got, StatusDominant)
	}
	for _, id := range idleIDs {
		if got := e.AgentStatus(id); got != StatusLazy {
			t.Fatalf("agent %s status = %v, want %v", id, got, StatusLazy)
		}
	}
}

func TestRollingDetectionHealthyWhenBalanced(t *testing.T) {
	e := New(nil)
	agents := []string{"a", "b"}
	infl := func(v float64) *float64 { return &v }

	for i := 0; i < 20; i++ {
		e.RecordContribution("w1", "a", agents, i, "reasoning", 10, true, infl(1.0))
		e.RecordContribution("w1", "b", agents, i, "reasoning", 10, true, infl(1.0))
	}

	e.Tick()

	if got := e.AgentStatus("a"); got != StatusHealthy {
		t.Fatalf("agent a status = %v, want %v", got, StatusHealthy)
	}
	if got := e.AgentStatus("b"); got != StatusHealthy {
		t.Fatalf("agent b status = %v, want %v", got, StatusHealthy)
	}
}

func TestRollingWindowCapsAtWindowSize(t *testing.T) {
	e := New(nil)
	agents := []string{"a"}
	infl := func(v float64) *float64 { return &v }

	for i := 0; i < WindowSize+50; i++ {
		e.RecordContribution("w1", "a", agents, i, "reasoning", 10, true, infl(1.0))
	}

	m := e.agentMetrics("a")
	if m.windowLen != WindowSize {
		t.Fatalf("windowLen = %d, want %d", m.windowLen, WindowSize)
	}
}

func TestComputeShapleyUsesExactForSmallAgentSets(t *testing.T) {
	es := eventstore.New(0)
	es.StartWorkflow("w1", "deliberation", []string{"a", "b", "c"})
	e := New(es)

	e.mu.Lock()
	e.workflows["w1"] = newWorkflowState([]string{"a", "b", "c"})
	e.mu.Unlock()

	v := func(coalition map[string]struct{}) float64 { return float64(len(coalition)) }
	phi := e.ComputeShapley("w1", v, 0)

	for _, agent := range []string{"a", "b", "c"} {
		if !within(phi[agent], 1.0/3.0, 1e-9) {
			t.Fatalf("phi[%s] = %v, want 1/3", agent, phi[agent])
		}
	}
}
