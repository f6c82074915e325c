package workflow

import (
	"sync"
	"time"
)

// State is the public snapshot of an in-flight or terminal execution,
// mirroring §4.6's WorkflowState.
type State struct {
	WorkflowID     string
	ExecutionID    string
	CurrentNodes   map[string]bool
	CompletedNodes map[string]bool
	NodeOutputs    map[string]interface{}
	GlobalState    map[string]interface{}
	StartedAt      time.Time
	Error          string
}

func newState(workflowID, executionID string, initialInput interface{}) *State {
	return &State{
		WorkflowID:     workflowID,
		ExecutionID:    executionID,
		CurrentNodes:   map[string]bool{StartNodeID: true},
		CompletedNodes: make(map[string]bool),
		NodeOutputs:    map[string]interface{}{StartNodeID: initialInput},
		GlobalState:    map[string]interface{}{"input": initialInput},
		StartedAt:      time.Now(),
	}
}

// runState guards a single execution's mutable bookkeeping: node
// outputs, global state, and the join-barrier arrival counts that let a
// fan-in node (multiple parallel predecessors) execute exactly once, driven
// by whichever branch arrives last.
type runState struct {
	mu       sync.Mutex
	state    *State
	arrived  map[string]int  // nodeID -> arrivals seen so far
	executed map[string]bool // nodeID -> already dispatched
	turns    map[string]int  // node's service name -> contribution turn counter
	terminal bool            // set once the execution has been cancelled/timed out
}

func newRunState(s *State) *runState {
	return &runState{
		state:    s,
		arrived:  make(map[string]int),
		executed: make(map[string]bool),
		turns:    make(map[string]int),
	}
}

// markTerminal records that the execution has been cut short by cancellation
// or the whole-workflow deadline; recordContribution consults this to
// forbid further agent_contribution recording once it's set.
func (rs *runState) markTerminal() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.terminal = true
}

func (rs *runState) isTerminal() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.terminal
}

// incrementTurn returns the next turn number for a node identified by key
// (its service name), starting at 1.
func (rs *runState) incrementTurn(key string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.turns[key]++
	return rs.turns[key]
}

// checkpoint snapshots global_state under checkpoint_<nodeID>.
func (rs *runState) checkpoint(nodeID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	snap := make(map[string]interface{}, len(rs.state.GlobalState))
	for k, v := range rs.state.GlobalState {
		snap[k] = v
	}
	rs.state.GlobalState["checkpoint_"+nodeID] = map[string]interface{}{
		"timestamp": time.Now(),
		"state":     snap,
	}
}

// arrive records one arrival at nodeID and reports whether this call is the
// one that satisfies required — i.e. whether the caller should actually
// execute the node. Every other concurrent arrival at the same node (from a
// sibling parallel branch, or a second edge into an already-joined node)
// gets false and must not execute or re-execute it.
func (rs *runState) arrive(nodeID string, required int) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.executed[nodeID] {
		return false
	}
	rs.arrived[nodeID]++
	if rs.arrived[nodeID] < required {
		return false
	}
	rs.executed[nodeID] = true
	return true
}

func (rs *runState) markCurrent(nodeID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.state.CurrentNodes[nodeID] = true
}

func (rs *runState) markCompleted(nodeID string, output interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.state.NodeOutputs[nodeID] = output
	rs.state.CompletedNodes[nodeID] = true
	delete(rs.state.CurrentNodes, nodeID)
}

// mergeGlobal merges a map-shaped node output directly into global_state,
// the side effect that lets a later fan-in node's global_state reflect
// every upstream agent/aggregator output, not just its direct predecessors'.
func (rs *runState) mergeGlobal(output interface{}) {
	m, ok := output.(map[string]interface{})
	if !ok {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for k, v := range m {
		rs.state.GlobalState[k] = v
	}
}

func (rs *runState) setGlobal(key string, value interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.state.GlobalState[key] = value
}

func (rs *runState) appendParallelResult(result interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	existing, _ := rs.state.GlobalState["parallel_results"].([]interface{})
	rs.state.GlobalState["parallel_results"] = append(existing, result)
}

func (rs *runState) nodeInput(nodeID string) interface{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state.NodeOutputs[nodeID]
}

func (rs *runState) snapshot() (completed map[string]bool, global map[string]interface{}, nodeOutputs map[string]interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	completed = make(map[string]bool, len(rs.state.CompletedNodes))
	for k, v := range rs.state.CompletedNodes {
		completed[k] = v
	}
	global = make(map[string]interface{}, len(rs.state.GlobalState))
	for k, v := range rs.state.GlobalState {
		global[k] = v
	}
	nodeOutputs = make(map[string]interface{}, len(rs.state.NodeOutputs))
	for k, v := range rs.state.NodeOutputs {
		nodeOutputs[k] = v
	}
	return
}
