package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aol-core/control-plane/internal/eventstore"
)

// Defaults per spec §4.6.
const (
	DefaultWorkflowTimeout = 300 * time.Second
	DefaultNodeTimeout     = 30 * time.Second
)

// ServiceInvoker dispatches an "agent" node's work to its named service.
type ServiceInvoker interface {
	Invoke(ctx context.Context, serviceName, method string, input interface{}) (interface{}, error)
}

// ContributionRecorder records a node's execution outcome against the
// credit-assignment engine. Satisfied by *credit.Engine.
type ContributionRecorder interface {
	RecordContribution(workflowID, agentID string, agents []string, turn int, actionType string, latencyMs float64, success bool, influence *float64)
}

// Result is what Execute returns to the submitter.
type Result struct {
	Success        bool
	ExecutionID    string
	Errors         []string // validation failures; non-empty only when Success is false before execution starts
	Error          string
	GlobalState    map[string]interface{}
	CompletedNodes []string
	DurationS      float64
}

// Config configures an Engine's default timeouts.
type Config struct {
	WorkflowTimeout time.Duration
	NodeTimeout     time.Duration
}

// DefaultConfig returns §4.6's default timeouts.
func DefaultConfig() Config {
	return Config{WorkflowTimeout: DefaultWorkflowTimeout, NodeTimeout: DefaultNodeTimeout}
}

// Engine executes validated Graphs against an external service invoker,
// recording agent_contribution and workflow_* events as it goes.
type Engine struct {
	invoker ServiceInvoker
	credit  ContributionRecorder
	es      *eventstore.EventStore

	workflowTimeout time.Duration
	nodeTimeout     time.Duration
}

// New constructs an Engine. invoker and credit may be nil in tests that
// don't exercise agent dispatch or credit recording.
func New(invoker ServiceInvoker, credit ContributionRecorder, es *eventstore.EventStore, cfg Config) *Engine {
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = DefaultWorkflowTimeout
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	return &Engine{
		invoker:         invoker,
		credit:          credit,
		es:              es,
		workflowTimeout: cfg.WorkflowTimeout,
		nodeTimeout:     cfg.NodeTimeout,
	}
}

// Execute runs g to completion from StartNodeID, or fails fast on
// validation errors, deadline breach, or an unrecovered node error.
func (e *Engine) Execute(ctx context.Context, g *Graph, initialInput interface{}) *Result {
	executionID := uuid.NewString()

	if errs := g.Validate(); len(errs) > 0 {
		return &Result{ExecutionID: executionID, Errors: errs}
	}

	state := newState(g.WorkflowID, executionID, initialInput)
	rs := newRunState(state)
	agents := agentServiceNames(g)

	if e.es != nil {
		e.es.StartWorkflow(g.WorkflowID, g.Name, agents)
		e.es.Append(eventstore.Event{
			Kind:       eventstore.KindWorkflowStarted,
			WorkflowID: g.WorkflowID,
			Metadata:   map[string]interface{}{"execution_id": executionID},
		})
	}

	execCtx, cancel := context.WithTimeout(ctx, e.workflowTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.executeFrom(execCtx, g, rs, StartNodeID, false)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-execCtx.Done():
		rs.markTerminal()
		if ctx.Err() != nil {
			runErr = context.Canceled
		} else {
			runErr = context.DeadlineExceeded
		}
	}

	completed, global, _ := rs.snapshot()
	result := &Result{
		ExecutionID:    executionID,
		GlobalState:    global,
		CompletedNodes: sortedKeys(completed),
		DurationS:      time.Since(state.StartedAt).Seconds(),
	}

	if runErr == nil {
		result.Success = true
		e.finishWorkflow(g, executionID, true, "")
		return result
	}

	reason := runErr.Error()
	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(runErr, context.Canceled):
		reason = "cancelled"
	}
	result.Error = reason
	e.finishWorkflow(g, executionID, false, reason)
	return result
}

func (e *Engine) finishWorkflow(g *Graph, executionID string, success bool, reason string) {
	if e.es == nil {
		return
	}
	if success {
		e.es.SetWorkflowState(g.WorkflowID, eventstore.WorkflowCompleted)
	} else {
		e.es.SetWorkflowState(g.WorkflowID, eventstore.WorkflowFailed)
	}
	kind := eventstore.KindWorkflowCompleted
	if !success {
		kind = eventstore.KindWorkflowFailed
	}
	metadata := map[string]interface{}{"execution_id": executionID}
	if reason != "" {
		metadata["reason"] = reason
	}
	e.es.Append(eventstore.Event{
		Kind:       kind,
		WorkflowID: g.WorkflowID,
		Success:    &success,
		Metadata:   metadata,
	})
}

// executeFrom is the single entry point used for both sequential recursion
// and a parallel branch. The join barrier (rs.arrive) ensures a fan-in node
// fed by several parallel predecessors executes exactly once, driven by
// whichever arrival completes its required count; every other arrival
// no-ops. viaParallel marks that this call is one branch of a fan-out, so
// its own output (not its downstream chain's) is recorded into
// global_state.parallel_results.
func (e *Engine) executeFrom(ctx context.Context, g *Graph, rs *runState, nodeID string, viaParallel bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !rs.arrive(nodeID, g.requiredArrivals(nodeID)) {
		return nil
	}

	node := g.Node(nodeID)
	if node == nil {
		return fmt.Errorf("node %s not found", nodeID)
	}
	rs.markCurrent(nodeID)

	var output interface{}
	if node.Type != NodeStart && node.Type != NodeEnd {
		result, err := e.runNode(ctx, g, rs, node)
		if err != nil {
			if target, ok := g.fallbackTarget(nodeID); ok {
				return e.executeFrom(ctx, g, rs, target, false)
			}
			return err
		}
		output = result
	} else {
		output = rs.nodeInput(nodeID)
	}

	rs.markCompleted(nodeID, output)
	if node.Type == NodeAgent || node.Type == NodeAggregator {
		rs.mergeGlobal(output)
	}
	if viaParallel {
		rs.appendParallelResult(output)
	}

	if node.Type == NodeEnd {
		return nil
	}

	_, global, nodeOutputs := rs.snapshot()
	dctx := dispatchContext{currentOutput: output, globalState: global, nodeOutputs: nodeOutputs}
	targets := g.nextTargets(nodeID, dctx)
	parallelTargets := g.parallelTargetsSet(nodeID)

	if len(parallelTargets) > 1 {
		eg, egCtx := errgroup.WithContext(ctx)
		for _, t := range parallelTargets {
			t := t
			eg.Go(func() error {
				return e.executeFrom(egCtx, g, rs, t, true)
			})
		}
		return eg.Wait()
	}

	if len(targets) == 0 {
		return nil
	}
	return e.executeFrom(ctx, g, rs, targets[0], false)
}

// runNode executes a single node's type-specific behavior under its own
// deadline and records the resulting agent_contribution.
func (e *Engine) runNode(ctx context.Context, g *Graph, rs *runState, node *Node) (interface{}, error) {
	timeout := e.nodeTimeout
	if node.Timeout > 0 {
		timeout = time.Duration(node.Timeout * float64(time.Second))
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	input := e.computeInput(g, rs, node.ID)

	var output interface{}
	var err error
	switch node.Type {
	case NodeAgent:
		if e.invoker == nil {
			err = errors.New("workflow: no service invoker configured for agent node")
		} else {
			output, err = e.invoker.Invoke(nodeCtx, node.ServiceName, "Process", input)
		}
	case NodeRouter:
		output = input
	case NodeAggregator:
		output = e.aggregate(g, rs, node, input)
	case NodeCheckpoint:
		rs.checkpoint(node.ID)
		output = input
	default:
		output = input
	}

	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	e.recordContribution(rs, g, node, latencyMs, err == nil)
	return output, err
}

// computeInput combines a node's completed predecessors' outputs: none ->
// the workflow's initial input; one -> its output verbatim; several -> a
// map keyed by predecessor node ID.
func (e *Engine) computeInput(g *Graph, rs *runState, nodeID string) interface{} {
	completed, global, nodeOutputs := rs.snapshot()
	var preds []string
	for _, p := range g.predecessors(nodeID) {
		if completed[p] {
			preds = append(preds, p)
		}
	}
	switch len(preds) {
	case 0:
		return global["input"]
	case 1:
		return nodeOutputs[preds[0]]
	default:
		combined := make(map[string]interface{}, len(preds))
		for _, p := range preds {
			combined[p] = nodeOutputs[p]
		}
		return combined
	}
}

// aggregate combines the completed predecessors' outputs per
// node.Config["aggregation"] (merge/list/first, default merge). A non-map
// input passes through unchanged; any map input, including a single
// predecessor's map-shaped output, is aggregated.
func (e *Engine) aggregate(g *Graph, rs *runState, node *Node, input interface{}) interface{} {
	if _, ok := input.(map[string]interface{}); !ok {
		return input
	}

	method, _ := node.Config["aggregation"].(string)
	if method == "" {
		method = "merge"
	}

	completed, _, nodeOutputs := rs.snapshot()
	var ordered []string
	for _, p := range g.predecessors(node.ID) {
		if completed[p] {
			ordered = append(ordered, p)
		}
	}

	switch method {
	case "list":
		list := make([]interface{}, 0, len(ordered))
		for _, k := range ordered {
			list = append(list, nodeOutputs[k])
		}
		return list
	case "first":
		for _, k := range ordered {
			if v := nodeOutputs[k]; v != nil {
				return v
			}
		}
		return nil
	default: // "merge"
		result := make(map[string]interface{})
		for _, k := range ordered {
			v := nodeOutputs[k]
			if m, ok := v.(map[string]interface{}); ok {
				for k2, v2 := range m {
					result[k2] = v2
				}
			} else {
				result[k] = v
			}
		}
		return result
	}
}

func (e *Engine) recordContribution(rs *runState, g *Graph, node *Node, latencyMs float64, success bool) {
	if node.ServiceName == "" || rs.isTerminal() {
		return
	}
	turn := rs.incrementTurn(node.ServiceName)
	if e.credit != nil {
		e.credit.RecordContribution(g.WorkflowID, node.ServiceName, agentServiceNames(g), turn, string(node.Type), latencyMs, success, nil)
	}
	if e.es != nil {
		e.es.Append(eventstore.Event{
			Kind:       eventstore.KindAgentContribution,
			WorkflowID: g.WorkflowID,
			ServiceID:  node.ServiceName,
			Success:    &success,
			Metadata:   map[string]interface{}{"latency_ms": latencyMs, "node_id": node.ID, "turn": turn},
		})
	}
}

func agentServiceNames(g *Graph) []string {
	seen := make(map[string]bool)
	var names []string
	for _, n := range g.nodes {
		if n.ServiceName != "" && !seen[n.ServiceName] {
			seen[n.ServiceName] = true
			names = append(names, n.ServiceName)
		}
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
