// Package workflow implements the control plane's DAG-based multi-agent
// workflow engine: validation, forward traversal, parallel fan-out with
// join-on-last-arrival, and fallback-on-error recovery.
package workflow

import "sort"

// StartNodeID and EndNodeID are the implicit entry/exit nodes every Graph
// carries, mirroring the LangGraph-style __start__/__end__ convention.
const (
	StartNodeID = "__start__"
	EndNodeID   = "__end__"
)

// NodeType is the closed set of node kinds §4.6 dispatches on.
type NodeType string

const (
	NodeAgent      NodeType = "agent"
	NodeRouter     NodeType = "router"
	NodeAggregator NodeType = "aggregator"
	NodeCheckpoint NodeType = "checkpoint"
	NodeStart      NodeType = "start"
	NodeEnd        NodeType = "end"
)

// EdgeType selects how an outgoing edge set is interpreted during dispatch.
type EdgeType string

const (
	EdgeSequential EdgeType = "sequential"
	EdgeConditional EdgeType = "conditional"
	EdgeParallel    EdgeType = "parallel"
	EdgeFallback    EdgeType = "fallback"
)

// Predicate evaluates a conditional edge against the current dispatch
// context. Receives the triggering node's output, the workflow's
// global_state, and the accumulated per-node outputs.
type Predicate func(currentOutput interface{}, globalState, nodeOutputs map[string]interface{}) bool

// Node is a single unit of work in the graph. ServiceName names the AOL
// agent an "agent" node invokes; Config carries node-type-specific options
// (e.g. an aggregator's "aggregation" key).
type Node struct {
	ID          string
	Type        NodeType
	ServiceName string
	Config      map[string]interface{}
	Timeout     float64 // seconds; 0 means DefaultNodeTimeout
}

// Edge connects two nodes. Priority orders dispatch among a node's outgoing
// edges (descending); ties break by insertion order.
type Edge struct {
	ID        string
	Source    string
	Target    string
	Type      EdgeType
	Priority  int
	Condition Predicate
	seq       int // insertion order, for stable tie-break
}

// Graph is a DAG of Nodes connected by Edges, rooted at StartNodeID and
// exited at EndNodeID.
type Graph struct {
	WorkflowID  string
	Name        string
	nodes       map[string]*Node
	edges       map[string]*Edge
	adjacency   map[string][]*Edge
	reverseAdj  map[string][]*Edge
	edgeSeq     int
}

// NewGraph constructs a Graph pre-seeded with the implicit start/end nodes.
func NewGraph(workflowID, name string) *Graph {
	g := &Graph{
		WorkflowID: workflowID,
		Name:       name,
		nodes:      make(map[string]*Node),
		edges:      make(map[string]*Edge),
		adjacency:  make(map[string][]*Edge),
		reverseAdj: make(map[string][]*Edge),
	}
	g.AddNode(&Node{ID: StartNodeID, Type: NodeStart})
	g.AddNode(&Node{ID: EndNodeID, Type: NodeEnd})
	return g
}

// AddNode registers n, overwriting any existing node with the same ID.
func (g *Graph) AddNode(n *Node) {
	g.nodes[n.ID] = n
}

// Node returns the node registered under id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// AddEdge connects source to target and returns the new edge's ID.
func (g *Graph) AddEdge(source, target string, edgeType EdgeType, priority int, cond Predicate) string {
	g.edgeSeq++
	id := source + "_to_" + target
	e := &Edge{
		ID:        id,
		Source:    source,
		Target:    target,
		Type:      edgeType,
		Priority:  priority,
		Condition: cond,
		seq:       g.edgeSeq,
	}
	g.edges[id] = e
	g.adjacency[source] = append(g.adjacency[source], e)
	g.reverseAdj[target] = append(g.reverseAdj[target], e)
	return id
}

// SetEntryPoint wires StartNodeID -> nodeID as the workflow's first step.
func (g *Graph) SetEntryPoint(nodeID string) {
	g.AddEdge(StartNodeID, nodeID, EdgeSequential, 0, nil)
}

// SetExitPoint wires nodeID -> EndNodeID as the workflow's last step.
func (g *Graph) SetExitPoint(nodeID string) {
	g.AddEdge(nodeID, EndNodeID, EdgeSequential, 0, nil)
}

func (g *Graph) outgoing(nodeID string) []*Edge {
	edges := g.adjacency[nodeID]
	sorted := make([]*Edge, len(edges))
	copy(sorted, edges)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].seq < sorted[j].seq
	})
	return sorted
}

// dispatchContext evaluates conditional predicates during forward traversal.
type dispatchContext struct {
	currentOutput interface{}
	globalState   map[string]interface{}
	nodeOutputs   map[string]interface{}
}

// nextTargets returns the non-fallback targets to pursue from nodeID given
// ctx, per §4.6's edge-dispatch rules: the first sequential edge, the first
// matching conditional edge, or every parallel edge.
func (g *Graph) nextTargets(nodeID string, ctx dispatchContext) []string {
	var targets []string
	for _, e := range g.outgoing(nodeID) {
		switch e.Type {
		case EdgeSequential:
			return []string{e.Target}
		case EdgeConditional:
			if e.Condition != nil && e.Condition(ctx.currentOutput, ctx.globalState, ctx.nodeOutputs) {
				return []string{e.Target}
			}
		case EdgeParallel:
			targets = append(targets, e.Target)
		case EdgeFallback:
			continue
		}
	}
	return targets
}

// parallelTargetsSet returns every target reachable from nodeID via a
// parallel edge, independent of priority/conditional dispatch — mirrors
// get_parallel_targets in the original executor.
func (g *Graph) parallelTargetsSet(nodeID string) []string {
	var targets []string
	for _, e := range g.outgoing(nodeID) {
		if e.Type == EdgeParallel {
			targets = append(targets, e.Target)
		}
	}
	return targets
}

// fallbackTarget returns nodeID's fallback edge target, if any.
func (g *Graph) fallbackTarget(nodeID string) (string, bool) {
	for _, e := range g.outgoing(nodeID) {
		if e.Type == EdgeFallback {
			return e.Target, true
		}
	}
	return "", false
}

// predecessors returns the IDs of nodeID's direct predecessors.
func (g *Graph) predecessors(nodeID string) []string {
	edges := g.reverseAdj[nodeID]
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.Source)
	}
	return ids
}

// requiredArrivals is how many distinct predecessor edges must complete
// before nodeID is executed — the join width for a fan-in node. Fallback
// edges don't count: a node reached only via fallback recovery must run as
// soon as that single arrival occurs.
func (g *Graph) requiredArrivals(nodeID string) int {
	n := 0
	for _, e := range g.reverseAdj[nodeID] {
		if e.Type != EdgeFallback {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// Validate checks §4.6's submission-time invariants and returns a
// human-readable error per violation (empty slice means valid).
func (g *Graph) Validate() []string {
	var errs []string

	if len(g.adjacency[StartNodeID]) == 0 {
		errs = append(errs, "workflow has no entry point")
	}

	for id := range g.nodes {
		if id == EndNodeID {
			continue
		}
		if len(g.adjacency[id]) == 0 {
			errs = append(errs, "node "+id+" has no outgoing edges")
		}
	}

	for _, e := range g.edges {
		if _, ok := g.nodes[e.Source]; !ok {
			errs = append(errs, "edge "+e.ID+" originates from non-existent node")
		}
		if _, ok := g.nodes[e.Target]; !ok {
			errs = append(errs, "edge "+e.ID+" targets non-existent node")
		}
	}

	if g.hasCycle() {
		errs = append(errs, "workflow contains cycles (not a valid DAG)")
	}

	if len(errs) == 0 && !g.pathExists(StartNodeID, EndNodeID) {
		errs = append(errs, "no path exists from start to end")
	}

	return errs
}

func (g *Graph) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var dfs func(string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, e := range g.adjacency[node] {
			switch color[e.Target] {
			case gray:
				return true
			case white:
				if dfs(e.Target) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for id := range g.nodes {
		if color[id] == white {
			if dfs(id) {
				return true
			}
		}
	}
	return false
}

func (g *Graph) pathExists(from, to string) bool {
	visited := make(map[string]bool)
	var dfs func(string) bool
	dfs = func(node string) bool {
		if node == to {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, e := range g.adjacency[node] {
			if dfs(e.Target) {
				return true
			}
		}
		return false
	}
	return dfs(from)
}
