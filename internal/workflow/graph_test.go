package workflow

import (
	"strings"
	"testing"
)

func TestValidateRejectsCycle(t *testing.T) {
	g := NewGraph("wf", "cyclic")
	g.AddNode(&Node{ID: "A", Type: NodeAgent})
	g.AddNode(&Node{ID: "B", Type: NodeAgent})
	g.SetEntryPoint("A")
	g.AddEdge("A", "B", EdgeSequential, 0, nil)
	g.AddEdge("B", "A", EdgeSequential, 0, nil)
	g.SetExitPoint("B")

	errs := g.Validate()
	if !containsSubstring(errs, "cycles") {
		t.Fatalf("Validate() = %v, want a cycle error", errs)
	}
}

func TestValidateRejectsNonEndNodeWithNoOutgoingEdges(t *testing.T) {
	g := NewGraph("wf", "dead-end")
	g.AddNode(&Node{ID: "A", Type: NodeAgent})
	g.SetEntryPoint("A")
	// A has no outgoing edge to __end__ or anywhere else.

	errs := g.Validate()
	if !containsSubstring(errs, "no outgoing edges") {
		t.Fatalf("Validate() = %v, want a no-outgoing-edges error", errs)
	}
}

func TestValidateRejectsEdgeToMissingNode(t *testing.T) {
	g := NewGraph("wf", "dangling")
	g.AddNode(&Node{ID: "A", Type: NodeAgent})
	g.SetEntryPoint("A")
	g.AddEdge("A", "ghost", EdgeSequential, 0, nil)

	errs := g.Validate()
	if !containsSubstring(errs, "non-existent node") {
		t.Fatalf("Validate() = %v, want a non-existent-node error", errs)
	}
}

func TestValidateRejectsNoPathToEnd(t *testing.T) {
	g := NewGraph("wf", "unreachable-end")
	g.AddNode(&Node{ID: "A", Type: NodeAgent})
	g.AddNode(&Node{ID: "B", Type: NodeAgent})
	g.SetEntryPoint("A")
	// A leads to B, which loops on itself and never reaches __end__.
	g.AddEdge("A", "B", EdgeSequential, 0, nil)
	g.AddEdge("B", "B", EdgeSequential, 1, nil)

	errs := g.Validate()
	if !containsSubstring(errs, "no path exists") && !containsSubstring(errs, "cycles") {
		t.Fatalf("Validate() = %v, want a no-path-to-end or cycle error", errs)
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	g := NewGraph("wf", "ok")
	g.AddNode(&Node{ID: "A", Type: NodeAgent})
	g.SetEntryPoint("A")
	g.SetExitPoint("A")

	if errs := g.Validate(); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want none", errs)
	}
}

func containsSubstring(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}
