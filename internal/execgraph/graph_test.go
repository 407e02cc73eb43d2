package execgraph

import (
	"strings"
	"testing"
)

func TestClassifyKind(t *testing.T) {
	tests := []struct {
		raw  string
		want NodeKind
	}{
		{"delay", KindDelay},
		{"sandboxed", KindSandboxed},
		{"builtin", KindBuiltin},
		{"connector", KindConnector},
		{"something-else", KindUnknown},
		{"", KindUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyKind(tt.raw); got != tt.want {
			t.Errorf("ClassifyKind(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNodeValidate_RejectsCompositeParams(t *testing.T) {
	for _, key := range []string{"steps", "tasks", "pipeline", "subgraph", "batch"} {
		n := &Node{ID: "n1", Kind: KindBuiltin, Params: map[string]string{key: "x"}}
		if err := n.Validate(); err == nil {
			t.Errorf("expected error for forbidden param %q", key)
		}
	}
}

func TestGraphValidate_EmptyGraph(t *testing.T) {
	g := &Graph{ID: "g1"}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for empty graph")
	}
}

func TestGraphValidate_DuplicateID(t *testing.T) {
	g := &Graph{
		ID: "g1",
		Nodes: []Node{
			{ID: "a", Kind: KindBuiltin},
			{ID: "a", Kind: KindBuiltin},
		},
	}
	err := g.Validate()
	if err == nil {
		t.Fatal("expected error for duplicate node ID")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate-ID error, got: %v", err)
	}
}

func TestGraphValidate_DanglingEdge(t *testing.T) {
	g := &Graph{
		ID:    "g1",
		Nodes: []Node{{ID: "a", Kind: KindBuiltin}},
		Edges: []Edge{{From: "a", To: "ghost"}},
	}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for edge referencing unknown node")
	}
}

func TestGraphValidate_SelfLoop(t *testing.T) {
	g := &Graph{
		ID:    "g1",
		Nodes: []Node{{ID: "a", Kind: KindBuiltin}},
		Edges: []Edge{{From: "a", To: "a"}},
	}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for self-loop")
	}
}

func TestGraphValidate_Cycle(t *testing.T) {
	g := &Graph{
		ID: "g1",
		Nodes: []Node{
			{ID: "a", Kind: KindBuiltin},
			{ID: "b", Kind: KindBuiltin},
			{ID: "c", Kind: KindBuiltin},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "a"},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatal("expected error for cyclic graph")
	}
}

func TestGraphValidate_DeepChainAllowed(t *testing.T) {
	// Unlike a fixed-depth DAG, a workflow graph has no layer limit.
	nodes := make([]Node, 0, 10)
	edges := make([]Edge, 0, 9)
	for i := 0; i < 10; i++ {
		id := strings.Repeat("n", 1) + string(rune('a'+i))
		nodes = append(nodes, Node{ID: id, Kind: KindBuiltin})
		if i > 0 {
			prev := nodes[i-1].ID
			edges = append(edges, Edge{From: prev, To: id})
		}
	}
	g := &Graph{ID: "deep", Nodes: nodes, Edges: edges}
	if err := g.Validate(); err != nil {
		t.Fatalf("expected long chain to validate, got: %v", err)
	}
}

func TestTopologicalOrder_Deterministic(t *testing.T) {
	g := &Graph{
		ID: "g1",
		Nodes: []Node{
			{ID: "c", Kind: KindBuiltin},
			{ID: "a", Kind: KindBuiltin},
			{ID: "b", Kind: KindBuiltin},
		},
		Edges: []Edge{
			{From: "a", To: "c"},
			{From: "b", To: "c"},
		},
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestFindNodeAndDependents(t *testing.T) {
	g := &Graph{
		ID: "g1",
		Nodes: []Node{
			{ID: "a", Kind: KindBuiltin},
			{ID: "b", Kind: KindBuiltin},
		},
		Edges: []Edge{{From: "a", To: "b"}},
	}

	if g.FindNode("a") == nil {
		t.Fatal("expected to find node a")
	}
	if g.FindNode("missing") != nil {
		t.Fatal("expected nil for missing node")
	}

	deps := g.Dependents("a")
	if len(deps) != 1 || deps[0] != "b" {
		t.Fatalf("expected [b], got %v", deps)
	}

	parents := g.Dependencies("b")
	if len(parents) != 1 || parents[0] != "a" {
		t.Fatalf("expected [a], got %v", parents)
	}
}
