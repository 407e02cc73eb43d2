package execgraph

import "testing"

func TestReadyNodes_RespectsDependencies(t *testing.T) {
	g := &Graph{
		ID: "g1",
		Nodes: []Node{
			{ID: "a", Kind: KindBuiltin},
			{ID: "b", Kind: KindBuiltin},
			{ID: "c", Kind: KindBuiltin},
		},
		Edges: []Edge{
			{From: "a", To: "c"},
			{From: "b", To: "c"},
		},
	}

	ready := g.ReadyNodes(map[string]bool{}, map[string]bool{})
	if len(ready) != 2 || ready[0] != "a" || ready[1] != "b" {
		t.Fatalf("expected [a b], got %v", ready)
	}

	ready = g.ReadyNodes(map[string]bool{"a": true, "b": true}, map[string]bool{})
	if len(ready) != 1 || ready[0] != "c" {
		t.Fatalf("expected [c] once a and b complete, got %v", ready)
	}
}

func TestReadyNodes_ExcludesInFlight(t *testing.T) {
	g := &Graph{
		ID:    "g1",
		Nodes: []Node{{ID: "a", Kind: KindBuiltin}, {ID: "b", Kind: KindBuiltin}},
	}

	ready := g.ReadyNodes(map[string]bool{}, map[string]bool{"a": true})
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("expected [b], got %v", ready)
	}
}

func TestIsTerminal(t *testing.T) {
	g := &Graph{
		ID:    "g1",
		Nodes: []Node{{ID: "a", Kind: KindBuiltin}, {ID: "b", Kind: KindBuiltin}},
	}

	if g.IsTerminal(map[string]bool{"a": true}, map[string]bool{}) {
		t.Fatal("expected not terminal while b is outstanding")
	}
	if !g.IsTerminal(map[string]bool{"a": true}, map[string]bool{"b": true}) {
		t.Fatal("expected terminal once every node is completed or failed")
	}
}
