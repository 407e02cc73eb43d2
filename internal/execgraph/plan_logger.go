package execgraph

import (
	"context"

	"workflowengine/internal/obslog"
)

// LogGraphPlan records the finalized execution plan for a graph as a
// structured event, keyed by executionId rather than the graph's own id
// since one graph definition can back many executions.
func LogGraphPlan(ctx context.Context, executionID string, g *Graph) {
	if g == nil {
		obslog.LogEvent(ctx, executionID, "orchestrator", "plan_generation_failed", map[string]string{
			"error": "graph is nil",
		})
		return
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		obslog.LogEvent(ctx, executionID, "orchestrator", "plan_generation_failed", map[string]string{
			"error": err.Error(),
		})
		return
	}

	payload := map[string]interface{}{
		"graph_id": g.ID,
		"nodes":    summarizeNodes(g.Nodes),
		"edges":    g.Edges,
		"metrics": map[string]interface{}{
			"node_count":      len(g.Nodes),
			"edge_count":      len(g.Edges),
			"est_parallelism": estimateParallelism(g),
		},
		"order": order,
	}

	obslog.LogEvent(ctx, executionID, "orchestrator", "plan_generated", payload)
}

func summarizeNodes(nodes []Node) []map[string]interface{} {
	summary := make([]map[string]interface{}, len(nodes))
	for i, n := range nodes {
		summary[i] = map[string]interface{}{
			"id":   n.ID,
			"kind": n.Kind,
		}
	}
	return summary
}

// estimateParallelism counts nodes with zero in-degree, a cheap lower
// bound on how much of the graph can dispatch in its first round.
func estimateParallelism(g *Graph) int {
	inDegree := make(map[string]int)
	for _, e := range g.Edges {
		inDegree[e.To]++
	}

	count := 0
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			count++
		}
	}
	return count
}
