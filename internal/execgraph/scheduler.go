package execgraph

import "sort"

// ReadyNodes returns the ids of nodes eligible to start: every dependency
// is in completed, and the node itself is in neither completed nor
// inFlight. Results are sorted lexicographically ascending for
// deterministic dispatch order — the orchestrator's admission layer, not
// this package, decides how many of them actually get leased at once.
func (g *Graph) ReadyNodes(completed, inFlight map[string]bool) []string {
	var ready []string

	for _, n := range g.Nodes {
		if completed[n.ID] || inFlight[n.ID] {
			continue
		}

		blocked := false
		for _, dep := range g.Dependencies(n.ID) {
			if !completed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, n.ID)
		}
	}

	sort.Strings(ready)
	return ready
}

// IsTerminal reports whether every node in the graph is accounted for in
// completed or failed, meaning no further dispatch is possible.
func (g *Graph) IsTerminal(completed, failed map[string]bool) bool {
	for _, n := range g.Nodes {
		if !completed[n.ID] && !failed[n.ID] {
			return false
		}
	}
	return true
}
