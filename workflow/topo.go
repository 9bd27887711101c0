package workflow

import "fmt"

// TopologicalOrder returns every node exactly once with each edge's source
// before its target (Kahn's algorithm). Ties are resolved FIFO in node
// insertion order. A graph that cannot be fully ordered yields a
// ValidationError instead of a partial order.
func TopologicalOrder(g *Graph) ([]string, error) {
	indegree := make(map[string]int, g.Len())
	for _, n := range g.nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.edges {
		if _, ok := indegree[e.From]; !ok {
			continue
		}
		if _, ok := indegree[e.To]; ok {
			indegree[e.To]++
		}
	}

	queue := make([]string, 0, g.Len())
	for _, n := range g.nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, g.Len())
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, idx := range g.out[id] {
			to := g.edges[idx].To
			if _, ok := indegree[to]; !ok {
				continue
			}
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(order) < g.Len() {
		var stuck []string
		for _, n := range g.nodes {
			if indegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		return nil, NewValidationError(fmt.Sprintf(
			"topological order incomplete: %d of %d nodes ordered, unresolved: %v",
			len(order), g.Len(), stuck))
	}
	return order, nil
}
