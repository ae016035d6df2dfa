package deps

import (
	"fmt"
	"sort"
	"strings"
)

// Node is the minimal shape the resolver needs from a service definition.
type Node struct {
	ID           string
	Dependencies []string
	// Rank breaks ties between services that are ready at the same time;
	// lower starts first. Callers derive it from criticality.
	Rank int
}

// Order returns service ids in forward dependency order: every service
// appears after all of its dependencies. Bulk start walks this order; bulk
// stop walks its reverse so that services others depend on stop last.
// Kahn's algorithm; among simultaneously ready services the lower rank goes
// first, then lexicographic id, so output is deterministic.
func Order(nodes []Node) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	rank := make(map[string]int, len(nodes))
	for _, n := range nodes {
		if known[n.ID] {
			return nil, fmt.Errorf("duplicate service id %q", n.ID)
		}
		known[n.ID] = true
		rank[n.ID] = n.Rank
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if _, ok := indegree[n.ID]; !ok {
			indegree[n.ID] = 0
		}
		for _, dep := range n.Dependencies {
			if dep == n.ID {
				return nil, fmt.Errorf("service %q depends on itself", n.ID)
			}
			if !known[dep] {
				return nil, fmt.Errorf("service %q depends on unknown service %q", n.ID, dep)
			}
			indegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	before := func(a, b string) bool {
		if rank[a] != rank[b] {
			return rank[a] < rank[b]
		}
		return a < b
	}

	ready := make([]string, 0, len(nodes))
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return before(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(nodes) {
		var cyclic []string
		for id, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle involving: %s", strings.Join(cyclic, ", "))
	}
	return order, nil
}

// Reverse returns a reversed copy of order, used for bulk stop.
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, id := range order {
		out[len(order)-1-i] = id
	}
	return out
}
