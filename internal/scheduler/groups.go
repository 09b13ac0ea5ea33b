package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// BuildGroups converts a set of task nodes into an ordered sequence of
// parallel-safe groups using topological leveling. Round 0 holds every
// task with no dependencies; round k+1 holds every not-yet-placed task
// whose dependencies all sit in rounds <= k. Ties within a round keep the
// original submission order.
//
// Returns *CycleError if the dependency relation contains a cycle, and a
// plain error for duplicate IDs or references to unknown tasks.
func BuildGroups(nodes []TaskNode) ([]TaskGroup, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.Task.ID == "" {
			return nil, fmt.Errorf("task at position %d has empty ID", i)
		}
		if _, dup := index[n.Task.ID]; dup {
			return nil, fmt.Errorf("duplicate task ID %q", n.Task.ID)
		}
		index[n.Task.ID] = i
	}

	// Verify all dependencies reference known tasks
	for _, n := range nodes {
		for _, depID := range n.DependsOn {
			if _, ok := index[depID]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", n.Task.ID, depID)
			}
		}
	}

	// Build edges for topological sort. Tasks with no dependencies get an
	// edge from nil so disconnected roots are still included.
	var edges []toposort.Edge
	for _, n := range nodes {
		if len(n.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, n.Task.ID})
		} else {
			for _, depID := range n.DependsOn {
				edges = append(edges, toposort.Edge{depID, n.Task.ID})
			}
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return nil, &CycleError{Unplaced: unplaced(nodes), Cause: err}
	}

	// Level the acyclic graph into rounds. The sort above guarantees
	// progress on every round.
	level := make(map[string]int, len(nodes))
	placed := 0
	var groups []TaskGroup
	for round := 0; placed < len(nodes); round++ {
		var members []TaskNode
		for _, n := range nodes {
			if _, done := level[n.Task.ID]; done {
				continue
			}
			ready := true
			for _, depID := range n.DependsOn {
				if lv, ok := level[depID]; !ok || lv >= round {
					ready = false
					break
				}
			}
			if ready {
				members = append(members, n)
			}
		}
		if len(members) == 0 {
			// Unreachable once the toposort passed; kept as a guard so a
			// regression cannot spin forever.
			return nil, &CycleError{Unplaced: unplaced(nodes)}
		}
		for _, m := range members {
			level[m.Task.ID] = round
		}
		placed += len(members)
		groups = append(groups, TaskGroup{
			ID:    fmt.Sprintf("group-%d", round),
			Tasks: members,
		})
	}

	// Each group references exactly the earlier rounds its members depend
	// on, so unrelated subgraphs can be treated independently downstream.
	for gi := range groups {
		seen := make(map[int]bool)
		for _, m := range groups[gi].Tasks {
			for _, depID := range m.DependsOn {
				seen[level[depID]] = true
			}
		}
		rounds := make([]int, 0, len(seen))
		for r := range seen {
			rounds = append(rounds, r)
		}
		sort.Ints(rounds)
		for _, r := range rounds {
			groups[gi].DependsOnGroups = append(groups[gi].DependsOnGroups, fmt.Sprintf("group-%d", r))
		}
	}

	return groups, nil
}

// unplaced runs the leveling until it stalls and returns the IDs left
// over, i.e. the tasks participating in (or downstream of) a cycle.
func unplaced(nodes []TaskNode) []string {
	level := make(map[string]bool, len(nodes))
	for {
		progressed := false
		for _, n := range nodes {
			if level[n.Task.ID] {
				continue
			}
			ready := true
			for _, depID := range n.DependsOn {
				if !level[depID] {
					ready = false
					break
				}
			}
			if ready {
				level[n.Task.ID] = true
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	var rest []string
	for _, n := range nodes {
		if !level[n.Task.ID] {
			rest = append(rest, n.Task.ID)
		}
	}
	return rest
}
