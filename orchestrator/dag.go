// Package orchestrator drives per-service state machines over a
// dependency DAG (spec C7): start/stop ordering, health integration,
// restart-with-backoff, and event fan-out.
package orchestrator

import (
	"fmt"
	"sort"

	"harness/harnesserr"
)

// DetectCycle walks the dependency graph (service name -> its
// dependencies) using three-color DFS and returns a descriptive
// CycleDetected error if one exists, or nil if the graph is acyclic.
func DetectCycle(dependencies map[string][]string) error {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)

	state := make(map[string]int, len(dependencies))
	parent := make(map[string]string, len(dependencies))

	names := make([]string, 0, len(dependencies))
	for name := range dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	var cyclePath string
	var dfs func(name string)
	dfs = func(name string) {
		if cyclePath != "" {
			return
		}
		state[name] = visiting

		deps := append([]string(nil), dependencies[name]...)
		sort.Strings(deps)

		for _, dep := range deps {
			if _, ok := dependencies[dep]; !ok {
				continue // dangling reference — caught by config validation
			}
			switch state[dep] {
			case visiting:
				path := []string{dep, name}
				for cur := name; cur != dep; {
					cur = parent[cur]
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				joined := ""
				for i, p := range path {
					if i > 0 {
						joined += " → "
					}
					joined += p
				}
				cyclePath = joined
				return
			case unvisited:
				parent[dep] = name
				dfs(dep)
				if cyclePath != "" {
					return
				}
			}
		}

		state[name] = visited
	}

	for _, name := range names {
		if state[name] == unvisited {
			dfs(name)
			if cyclePath != "" {
				break
			}
		}
	}

	if cyclePath != "" {
		return harnesserr.New(harnesserr.CycleDetected, "cycle detected: %s", cyclePath)
	}
	return nil
}

// TopoOrder returns service names in dependency order (dependencies
// before dependents), grouped into waves that can start in parallel.
// Assumes the graph is acyclic — call DetectCycle first.
func TopoOrder(dependencies map[string][]string) [][]string {
	remaining := make(map[string][]string, len(dependencies))
	for name, deps := range dependencies {
		remaining[name] = append([]string(nil), deps...)
	}

	var waves [][]string
	for len(remaining) > 0 {
		var wave []string
		for name, deps := range remaining {
			if len(deps) == 0 {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			// Should not happen if DetectCycle was called first.
			panic(fmt.Sprintf("orchestrator: TopoOrder: %d services form a cycle not caught by DetectCycle", len(remaining)))
		}
		sort.Strings(wave)
		for _, name := range wave {
			delete(remaining, name)
		}
		for name, deps := range remaining {
			var kept []string
			for _, d := range deps {
				if _, unresolved := remaining[d]; unresolved {
					kept = append(kept, d)
				}
			}
			remaining[name] = kept
		}
		waves = append(waves, wave)
	}
	return waves
}
