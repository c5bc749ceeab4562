package resolver

import (
	"fmt"
	"slices"

	"meridian/internal/domain"
)

// Graph maps a node to the nodes it depends on.
type Graph map[string][]string

func (g Graph) Add(node, dependsOn string) {
	if slices.Contains(g[node], dependsOn) {
		return
	}
	g[node] = append(g[node], dependsOn)
}

// Reaches reports whether to is reachable from from by following dependency edges.
func (g Graph) Reaches(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, up := range g[n] {
			if up == to {
				return true
			}
			if !seen[up] {
				seen[up] = true
				stack = append(stack, up)
			}
		}
	}
	return false
}

// WouldCycle reports whether adding node -> dependsOn closes a cycle.
func (g Graph) WouldCycle(node, dependsOn string) bool {
	return node == dependsOn || g.Reaches(dependsOn, node)
}

// CheckAcyclic returns ErrDependencyCycle naming one node on a cycle, if any.
func (g Graph) CheckAcyclic() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g))
	var visit func(n string) string
	visit = func(n string) string {
		color[n] = grey
		for _, up := range g[n] {
			switch color[up] {
			case grey:
				return up
			case white:
				if c := visit(up); c != "" {
					return c
				}
			}
		}
		color[n] = black
		return ""
	}
	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if color[n] != white {
			continue
		}
		if c := visit(n); c != "" {
			return fmt.Errorf("%w: through %s", domain.ErrDependencyCycle, c)
		}
	}
	return nil
}

// Unblocked is the claimability predicate: true iff there are no upstream instances or
// every one of them has completed.
func Unblocked(upstream []domain.Status) bool {
	for _, s := range upstream {
		if s != domain.StatusCompleted {
			return false
		}
	}
	return true
}
