package plan

import (
	"fmt"
	"strings"

	"github.com/aristath/taskflow/internal/model"
	"github.com/gammazero/toposort"
)

// phaseGraph is the dependency graph between the phases of a plan.
type phaseGraph struct {
	names []string            // declared order
	deps  map[string][]string // phase -> phases it depends on
}

func newPhaseGraph() *phaseGraph {
	return &phaseGraph{deps: make(map[string][]string)}
}

// add registers a phase. Phase names must be unique.
func (g *phaseGraph) add(name string, dependsOn []string) error {
	if _, exists := g.deps[name]; exists {
		return fmt.Errorf("phase %q declared twice", name)
	}
	g.names = append(g.names, name)
	g.deps[name] = append([]string{}, dependsOn...)
	return nil
}

// validate checks that every dependency exists and the graph has no cycle.
func (g *phaseGraph) validate() error {
	for _, name := range g.names {
		for _, dep := range g.deps[name] {
			if _, exists := g.deps[dep]; !exists {
				return fmt.Errorf("phase %q depends on unknown phase %q", name, dep)
			}
		}
	}

	var edges []toposort.Edge
	for _, name := range g.names {
		if len(g.deps[name]) == 0 {
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range g.deps[name] {
			// (dep, name): dep runs before name.
			edges = append(edges, toposort.Edge{dep, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("phase dependencies contain a cycle: %w", err)
	}

	found := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		if id != nil {
			found[id.(string)] = true
		}
	}
	if len(found) != len(g.names) {
		var missing []string
		for _, name := range g.names {
			if !found[name] {
				missing = append(missing, name)
			}
		}
		return fmt.Errorf("topological sort lost %d phases: %s", len(missing), strings.Join(missing, ", "))
	}
	return nil
}

// order returns the phases in a dependency-respecting order that keeps the
// declared order wherever dependencies allow it. The graph must be valid.
func (g *phaseGraph) order() []string {
	placed := make(map[string]bool, len(g.names))
	out := make([]string, 0, len(g.names))
	for len(out) < len(g.names) {
		progressed := false
		for _, name := range g.names {
			if placed[name] || !g.ready(name, placed) {
				continue
			}
			placed[name] = true
			out = append(out, name)
			progressed = true
			break
		}
		if !progressed {
			// Only reachable on an invalid graph.
			break
		}
	}
	return out
}

func (g *phaseGraph) ready(name string, placed map[string]bool) bool {
	for _, dep := range g.deps[name] {
		if !placed[dep] {
			return false
		}
	}
	return true
}

// PhaseOrder validates the phase dependencies of phases and returns them in
// execution order.
func PhaseOrder(phases []model.Phase) ([]model.Phase, error) {
	g := newPhaseGraph()
	byName := make(map[string]model.Phase, len(phases))
	for _, p := range phases {
		if err := g.add(p.Name, p.Dependencies); err != nil {
			return nil, err
		}
		byName[p.Name] = p
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	ordered := make([]model.Phase, 0, len(phases))
	for _, name := range g.order() {
		ordered = append(ordered, byName[name])
	}
	return ordered, nil
}
