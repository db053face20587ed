package incident

import "github.com/t77yq/service-monitor/internal/model"

// DependencyGraph holds the declared dependencies of every service and the
// reverse edges from a service to the services that depend on it
type DependencyGraph struct {
	dependencies map[string][]string
	dependents   map[string][]string
}

// BuildDependencyGraph builds the graph from the given services. Duplicate
// and self edges are dropped.
func BuildDependencyGraph(services []*model.Service) *DependencyGraph {
	g := &DependencyGraph{
		dependencies: make(map[string][]string, len(services)),
		dependents:   make(map[string][]string, len(services)),
	}

	for _, svc := range services {
		seen := make(map[string]bool, len(svc.Dependencies))
		for _, dep := range svc.Dependencies {
			if dep == svc.ID || seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependencies[svc.ID] = append(g.dependencies[svc.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], svc.ID)
		}
	}
	return g
}

// Dependencies returns the services id declares as dependencies
func (g *DependencyGraph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// Dependents returns the services that directly depend on id
func (g *DependencyGraph) Dependents(id string) []string {
	return g.dependents[id]
}

// Downstream returns every service that transitively depends on id, in
// breadth-first order. id itself is never included, even inside a cycle.
func (g *DependencyGraph) Downstream(id string) []string {
	visited := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)

	var result []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		result = append(result, next)
		queue = append(queue, g.dependents[next]...)
	}
	return result
}
