package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Plan is the dependency-ordered execution plan for the duties selected for one roster.
type Plan struct {
	// Roster is the roster the plan was built for.
	Roster string

	// Order lists every duty after all of its dependencies.
	Order []string

	// Levels groups duties with no ordering relationship; level N depends only on levels < N.
	Levels [][]string

	// Dependencies maps a duty to the duties it depends on.
	Dependencies map[string][]string

	// Dependents maps a duty to the duties that depend on it.
	Dependents map[string][]string
}

// DAGBuilder builds a dependency graph from duties and resolves it into a Plan.
// It performs topological sorting and assigns levels for concurrent execution.
type DAGBuilder struct {
	// duties maps duty names to duties
	duties map[string]*Duty

	// adjacencyList maps a duty to its dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps a duty to its dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of unresolved dependencies for each duty
	inDegree map[string]int

	// levels holds the computed execution levels
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		duties:               make(map[string]*Duty),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// ResolvePlan builds the plan for the duties selected for roster.
// Dependencies must point inside the selected set; cycles and unresolved
// references are PlanErrors.
func ResolvePlan(roster string, duties []*Duty) (*Plan, error) {
	b := NewDAGBuilder()
	plan, err := b.Build(duties)
	if err != nil {
		var e *EngineError
		if errors.As(err, &e) && e.Resource == "" {
			e.WithResource(roster)
		}
		return nil, err
	}
	plan.Roster = roster
	return plan, nil
}

// CheckDependencies verifies the part of the dependency graph connected to
// names, independent of rosters: every dependency must name a known duty and
// the graph must be acyclic.
func CheckDependencies(duties []*Duty, names []string) error {
	if len(names) == 0 {
		return nil
	}

	known := make(map[string]bool, len(duties))
	for _, duty := range duties {
		known[duty.Name] = true
	}
	duties = reachableDuties(duties, names)
	for _, duty := range duties {
		for _, dep := range duty.DependsOn {
			if !known[dep] {
				return NewPlanError(fmt.Sprintf("duty %s depends on unknown duty %s", duty.Name, dep)).
					WithResource(duty.Name).
					WithDetail("dependency", dep)
			}
		}
	}

	_, err := NewDAGBuilder().Build(duties)
	return err
}

// Build constructs the plan. A builder must not be reused.
func (b *DAGBuilder) Build(duties []*Duty) (*Plan, error) {
	if err := b.initialize(duties); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildPlan(), nil
}

// initialize indexes the duties and builds adjacency lists.
func (b *DAGBuilder) initialize(duties []*Duty) error {
	for _, duty := range duties {
		if duty.Name == "" {
			return NewPlanError("duty has empty name")
		}
		if _, exists := b.duties[duty.Name]; exists {
			return NewPlanError(fmt.Sprintf("duplicate duty name: %s", duty.Name))
		}

		b.duties[duty.Name] = duty
		b.adjacencyList[duty.Name] = make([]string, 0)
		b.reverseAdjacencyList[duty.Name] = make([]string, 0)
		b.inDegree[duty.Name] = 0
	}

	for _, name := range b.sortedNames() {
		duty := b.duties[name]
		seen := make(map[string]bool, len(duty.DependsOn))
		for _, dep := range duty.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true

			if _, exists := b.duties[dep]; !exists {
				return NewPlanError(
					fmt.Sprintf("duty %s depends on %s, which is not selected for this roster", name, dep),
				).WithDetail("duty", name).WithDetail("dependency", dep)
			}

			// edge from dependency to dependent
			b.adjacencyList[dep] = append(b.adjacencyList[dep], name)
			b.reverseAdjacencyList[name] = append(b.reverseAdjacencyList[name], dep)
			b.inDegree[name]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range b.sortedNames() {
		if visited[name] {
			continue
		}
		if cycle := b.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
			return NewPlanError(fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle))).
				WithDetail("cycle", cycle)
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range b.adjacencyList[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := make([]string, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Each level is sorted by name.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for name, degree := range b.inDegree {
		inDegree[name] = degree
	}

	current := make([]string, 0)
	for name, degree := range inDegree {
		if degree == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range b.adjacencyList[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(b.duties) {
		return NewPlanError("failed to order all duties - possible cycle").WithCode(ErrCodeInternal)
	}

	return nil
}

// buildPlan creates the final Plan structure.
func (b *DAGBuilder) buildPlan() *Plan {
	plan := &Plan{
		Order:        make([]string, 0, len(b.duties)),
		Levels:       b.levels,
		Dependencies: make(map[string][]string, len(b.duties)),
		Dependents:   make(map[string][]string, len(b.duties)),
	}

	for _, level := range b.levels {
		plan.Order = append(plan.Order, level...)
	}

	for name := range b.duties {
		deps := append([]string(nil), b.reverseAdjacencyList[name]...)
		sort.Strings(deps)
		plan.Dependencies[name] = deps

		dependents := append([]string(nil), b.adjacencyList[name]...)
		sort.Strings(dependents)
		plan.Dependents[name] = dependents
	}

	return plan
}

// sortedNames returns duty names in ascending order for deterministic traversal.
func (b *DAGBuilder) sortedNames() []string {
	names := make([]string, 0, len(b.duties))
	for name := range b.duties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reverse returns the order in which duties must be destroyed: dependents first.
func (p *Plan) Reverse() []string {
	reversed := make([]string, len(p.Order))
	for i, name := range p.Order {
		reversed[len(p.Order)-1-i] = name
	}
	return reversed
}

// Position returns the index of duty in the plan order, or -1.
func (p *Plan) Position(duty string) int {
	for i, name := range p.Order {
		if name == duty {
			return i
		}
	}
	return -1
}

// ToDOT generates a DOT format representation of the plan for visualization.
// The output can be rendered with Graphviz tools.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range p.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("    \"%s\";\n", name))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range p.Order {
		for _, dep := range p.Dependencies[name] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
