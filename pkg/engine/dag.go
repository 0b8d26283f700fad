package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudferry/cloudferry/pkg/stores"
)

// DAGBuilder validates a Graph and assigns execution levels to its flows.
type DAGBuilder struct {
	flows map[string]*Flow

	// adjacencyList maps flow IDs to the flows waiting for them
	adjacencyList map[string][]string

	// reverseAdjacencyList maps flow IDs to the edges they wait on
	reverseAdjacencyList map[string][]GraphEdge

	inDegree map[string]int

	// inputs are the value names seeded before the run
	inputs map[string]bool

	levels [][]string
}

// NewDAGBuilder creates a new DAG builder. inputs names the values seeded
// through RunOptions.Inputs.
func NewDAGBuilder(inputs ...string) *DAGBuilder {
	b := &DAGBuilder{
		flows:                make(map[string]*Flow),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]GraphEdge),
		inDegree:             make(map[string]int),
		inputs:               make(map[string]bool),
		levels:               make([][]string, 0),
	}
	for _, name := range inputs {
		b.inputs[name] = true
	}
	return b
}

// BuildGraph validates g, detects cycles, and computes execution levels.
func (b *DAGBuilder) BuildGraph(g *Graph) (*ExecutionGraph, error) {
	if g == nil || g.Len() == 0 {
		return &ExecutionGraph{
			Nodes:  make(map[string]*GraphNode),
			Edges:  make([]GraphEdge, 0),
			Roots:  make([]string, 0),
			Levels: make([][]string, 0),
		}, nil
	}

	if err := b.initialize(g); err != nil {
		return nil, err
	}

	if err := b.validateInputs(g); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(g), nil
}

func (b *DAGBuilder) initialize(g *Graph) error {
	for _, f := range g.Flows() {
		b.flows[f.ID] = f
		b.adjacencyList[f.ID] = make([]string, 0)
		b.reverseAdjacencyList[f.ID] = make([]GraphEdge, 0)
		b.inDegree[f.ID] = 0
	}

	for _, edge := range g.Edges() {
		if _, exists := b.flows[edge.From]; !exists {
			return NewPermanentError(
				fmt.Sprintf("flow %s depends on non-existent flow %s", edge.To, edge.From), nil,
			).WithCode(ErrCodeValidation).WithFlow(edge.To)
		}
		if _, exists := b.flows[edge.To]; !exists {
			return NewPermanentError(
				fmt.Sprintf("edge from %s targets non-existent flow %s", edge.From, edge.To), nil,
			).WithCode(ErrCodeValidation).WithFlow(edge.From)
		}
		if edge.From == edge.To {
			return NewPermanentError(fmt.Sprintf("flow %s depends on itself", edge.From), nil).
				WithCode(ErrCodeValidation).WithFlow(edge.From)
		}

		b.adjacencyList[edge.From] = append(b.adjacencyList[edge.From], edge.To)
		b.reverseAdjacencyList[edge.To] = append(b.reverseAdjacencyList[edge.To], edge)
		b.inDegree[edge.To]++
	}

	return nil
}

// validateInputs checks that every value a task requires is seeded or
// provided by some task of the graph.
func (b *DAGBuilder) validateInputs(g *Graph) error {
	provided := make(map[string]bool, len(b.inputs))
	for name := range b.inputs {
		provided[name] = true
	}
	for _, f := range g.Flows() {
		for _, t := range f.Tasks {
			for _, name := range t.Provides() {
				provided[name] = true
			}
		}
	}

	for _, f := range g.Flows() {
		for _, t := range f.Tasks {
			for _, name := range t.Requires() {
				if !provided[name] {
					return NewPermanentError(fmt.Sprintf("input %q is never provided", name), nil).
						WithCode(ErrCodeValidation).WithFlow(f.ID).WithTask(t.Name())
				}
			}
		}
	}
	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.sortedIDs() {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

func (b *DAGBuilder) detectCyclesUtil(
	id string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range b.adjacencyList[id] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, p := range path {
				if p == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels assigns execution levels with Kahn's algorithm. Flows at the
// same level have no dependency on each other.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.sortedIDs() {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, id := range currentLevel {
			for _, dependent := range b.adjacencyList[id] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Strings(nextLevel)
		currentLevel = nextLevel
	}

	if processedCount != len(b.flows) {
		return NewPermanentError("failed to process all flows - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

func (b *DAGBuilder) buildExecutionGraph(g *Graph) *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode),
		Edges:  append([]GraphEdge{}, g.Edges()...),
		Roots:  make([]string, 0),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	return graph
}

func (b *DAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.flows))
	for id := range b.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToDOT generates a Graphviz representation of the graph built last.
// statuses, when not nil, colors flows by outcome.
func (b *DAGBuilder) ToDOT(statuses map[string]stores.FlowStatus) string {
	var sb strings.Builder

	sb.WriteString("digraph MigrationGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			f := b.flows[id]
			label := f.Label
			if label == "" {
				label = f.ID
			}
			for _, t := range f.Tasks {
				label += "\\n" + t.Name()
			}
			color := getStatusColor(statuses[id])

			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.sortedIDs() {
		for _, edge := range b.reverseAdjacencyList[id] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n",
				edge.From, edge.To, getDependencyStyle(edge.Type)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func getStatusColor(status stores.FlowStatus) string {
	switch status {
	case stores.FlowStatusSucceeded:
		return "lightgreen"
	case stores.FlowStatusReverted:
		return "lightcoral"
	case stores.FlowStatusAborted:
		return "orange"
	case stores.FlowStatusSkipped:
		return "lightgray"
	default:
		return "white"
	}
}

func getDependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencyOrder:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}

// ValidateGraph performs consistency checks on a built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.flows) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		from, ok := graph.Nodes[edge.From]
		if !ok {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		to, ok := graph.Nodes[edge.To]
		if !ok {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
		if from.Level >= to.Level {
			return NewPermanentError(fmt.Sprintf("edge %s -> %s does not go down a level", edge.From, edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}
