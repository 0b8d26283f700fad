package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cloudferry/cloudferry/pkg/stores"
)

// Values holds named task inputs and outputs.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Result is what a task returns from Execute.
type Result struct {
	// Outputs are published under their names for later tasks.
	Outputs Values

	// Destructor is an optional compensating action, executed once after
	// every flow of the graph reached a terminal state.
	Destructor Destructor
}

// Task is one step of a flow.
type Task interface {
	// Name identifies the task within its flow.
	Name() string

	// Requires lists the values Execute and Revert read.
	Requires() []string

	// Provides lists the values Execute publishes.
	Provides() []string

	// Execute performs the step.
	Execute(ctx context.Context, in Values) (*Result, error)

	// Revert undoes Execute given the same inputs. result is nil when
	// Execute itself failed.
	Revert(ctx context.Context, in Values, result *Result) error
}

// TaskInfo implements the declarative half of Task. Embed it in concrete tasks.
type TaskInfo struct {
	TaskName string
	Inputs   []string
	Outputs  []string
}

// Name returns the task name.
func (t TaskInfo) Name() string { return t.TaskName }

// Requires returns the task inputs.
func (t TaskInfo) Requires() []string { return t.Inputs }

// Provides returns the task outputs.
func (t TaskInfo) Provides() []string { return t.Outputs }

// FuncTask adapts plain functions to Task.
type FuncTask struct {
	TaskInfo
	ExecuteFunc func(ctx context.Context, in Values) (*Result, error)
	RevertFunc  func(ctx context.Context, in Values, result *Result) error
}

// Execute calls ExecuteFunc.
func (t *FuncTask) Execute(ctx context.Context, in Values) (*Result, error) {
	if t.ExecuteFunc == nil {
		return &Result{}, nil
	}
	return t.ExecuteFunc(ctx, in)
}

// Revert calls RevertFunc, if set.
func (t *FuncTask) Revert(ctx context.Context, in Values, result *Result) error {
	if t.RevertFunc == nil {
		return nil
	}
	return t.RevertFunc(ctx, in, result)
}

// DependencyType represents the type of dependency between two flows.
type DependencyType string

const (
	// DependencyRequire means the dependent flow only runs when the
	// dependency succeeded. It is skipped otherwise.
	DependencyRequire DependencyType = "require"

	// DependencyOrder means the dependent flow waits for the dependency to
	// reach any terminal state.
	DependencyOrder DependencyType = "order"
)

// Flow is an ordered sequence of tasks migrating one object.
type Flow struct {
	// ID is unique within a graph.
	ID string

	// Label describes the flow in graph renderings.
	Label string

	Tasks []Task
}

// Graph is a set of flows connected by dependency edges.
type Graph struct {
	flows []*Flow
	index map[string]*Flow
	edges []GraphEdge
	seen  map[GraphEdge]bool
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		index: make(map[string]*Flow),
		seen:  make(map[GraphEdge]bool),
	}
}

// AddFlow adds f. Flow IDs must be unique.
func (g *Graph) AddFlow(f *Flow) error {
	if f == nil || f.ID == "" {
		return NewPermanentError("flow has empty ID", nil).WithCode(ErrCodeValidation)
	}
	if _, exists := g.index[f.ID]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate flow ID: %s", f.ID), nil).
			WithCode(ErrCodeValidation)
	}
	g.flows = append(g.flows, f)
	g.index[f.ID] = f
	return nil
}

// AddEdge makes to wait for from. Adding the same edge twice is a no-op.
func (g *Graph) AddEdge(from, to string, typ DependencyType) {
	e := GraphEdge{From: from, To: to, Type: typ}
	if g.seen[e] {
		return
	}
	g.seen[e] = true
	g.edges = append(g.edges, e)
}

// Flow returns the flow with the given ID, or nil.
func (g *Graph) Flow(id string) *Flow {
	return g.index[id]
}

// Flows returns the flows in insertion order.
func (g *Graph) Flows() []*Flow {
	return g.flows
}

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []GraphEdge {
	return g.edges
}

// Len returns the number of flows.
func (g *Graph) Len() int {
	return len(g.flows)
}

// ExecutionGraph is a validated graph with its execution levels.
type ExecutionGraph struct {
	// Nodes maps flow IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges in the graph.
	Edges []GraphEdge `json:"edges"`

	// Roots are the flow IDs with no dependencies.
	Roots []string `json:"roots"`

	// Levels groups flow IDs by level. Flows of one level may run concurrently.
	Levels [][]string `json:"levels"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// GraphNode represents a flow in the execution graph.
type GraphNode struct {
	ID    string `json:"id"`
	Level int    `json:"level"`

	// Dependencies are the incoming edges.
	Dependencies []GraphEdge `json:"dependencies"`

	// Dependents are the flows waiting for this one.
	Dependents []string `json:"dependents"`
}

// GraphEdge is a dependency: To starts only after From finished.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// RunOptions configures one execution of a graph.
type RunOptions struct {
	// RunID identifies the run. Generated when empty.
	RunID string

	// Migration names the migration the graph implements.
	Migration string

	// Inputs seeds the values available to every task.
	Inputs Values
}

// FlowReport is the outcome of one flow.
type FlowReport struct {
	ID       string            `json:"id"`
	Status   stores.FlowStatus `json:"status"`
	Error    error             `json:"-"`
	Duration time.Duration     `json:"duration"`
}

// Report summarizes a run.
type Report struct {
	RunID     string                 `json:"run_id"`
	Migration string                 `json:"migration"`
	Status    stores.RunStatus       `json:"status"`
	Flows     map[string]*FlowReport `json:"flows"`
	Duration  time.Duration          `json:"duration"`

	// Destructors lists the compensating actions run, in execution order.
	Destructors []DestructorOutcome `json:"destructors"`
}

// Count returns how many flows ended with status.
func (r *Report) Count(status stores.FlowStatus) int {
	n := 0
	for _, f := range r.Flows {
		if f.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the flows that did not succeed, sorted by ID.
func (r *Report) Failed() []*FlowReport {
	var out []*FlowReport
	for _, f := range r.Flows {
		if f.Status != stores.FlowStatusSucceeded {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
