package engine

import (
	"strings"
	"testing"

	"github.com/cloudferry/cloudferry/pkg/stores"
)

func newTestFlow(id string, tasks ...Task) *Flow {
	if len(tasks) == 0 {
		tasks = []Task{&FuncTask{TaskInfo: TaskInfo{TaskName: id + "-task"}}}
	}
	return &Flow{ID: id, Label: id, Tasks: tasks}
}

func buildTestGraph(t *testing.T, ids []string, edges ...GraphEdge) *Graph {
	t.Helper()
	g := NewGraph()
	for _, id := range ids {
		if err := g.AddFlow(newTestFlow(id)); err != nil {
			t.Fatalf("failed to add flow %s: %v", id, err)
		}
	}
	for _, e := range edges {
		g.AddEdge(e.From, e.To, e.Type)
	}
	return g
}

func TestDAGBuilder_BuildGraph_Empty(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(NewGraph())
	if err != nil {
		t.Fatalf("Expected no error for empty graph, got: %v", err)
	}
	if len(graph.Nodes) != 0 || len(graph.Edges) != 0 || graph.Depth != 0 {
		t.Errorf("Expected empty execution graph, got %+v", graph)
	}
}

func TestDAGBuilder_BuildGraph_Levels(t *testing.T) {
	// tenant <- image, volume <- server
	g := buildTestGraph(t,
		[]string{"tenant", "image", "volume", "server"},
		GraphEdge{From: "tenant", To: "image", Type: DependencyRequire},
		GraphEdge{From: "tenant", To: "volume", Type: DependencyRequire},
		GraphEdge{From: "image", To: "server", Type: DependencyRequire},
		GraphEdge{From: "volume", To: "server", Type: DependencyRequire},
	)

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(g)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth)
	}

	expected := map[string]int{"tenant": 0, "image": 1, "volume": 1, "server": 2}
	for id, level := range expected {
		if got := graph.Nodes[id].Level; got != level {
			t.Errorf("Expected %s at level %d, got %d", id, level, got)
		}
	}

	if got := strings.Join(graph.Levels[1], ","); got != "image,volume" {
		t.Errorf("Expected sorted level 1, got %s", got)
	}

	if len(graph.Roots) != 1 || graph.Roots[0] != "tenant" {
		t.Errorf("Expected tenant as only root, got %v", graph.Roots)
	}

	if err := builder.ValidateGraph(graph); err != nil {
		t.Errorf("ValidateGraph failed: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_DuplicateEdgeIgnored(t *testing.T) {
	g := buildTestGraph(t, []string{"a", "b"},
		GraphEdge{From: "a", To: "b", Type: DependencyRequire},
		GraphEdge{From: "a", To: "b", Type: DependencyRequire},
	)
	if len(g.Edges()) != 1 {
		t.Fatalf("Expected 1 edge, got %d", len(g.Edges()))
	}
}

func TestDAGBuilder_BuildGraph_Errors(t *testing.T) {
	tests := []struct {
		name  string
		ids   []string
		edges []GraphEdge
		want  string
	}{
		{
			name:  "cycle",
			ids:   []string{"a", "b", "c"},
			edges: []GraphEdge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"}},
			want:  "circular dependency",
		},
		{
			name:  "missing dependency",
			ids:   []string{"a"},
			edges: []GraphEdge{{From: "ghost", To: "a"}},
			want:  "non-existent flow ghost",
		},
		{
			name:  "self dependency",
			ids:   []string{"a"},
			edges: []GraphEdge{{From: "a", To: "a"}},
			want:  "depends on itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildTestGraph(t, tt.ids, tt.edges...)
			_, err := NewDAGBuilder().BuildGraph(g)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
			if !IsPermanent(err) {
				t.Errorf("Expected permanent error, got %v", err)
			}
		})
	}
}

func TestGraph_AddFlow_Duplicate(t *testing.T) {
	g := NewGraph()
	if err := g.AddFlow(newTestFlow("a")); err != nil {
		t.Fatalf("AddFlow failed: %v", err)
	}
	if err := g.AddFlow(newTestFlow("a")); err == nil {
		t.Fatal("Expected duplicate flow error")
	}
	if err := g.AddFlow(&Flow{}); err == nil {
		t.Fatal("Expected empty ID error")
	}
}

func TestDAGBuilder_ValidatesInputs(t *testing.T) {
	consumer := &FuncTask{TaskInfo: TaskInfo{TaskName: "attach", Inputs: []string{"dst_volume"}}}
	producer := &FuncTask{TaskInfo: TaskInfo{TaskName: "create", Outputs: []string{"dst_volume"}}}

	g := NewGraph()
	_ = g.AddFlow(newTestFlow("server", consumer))
	if _, err := NewDAGBuilder().BuildGraph(g); err == nil || !strings.Contains(err.Error(), "dst_volume") {
		t.Fatalf("Expected unprovided input error, got %v", err)
	}

	if _, err := NewDAGBuilder("dst_volume").BuildGraph(g); err != nil {
		t.Errorf("Expected seeded input to satisfy the graph, got %v", err)
	}

	_ = g.AddFlow(newTestFlow("volume", producer))
	if _, err := NewDAGBuilder().BuildGraph(g); err != nil {
		t.Errorf("Expected provided input to satisfy the graph, got %v", err)
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	g := buildTestGraph(t, []string{"tenant", "volume", "destructor"},
		GraphEdge{From: "tenant", To: "volume", Type: DependencyRequire},
		GraphEdge{From: "tenant", To: "destructor", Type: DependencyOrder},
		GraphEdge{From: "volume", To: "destructor", Type: DependencyOrder},
	)

	builder := NewDAGBuilder()
	if _, err := builder.BuildGraph(g); err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	dot := builder.ToDOT(map[string]stores.FlowStatus{"volume": stores.FlowStatusReverted})

	for _, want := range []string{
		"digraph MigrationGraph {",
		`"tenant" -> "volume" [style=solid, color=black];`,
		`"volume" -> "destructor" [style=dotted, color=gray];`,
		`"volume" [label="volume\nvolume-task", fillcolor="lightcoral"`,
		"cluster_level_2",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT to contain %q\n%s", want, dot)
		}
	}
}
