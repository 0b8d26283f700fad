package engine_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/engine"
)

// Example_migrationGraph builds a two-flow graph in which the volume flow
// consumes the tenant created by the tenant flow.
func Example_migrationGraph() {
	tenant := &engine.Flow{
		ID: "tenant:src:t1",
		Tasks: []engine.Task{
			&engine.FuncTask{
				TaskInfo: engine.TaskInfo{TaskName: "create-tenant", Outputs: []string{"tenant:t1"}},
				ExecuteFunc: func(ctx context.Context, in engine.Values) (*engine.Result, error) {
					return &engine.Result{Outputs: engine.Values{"tenant:t1": "t1b"}}, nil
				},
			},
		},
	}

	volume := &engine.Flow{
		ID: "volume:src:v1",
		Tasks: []engine.Task{
			&engine.FuncTask{
				TaskInfo: engine.TaskInfo{TaskName: "create-volume", Inputs: []string{"tenant:t1"}},
				ExecuteFunc: func(ctx context.Context, in engine.Values) (*engine.Result, error) {
					fmt.Printf("creating volume in tenant %s\n", in["tenant:t1"])
					return nil, nil
				},
			},
		},
	}

	g := engine.NewGraph()
	_ = g.AddFlow(tenant)
	_ = g.AddFlow(volume)
	g.AddEdge(tenant.ID, volume.ID, engine.DependencyRequire)

	scheduler := engine.NewScheduler(engine.SchedulerOptions{MaxParallel: 2}, zerolog.Nop())
	report, err := scheduler.Execute(context.Background(), g, engine.RunOptions{Migration: "volumes"})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println(report.Status)
	fmt.Println(report.Count("succeeded"))

	// Output:
	// creating volume in tenant t1b
	// completed
	// 2
}

// ExampleDAGBuilder_BuildGraph shows how flows are grouped into levels.
func ExampleDAGBuilder_BuildGraph() {
	g := engine.NewGraph()
	for _, id := range []string{"tenant", "image", "volume", "server"} {
		_ = g.AddFlow(&engine.Flow{ID: id})
	}
	g.AddEdge("tenant", "image", engine.DependencyRequire)
	g.AddEdge("tenant", "volume", engine.DependencyRequire)
	g.AddEdge("image", "server", engine.DependencyRequire)
	g.AddEdge("volume", "server", engine.DependencyRequire)

	graph, err := engine.NewDAGBuilder().BuildGraph(g)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for i, level := range graph.Levels {
		fmt.Println(i, level)
	}

	// Output:
	// 0 [tenant]
	// 1 [image volume]
	// 2 [server]
}
