package resources

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/migration"
	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/retry"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// BuildFunc computes the destination representation of a resource.
type BuildFunc func(ctx context.Context, in engine.Values) (cloud.Resource, error)

// CreateResource creates the destination counterpart of an object and
// publishes its id as migration.DestinationOutput. Revert deletes it.
type CreateResource struct {
	engine.TaskInfo

	fc     *migration.FlowContext
	source model.ObjectID
	build  BuildFunc
}

// NewCreateResource creates the task for obj. requires lists the values
// build reads.
func NewCreateResource(fc *migration.FlowContext, obj *model.Object, build BuildFunc, requires ...string) *CreateResource {
	id := obj.ObjectID()
	return &CreateResource{
		TaskInfo: engine.TaskInfo{
			TaskName: "create-" + id.Type,
			Inputs:   requires,
			Outputs:  []string{migration.DestinationOutput(id)},
		},
		fc:     fc,
		source: id,
		build:  build,
	}
}

// Execute creates the resource. Creation is not retried since it is not
// idempotent.
func (t *CreateResource) Execute(ctx context.Context, in engine.Values) (*engine.Result, error) {
	dst, err := t.fc.Destination()
	if err != nil {
		return nil, err
	}

	res, err := t.build(ctx, in)
	if err != nil {
		return nil, err
	}

	done := observe(t.fc, dst.Name(), "create")
	created, err := dst.Create(ctx, t.source.Type, res)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s in %s: %w", t.source, dst.Name(), err)
	}

	t.fc.Logger.Debug().
		Str("object", t.source.String()).
		Str("destination_id", created.ID()).
		Msg("Resource created")

	return &engine.Result{Outputs: engine.Values{
		migration.DestinationOutput(t.source): created.ID(),
	}}, nil
}

// Revert deletes the created resource. A resource already gone is fine.
func (t *CreateResource) Revert(ctx context.Context, _ engine.Values, result *engine.Result) error {
	if result == nil {
		return nil
	}
	id, _ := result.Outputs[migration.DestinationOutput(t.source)].(string)
	if id == "" {
		return nil
	}

	dst, err := t.fc.Destination()
	if err != nil {
		return err
	}
	err = retry.Call(ctx, t.fc.Env.Discovery.Retry("delete"), func(ctx context.Context) error {
		done := observe(t.fc, dst.Name(), "delete")
		err := dst.Delete(ctx, t.source.Type, id)
		done(err)
		return err
	})
	if errors.Is(err, cloud.ErrNotFound) {
		return nil
	}
	return err
}

// StopServer powers a source server off before it is copied. The server is
// started again by the RestorePower destructor once the run is over, or by
// Revert when the flow fails.
type StopServer struct {
	engine.TaskInfo

	fc     *migration.FlowContext
	server model.ObjectID
}

// NewStopServer creates the task stopping server.
func NewStopServer(fc *migration.FlowContext, server model.ObjectID) *StopServer {
	return &StopServer{
		TaskInfo: engine.TaskInfo{TaskName: "stop-source-server"},
		fc:       fc,
		server:   server,
	}
}

// Execute stops the server.
func (t *StopServer) Execute(ctx context.Context, _ engine.Values) (*engine.Result, error) {
	if err := serverAction(ctx, t.fc, t.server, "stop"); err != nil {
		return nil, err
	}
	return &engine.Result{Destructor: &RestorePower{
		Cloud:  t.server.Cloud,
		Server: t.server.ID,
	}}, nil
}

// Revert starts the server again.
func (t *StopServer) Revert(ctx context.Context, _ engine.Values, result *engine.Result) error {
	if result == nil {
		return nil
	}
	return serverAction(ctx, t.fc, t.server, "start")
}

func serverAction(ctx context.Context, fc *migration.FlowContext, server model.ObjectID, action string) error {
	src, err := fc.Env.Discovery.Client(server.Cloud)
	if err != nil {
		return err
	}
	err = retry.Call(ctx, fc.Env.Discovery.Retry(action), func(ctx context.Context) error {
		done := observe(fc, src.Name(), action)
		err := src.Action(ctx, KindServer, server.ID, action)
		done(err)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to %s server %s: %w", action, server, err)
	}
	return nil
}

// FlavorOutput names the value carrying the destination id of the flavor
// called name.
func FlavorOutput(name string) string {
	return "flavor:" + name
}

// EnsureFlavor finds or creates a flavor in the destination cloud. Servers
// sharing a flavor wrap it in one singleton, so it runs once per graph. The
// singleton reverts it only once every server flow holding the flavor was
// reverted, so a failed server never takes the flavor away from a sibling
// that was copied.
type EnsureFlavor struct {
	engine.TaskInfo

	fc      *migration.FlowContext
	name    string
	created string
}

// NewEnsureFlavor creates the task for the flavor called name.
func NewEnsureFlavor(fc *migration.FlowContext, name string) *EnsureFlavor {
	return &EnsureFlavor{
		TaskInfo: engine.TaskInfo{
			TaskName: "ensure-flavor",
			Outputs:  []string{FlavorOutput(name)},
		},
		fc:   fc,
		name: name,
	}
}

// Execute publishes the id of the flavor, creating it when the destination
// has none of that name.
func (t *EnsureFlavor) Execute(ctx context.Context, _ engine.Values) (*engine.Result, error) {
	dst, err := t.fc.Destination()
	if err != nil {
		return nil, err
	}

	flavors, err := retry.Do(ctx, t.fc.Env.Discovery.Retry("list"), func(ctx context.Context) ([]cloud.Resource, error) {
		done := observe(t.fc, dst.Name(), "list")
		items, err := dst.List(ctx, KindFlavor)
		done(err)
		return items, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flavors: %w", err)
	}

	id := ""
	for _, f := range flavors {
		if f.Str("name") == t.name {
			id = f.ID()
			break
		}
	}
	if id == "" {
		done := observe(t.fc, dst.Name(), "create")
		created, err := dst.Create(ctx, KindFlavor, cloud.Resource{"name": t.name})
		done(err)
		if err != nil {
			return nil, fmt.Errorf("failed to create flavor %s: %w", t.name, err)
		}
		id = created.ID()
		t.created = id
		t.fc.Logger.Info().Str("flavor", t.name).Str("id", id).Msg("Flavor created")
	}

	return &engine.Result{Outputs: engine.Values{FlavorOutput(t.name): id}}, nil
}

// Revert deletes the flavor if this task created it.
func (t *EnsureFlavor) Revert(ctx context.Context, _ engine.Values, _ *engine.Result) error {
	if t.created == "" {
		return nil
	}
	dst, err := t.fc.Destination()
	if err != nil {
		return err
	}
	err = dst.Delete(ctx, KindFlavor, t.created)
	if err != nil && !errors.Is(err, cloud.ErrNotFound) {
		return err
	}
	t.created = ""
	return nil
}

// observe records one cloud call in the discovery telemetry.
func observe(fc *migration.FlowContext, cloudName, operation string) func(err error) {
	tel := fc.Env.Discovery.Telemetry()
	timer := telemetry.NewTimer()
	return func(err error) {
		tel.Metrics.RecordCloudCall(cloudName, operation, timer.Duration(), err)
	}
}
