package resources

import (
	"context"
	"fmt"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/migration"
	"github.com/cloudferry/cloudferry/pkg/model"
)

func tenantFlow(fc *migration.FlowContext, obj *model.Object) ([]engine.Task, error) {
	build := func(context.Context, engine.Values) (cloud.Resource, error) {
		return cloud.Resource{
			"name":        obj.Str("name"),
			"description": obj.Str("description"),
			"enabled":     obj.Bool("enabled"),
		}, nil
	}
	return []engine.Task{NewCreateResource(fc, obj, build)}, nil
}

func imageFlow(fc *migration.FlowContext, obj *model.Object) ([]engine.Task, error) {
	build := func(ctx context.Context, _ engine.Values) (cloud.Resource, error) {
		tenantID, err := migration.DestinationID(ctx, fc, obj.Ref("tenant"))
		if err != nil {
			return nil, err
		}
		return cloud.Resource{
			"name":        obj.Str("name"),
			"disk_format": obj.Str("disk_format"),
			"checksum":    obj.Str("checksum"),
			"size":        obj.Int("size"),
			"status":      "active",
			"tenant_id":   tenantID,
		}, nil
	}
	return []engine.Task{NewCreateResource(fc, obj, build)}, nil
}

func networkFlow(fc *migration.FlowContext, obj *model.Object) ([]engine.Task, error) {
	build := func(ctx context.Context, _ engine.Values) (cloud.Resource, error) {
		tenantID, err := migration.DestinationID(ctx, fc, obj.Ref("tenant"))
		if err != nil {
			return nil, err
		}
		return cloud.Resource{
			"name":      obj.Str("name"),
			"cidr":      obj.Str("cidr"),
			"tenant_id": tenantID,
		}, nil
	}
	return []engine.Task{NewCreateResource(fc, obj, build)}, nil
}

// volumeFlow recreates the volume. Copying its content is left to the
// operator.
func volumeFlow(fc *migration.FlowContext, obj *model.Object) ([]engine.Task, error) {
	build := func(ctx context.Context, _ engine.Values) (cloud.Resource, error) {
		tenantID, err := migration.DestinationID(ctx, fc, obj.Ref("tenant"))
		if err != nil {
			return nil, err
		}
		return cloud.Resource{
			"name":      obj.Str("name"),
			"size":      obj.Int("size"),
			"status":    "available",
			"tenant_id": tenantID,
		}, nil
	}
	return []engine.Task{NewCreateResource(fc, obj, build)}, nil
}

// serverFlow stops a running source server, makes sure its flavor exists
// in the destination and boots the copy there. The source server is
// started again at the end of the run.
func serverFlow(fc *migration.FlowContext, obj *model.Object) ([]engine.Task, error) {
	id := obj.ObjectID()
	flavor := obj.Str("flavor")
	if flavor == "" {
		return nil, fmt.Errorf("server %s has no flavor", id)
	}

	var tasks []engine.Task
	if obj.Str("status") == "ACTIVE" {
		tasks = append(tasks, NewStopServer(fc, id))
	}

	destination := fc.Migration.Destination
	ensure := fc.Singletons.Wrap(NewEnsureFlavor(fc, flavor), func(engine.Values) string {
		return destination + "/" + KindFlavor + "/" + flavor
	})
	tasks = append(tasks, ensure)

	build := func(ctx context.Context, in engine.Values) (cloud.Resource, error) {
		return buildServer(ctx, fc, obj, in[FlavorOutput(flavor)])
	}
	tasks = append(tasks, NewCreateResource(fc, obj, build, FlavorOutput(flavor)))
	return tasks, nil
}

func buildServer(ctx context.Context, fc *migration.FlowContext, obj *model.Object, flavorID any) (cloud.Resource, error) {
	tenantID, err := migration.DestinationID(ctx, fc, obj.Ref("tenant"))
	if err != nil {
		return nil, err
	}
	imageID, err := migration.DestinationID(ctx, fc, obj.Ref("image"))
	if err != nil {
		return nil, err
	}

	volumeIDs := make([]string, 0, len(obj.Refs("volumes")))
	for _, ref := range obj.Refs("volumes") {
		volID, err := migration.DestinationID(ctx, fc, ref)
		if err != nil {
			return nil, err
		}
		volumeIDs = append(volumeIDs, volID)
	}

	ifaces := make([]map[string]any, 0, len(obj.NestedObjects("interfaces")))
	for _, iface := range obj.NestedObjects("interfaces") {
		netID, err := migration.DestinationID(ctx, fc, iface.Ref("network"))
		if err != nil {
			return nil, err
		}
		ifaces = append(ifaces, map[string]any{"network_id": netID, "ip": iface.Str("ip")})
	}

	res := cloud.Resource{
		"name":       obj.Str("name"),
		"flavor":     obj.Str("flavor"),
		"flavor_id":  flavorID,
		"status":     "ACTIVE",
		"tenant_id":  tenantID,
		"volume_ids": volumeIDs,
		"interfaces": ifaces,
	}
	if imageID != "" {
		res["image_id"] = imageID
	}
	if md := obj.Map("metadata"); len(md) > 0 {
		res["metadata"] = md
	}
	return res, nil
}
