package resources

import (
	"context"
	"fmt"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/discovery"
	"github.com/cloudferry/cloudferry/pkg/model"
)

// Cloud resource kinds. They match the object types.
const (
	KindTenant  = TypeTenant
	KindImage   = TypeImage
	KindNetwork = TypeNetwork
	KindVolume  = TypeVolume
	KindServer  = TypeServer
	KindFlavor  = "flavor"
)

func convertTenant(_ context.Context, _ *discovery.Refs, raw cloud.Resource) (map[string]any, error) {
	data := map[string]any{
		"name":        raw.Str("name"),
		"description": raw.Str("description"),
	}
	if enabled, ok := raw["enabled"].(bool); ok {
		data["enabled"] = enabled
	}
	return data, nil
}

func convertImage(ctx context.Context, refs *discovery.Refs, raw cloud.Resource) (map[string]any, error) {
	tenant, err := refs.One(ctx, TypeTenant, raw.Str("tenant_id"))
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"name":     raw.Str("name"),
		"status":   raw.Str("status"),
		"checksum": raw.Str("checksum"),
		"tenant":   tenant,
	}
	if format := raw.Str("disk_format"); format != "" {
		data["disk_format"] = format
	}
	if size, ok := raw["size"]; ok {
		data["size"] = size
	}
	return data, nil
}

func convertNetwork(ctx context.Context, refs *discovery.Refs, raw cloud.Resource) (map[string]any, error) {
	tenant, err := refs.One(ctx, TypeTenant, raw.Str("tenant_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":   raw.Str("name"),
		"cidr":   raw.Str("cidr"),
		"tenant": tenant,
	}, nil
}

func convertVolume(ctx context.Context, refs *discovery.Refs, raw cloud.Resource) (map[string]any, error) {
	tenant, err := refs.One(ctx, TypeTenant, raw.Str("tenant_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":   raw.Str("name"),
		"size":   raw["size"],
		"status": raw.Str("status"),
		"tenant": tenant,
	}, nil
}

func convertServer(ctx context.Context, refs *discovery.Refs, raw cloud.Resource) (map[string]any, error) {
	tenant, err := refs.One(ctx, TypeTenant, raw.Str("tenant_id"))
	if err != nil {
		return nil, err
	}
	image, err := refs.One(ctx, TypeImage, raw.Str("image_id"))
	if err != nil {
		return nil, err
	}

	volumeIDs, err := stringList(raw["volume_ids"])
	if err != nil {
		return nil, &model.ValidationError{Type: TypeServer, Field: "volume_ids", Reason: err.Error()}
	}
	volumes, err := refs.Many(ctx, TypeVolume, volumeIDs)
	if err != nil {
		return nil, err
	}

	rawIfaces, err := mapList(raw["interfaces"])
	if err != nil {
		return nil, &model.ValidationError{Type: TypeServer, Field: "interfaces", Reason: err.Error()}
	}
	ifaces := make([]any, 0, len(rawIfaces))
	for _, iface := range rawIfaces {
		netID, _ := iface["network_id"].(string)
		network, err := refs.One(ctx, TypeNetwork, netID)
		if err != nil {
			return nil, err
		}
		ip, _ := iface["ip"].(string)
		ifaces = append(ifaces, map[string]any{"network": network, "ip": ip})
	}

	data := map[string]any{
		"name":       raw.Str("name"),
		"status":     raw.Str("status"),
		"flavor":     raw.Str("flavor"),
		"tenant":     tenant,
		"image":      image,
		"volumes":    volumes,
		"interfaces": ifaces,
	}
	if md, ok := raw["metadata"].(map[string]any); ok {
		data["metadata"] = md
	}
	return data, nil
}

// stringList accepts the list shapes produced by JSON and YAML decoding.
func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}

func mapList(v any) ([]map[string]any, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return list, nil
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected object, got %T", item)
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}
