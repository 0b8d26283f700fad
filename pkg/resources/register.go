package resources

import (
	"fmt"

	"github.com/cloudferry/cloudferry/pkg/discovery"
	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/migration"
	"github.com/cloudferry/cloudferry/pkg/model"
)

type resourceType struct {
	schema  *model.Schema
	kind    string
	convert discovery.Converter
	flow    migration.FlowFactoryFunc
}

var resourceTypes = []resourceType{
	{TenantSchema, KindTenant, convertTenant, tenantFlow},
	{ImageSchema, KindImage, convertImage, imageFlow},
	{NetworkSchema, KindNetwork, convertNetwork, networkFlow},
	{VolumeSchema, KindVolume, convertVolume, volumeFlow},
	{ServerSchema, KindServer, convertServer, serverFlow},
}

// Register installs the discoverers, flow factories and destructor kinds
// of every resource type. Any of the registries may be nil.
func Register(m *discovery.Manager, f *migration.Factories, k *engine.DestructorKinds) error {
	for _, rt := range resourceTypes {
		if m != nil {
			if err := m.Register(rt.schema.Type, discovery.CloudFactory(rt.kind, rt.schema, rt.convert)); err != nil {
				return fmt.Errorf("failed to register %s discoverer: %w", rt.schema.Type, err)
			}
		}
		if f != nil {
			if err := f.Register(rt.schema.Type, rt.flow); err != nil {
				return fmt.Errorf("failed to register %s flow: %w", rt.schema.Type, err)
			}
		}
	}

	if k != nil {
		if m == nil {
			return fmt.Errorf("destructor kinds need a discovery manager")
		}
		if err := k.Register(KindRestorePower, RestorePowerDecoder(m.Client)); err != nil {
			return err
		}
	}
	return nil
}
