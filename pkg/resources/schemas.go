package resources

import (
	"github.com/cloudferry/cloudferry/pkg/model"
)

// Object types.
const (
	TypeTenant  = "tenant"
	TypeImage   = "image"
	TypeNetwork = "network"
	TypeVolume  = "volume"
	TypeServer  = "server"
)

// TenantSchema describes a tenant (project). Tenants are equal when their
// names are.
var TenantSchema = withEquals(model.MustSchema(TypeTenant,
	model.PrimaryKey(),
	model.Scalar("name", model.String, model.Required(), model.Validate("min=1,max=255")),
	model.Scalar("description", model.String, model.Default("")),
	model.Scalar("enabled", model.Bool, model.Default(true)),
), sameFields("name"))

// ImageSchema describes a disk image owned by a tenant.
var ImageSchema = withEquals(model.MustSchema(TypeImage,
	model.PrimaryKey(),
	model.Scalar("name", model.String, model.Required()),
	model.Scalar("status", model.String, model.Default("")),
	model.Scalar("disk_format", model.String, model.Default("raw"), model.Validate("oneof=raw qcow2 vmdk vdi iso")),
	model.Scalar("checksum", model.String, model.Default("")),
	model.Scalar("size", model.Int, model.Default(int64(0)), model.Validate("min=0")),
	model.Dependency("tenant", TypeTenant, model.Required(), model.EnsureExistence()),
), sameFields("name", "checksum"))

// NetworkSchema describes a tenant network.
var NetworkSchema = withEquals(model.MustSchema(TypeNetwork,
	model.PrimaryKey(),
	model.Scalar("name", model.String, model.Required()),
	model.Scalar("cidr", model.String, model.Required(), model.Validate("cidr")),
	model.Dependency("tenant", TypeTenant, model.Required(), model.EnsureExistence()),
), sameFields("name", "cidr"))

// VolumeSchema describes a block volume. Its size is in GiB.
var VolumeSchema = withEquals(model.MustSchema(TypeVolume,
	model.PrimaryKey(),
	model.Scalar("name", model.String, model.Required()),
	model.Scalar("size", model.Int, model.Required(), model.Validate("min=1")),
	model.Scalar("status", model.String, model.Default("")),
	model.Dependency("tenant", TypeTenant, model.Required(), model.EnsureExistence()),
), sameFields("name", "size"))

// InterfaceSchema is a network attachment of a server. It has no identity
// of its own.
var InterfaceSchema = model.MustSchema("server_interface",
	model.Dependency("network", TypeNetwork, model.Required()),
	model.Scalar("ip", model.String, model.Default(""), model.Validate("omitempty,ip")),
)

// ServerSchema describes a virtual machine.
var ServerSchema = withEquals(model.MustSchema(TypeServer,
	model.PrimaryKey(),
	model.Scalar("name", model.String, model.Required()),
	model.Scalar("status", model.String, model.Default("")),
	model.Scalar("flavor", model.String, model.Required()),
	model.Scalar("metadata", model.Map, model.Default(map[string]any{})),
	model.Dependency("tenant", TypeTenant, model.Required(), model.EnsureExistence()),
	model.Dependency("image", TypeImage),
	model.Dependency("volumes", TypeVolume, model.Many()),
	model.Nested("interfaces", InterfaceSchema, model.Many()),
), sameFields("name", "flavor"))

// Schemas returns the schemas of every resource type.
func Schemas() []*model.Schema {
	return []*model.Schema{TenantSchema, ImageSchema, NetworkSchema, VolumeSchema, ServerSchema}
}

func withEquals(s *model.Schema, eq model.EqualsFunc) *model.Schema {
	s.Equals = eq
	return s
}

// sameFields compares objects on the named scalar fields only. Ids,
// references and links differ between clouds.
func sameFields(names ...string) model.EqualsFunc {
	return func(a, b *model.Object) bool {
		for _, name := range names {
			if a.Get(name) != b.Get(name) {
				return false
			}
		}
		return true
	}
}
