// Package resources defines the resource types CloudFerry migrates:
// tenants, images, networks, volumes and servers.
//
// Each type comes with a schema, a converter turning the cloud
// representation into an object and a flow factory recreating the object
// in the destination cloud. Register installs all of them:
//
//	registry, _ := model.NewRegistry(resources.Schemas()...)
//	...
//	err := resources.Register(manager, factories, destructors)
//
// Servers are stopped before they are copied and started again once the
// run is over. Flavors are matched by name in the destination and created
// once per run when missing.
package resources
