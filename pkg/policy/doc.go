// Package policy gates migrations with Open Policy Agent (OPA) policies.
//
// Before a migration graph is built, every object that would receive a flow
// is evaluated against the enabled policies. A policy is a Rego module whose
// "deny" set lists violations; each element is a message or an object with
// "message" and "severity" keys:
//
//	package cloudferry.policies.flavors
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.object.type == "server"
//	    input.object.fields.flavor == "gpu.xlarge"
//	    msg := "gpu servers are migrated by hand"
//	}
//
// The input document carries the object (id, cloud, type and stored fields)
// and the migration (name, source and destination clouds). Violations of
// error or critical severity deny the migration; the others are logged.
//
// Built-in policies reject servers in ERROR state and images that are not
// active, and warn about volumes larger than 1 TiB. Additional policies are
// loaded from .rego or .json files with Engine.LoadPolicies.
package policy
