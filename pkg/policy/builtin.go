package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		serverStatePolicy(),
		imageStatusPolicy(),
		largeVolumePolicy(),
	}
}

// serverStatePolicy refuses to move servers the source cloud reports as broken.
func serverStatePolicy() Policy {
	return Policy{
		Name:        "server-state",
		Description: "Servers in ERROR state cannot be migrated",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"server"},
		Rego: `package cloudferry.policies.server_state

import rego.v1

deny contains violation if {
	input.object.type == "server"
	input.object.fields.status == "ERROR"
	violation := {
		"message": sprintf("server %s is in ERROR state", [input.object.id]),
		"severity": "error",
	}
}`,
	}
}

// imageStatusPolicy requires images to be fully uploaded.
func imageStatusPolicy() Policy {
	return Policy{
		Name:        "image-status",
		Description: "Only active images can be migrated",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"image"},
		Rego: `package cloudferry.policies.image_status

import rego.v1

deny contains violation if {
	input.object.type == "image"
	status := input.object.fields.status
	status != ""
	lower(status) != "active"
	violation := {
		"message": sprintf("image %s has status %s", [input.object.id, status]),
		"severity": "error",
	}
}`,
	}
}

// largeVolumePolicy flags volumes whose copy will take long.
func largeVolumePolicy() Policy {
	return Policy{
		Name:        "large-volume",
		Description: "Warns about volumes larger than 1 TiB",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"volume"},
		Rego: `package cloudferry.policies.large_volume

import rego.v1

deny contains violation if {
	input.object.type == "volume"
	input.object.fields.size > 1024
	violation := {
		"message": sprintf("volume %s is %d GiB", [input.object.id, input.object.fields.size]),
		"severity": "warning",
	}
}`,
	}
}
