// Package config loads the ferry configuration file.
//
// A configuration names the clouds ferry talks to and the migrations
// between them:
//
//	store: {path: ferry.db}
//	workers: 8
//	clouds:
//	  src: {type: http, endpoint: "https://identity.src.example.com", username: admin, password: secret, tenant: admin}
//	  dst: {type: memory, fixtures: dst.yaml}
//	migrations:
//	  web:
//	    source: src
//	    destination: dst
//	    objects:
//	      - {type: server, where: "status == 'ACTIVE'"}
//
// Files ending in .cue are unified with a closed CUE schema before
// decoding, which rejects unknown fields and malformed durations early.
// Every other file is parsed as YAML with unknown fields rejected.
//
// After decoding, environment variables override selected fields and
// fill in defaults (FERRY_DB, FERRY_WORKERS, LOG_LEVEL, ...). The result
// is then checked with validator tags and cross-section rules: migrations
// must reference configured clouds and http clouds need an endpoint.
package config
