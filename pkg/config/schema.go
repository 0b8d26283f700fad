package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// configSchema constrains configuration files written in CUE. The #Config
// definition is closed, so unknown fields are rejected.
const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Cloud: {
	type:      "memory" | "http"
	endpoint?: string
	username?: string
	password?: string
	tenant?:   string
	timeout?:  #Duration
	fixtures?: string
}

#Selector: {
	type:   string & != ""
	ids?:   [...string]
	where?: string
}

#Migration: {
	source:      string & != ""
	destination: string & != ""
	objects: [#Selector, ...#Selector]
}

#Config: {
	store?: {
		path?:           string
		max_open_conns?: int & >=0
	}
	retry?: {
		max_attempts?: int & >=0
		timeout?:      #Duration
		backoff?:      number & >=0
		max_timeout?:  #Duration
		max_time?:     #Duration
	}
	workers?:           int & >=1 & <=256
	discovery_workers?: int & >=1 & <=64
	clouds: {[string]: #Cloud}
	migrations?: {[string]: #Migration}
	policies?: [...string]
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error"
		format?: "console" | "json"
	}
	metrics?: {
		enabled?:        bool
		listen_address?: string
		path?:           string
	}
	tracing?: {
		enabled?:  bool
		exporter?: "stdout" | "otlp" | "none"
		endpoint?: string
	}
}
`

// cueSchema holds the compiled #Config definition.
type cueSchema struct {
	ctx *cue.Context
	def cue.Value
}

func newCUESchema() (*cueSchema, error) {
	ctx := cuecontext.New()

	val := ctx.CompileString(configSchema, cue.Filename("ferry-schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up #Config: %w", err)
	}

	return &cueSchema{ctx: ctx, def: def}, nil
}

// decode compiles a CUE document, unifies it with #Config and decodes the
// result into cfg.
func (s *cueSchema) decode(filename string, data []byte, cfg *Config) error {
	val := s.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile %s: %s", filename, errors.Details(err, nil))
	}

	unified := s.def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %s", errors.Details(err, nil))
	}

	if err := unified.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}
