package migration

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/config"
	"github.com/cloudferry/cloudferry/pkg/discovery"
	"github.com/cloudferry/cloudferry/pkg/engine"
	"github.com/cloudferry/cloudferry/pkg/policy"
	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// Migration moves the objects picked by Selectors from Source to Destination.
type Migration struct {
	Name        string
	Source      string
	Destination string
	Selectors   []Selector
}

// Selector picks root objects of one type. Without IDs every stored object
// of the type in the source cloud is a candidate. Where filters candidates
// with a Starlark expression over their fields.
type Selector struct {
	Type  string
	IDs   []string
	Where string
}

// FromConfig converts a configured migration.
func FromConfig(name string, mc config.MigrationConfig) Migration {
	m := Migration{
		Name:        name,
		Source:      mc.Source,
		Destination: mc.Destination,
	}
	for _, sel := range mc.Objects {
		m.Selectors = append(m.Selectors, Selector{Type: sel.Type, IDs: sel.IDs, Where: sel.Where})
	}
	return m
}

func (m Migration) policyInput() policy.MigrationInput {
	return policy.MigrationInput{Name: m.Name, Source: m.Source, Destination: m.Destination}
}

// Env bundles the collaborators migrations run against.
type Env struct {
	Store       stores.Store
	Discovery   *discovery.Manager
	Factories   *Factories
	Destructors *engine.DestructorKinds
	Scheduler   *engine.Scheduler

	// Policy gates every object before a flow is built for it. Optional.
	Policy *policy.Engine

	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

func (e *Env) validate() error {
	switch {
	case e.Store == nil:
		return fmt.Errorf("migration env: store is required")
	case e.Discovery == nil:
		return fmt.Errorf("migration env: discovery manager is required")
	case e.Factories == nil:
		return fmt.Errorf("migration env: flow factories are required")
	}
	return nil
}

// instrument attaches the telemetry of e to ctx unless ctx already carries
// one.
func (e *Env) instrument(ctx context.Context) context.Context {
	if e.Telemetry == nil || telemetry.FromTelemetryContext(ctx) != nil {
		return ctx
	}
	return e.Telemetry.WithContext(ctx)
}

// FlowContext is handed to flow factories while a migration graph is built.
// Singletons is shared by every flow of the graph.
type FlowContext struct {
	Env        *Env
	Migration  Migration
	Singletons *SingletonGroup
	Logger     zerolog.Logger
}

// Source returns the client of the source cloud.
func (fc *FlowContext) Source() (cloud.Client, error) {
	return fc.Env.Discovery.Client(fc.Migration.Source)
}

// Destination returns the client of the destination cloud.
func (fc *FlowContext) Destination() (cloud.Client, error) {
	return fc.Env.Discovery.Client(fc.Migration.Destination)
}
