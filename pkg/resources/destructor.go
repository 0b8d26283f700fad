package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/engine"
)

// KindRestorePower is the destructor kind of RestorePower.
const KindRestorePower = "restore-power"

// RestorePower starts a source server stopped during the migration.
type RestorePower struct {
	Cloud  string `json:"cloud"`
	Server string `json:"server"`

	clients func(name string) (cloud.Client, error)
}

// Kind implements engine.Destructor.
func (d *RestorePower) Kind() string { return KindRestorePower }

// Signature implements engine.Destructor.
func (d *RestorePower) Signature() string { return d.Cloud + "/" + d.Server }

// Run starts the server.
func (d *RestorePower) Run(ctx context.Context) error {
	if d.clients == nil {
		return fmt.Errorf("restore-power %s: no cloud clients", d.Signature())
	}
	client, err := d.clients(d.Cloud)
	if err != nil {
		return err
	}
	return client.Action(ctx, KindServer, d.Server, "start")
}

// RestorePowerDecoder decodes RestorePower destructors bound to the clients
// returned by lookup.
func RestorePowerDecoder(lookup func(name string) (cloud.Client, error)) engine.DestructorDecoder {
	return func(data json.RawMessage) (engine.Destructor, error) {
		d := &RestorePower{clients: lookup}
		if err := json.Unmarshal(data, d); err != nil {
			return nil, err
		}
		if d.Cloud == "" || d.Server == "" {
			return nil, fmt.Errorf("restore-power: cloud and server are required")
		}
		return d, nil
	}
}
