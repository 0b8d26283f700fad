package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Destructor is a compensating action produced by a task, such as powering
// a source server back on. Destructors are executed once per run after every
// flow finished. Two destructors with the same kind and signature are the
// same action.
type Destructor interface {
	Kind() string
	Signature() string
	Run(ctx context.Context) error
}

// DestructorDecoder rebuilds a destructor of one kind from its payload.
type DestructorDecoder func(data json.RawMessage) (Destructor, error)

// DestructorKinds maps destructor kinds to their decoders. Destructors
// travel through a run in their encoded form, so every kind a task may
// produce must be registered.
type DestructorKinds struct {
	mu       sync.RWMutex
	decoders map[string]DestructorDecoder
}

// NewDestructorKinds creates an empty registry.
func NewDestructorKinds() *DestructorKinds {
	return &DestructorKinds{decoders: make(map[string]DestructorDecoder)}
}

// Register adds the decoder of kind.
func (k *DestructorKinds) Register(kind string, dec DestructorDecoder) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.decoders[kind]; exists {
		return fmt.Errorf("destructor kind %s already registered", kind)
	}
	k.decoders[kind] = dec
	return nil
}

type destructorEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes d together with its kind.
func (k *DestructorKinds) Encode(d Destructor) ([]byte, error) {
	k.mu.RLock()
	_, ok := k.decoders[d.Kind()]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown destructor kind %s", d.Kind())
	}

	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s destructor: %w", d.Kind(), err)
	}
	return json.Marshal(destructorEnvelope{Kind: d.Kind(), Data: data})
}

// Decode rebuilds a destructor produced by Encode.
func (k *DestructorKinds) Decode(data []byte) (Destructor, error) {
	var env destructorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode destructor: %w", err)
	}

	k.mu.RLock()
	dec, ok := k.decoders[env.Kind]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown destructor kind %s", env.Kind)
	}

	d, err := dec(env.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s destructor: %w", env.Kind, err)
	}
	return d, nil
}

// DestructorOutcome is the result of executing one destructor.
type DestructorOutcome struct {
	Kind      string `json:"kind"`
	Signature string `json:"signature"`
	Error     error  `json:"-"`
}

func destructorKey(d Destructor) string {
	return d.Kind() + "\x00" + d.Signature()
}
