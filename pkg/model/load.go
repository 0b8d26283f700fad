package model

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Load builds an object from plain data, typically a cloud API response
// already reshaped by a discoverer. Missing optional fields take their
// default; unknown keys are rejected. The returned object is fully dirty.
func Load(schema *Schema, data map[string]any) (*Object, error) {
	o := newObject(schema)

	for _, f := range schema.Fields {
		v, present := data[f.Name]
		if !present || v == nil {
			switch {
			case f.Default != nil:
				v = f.Default
			case f.Required:
				return nil, &ValidationError{Type: schema.Type, Field: f.Name, Reason: "is required"}
			default:
				continue
			}
		}

		nv, err := o.normalize(f, v)
		if err != nil {
			return nil, err
		}

		if f.Validate != "" && f.Kind == KindScalar {
			if err := validate.Var(nv, f.Validate); err != nil {
				return nil, &ValidationError{Type: schema.Type, Field: f.Name, Reason: "rule " + f.Validate, Err: err}
			}
		}

		o.values[f.Name] = nv
	}

	var unknown []string
	for k := range data {
		if _, ok := schema.Field(k); !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &ValidationError{Type: schema.Type, Field: unknown[0], Reason: "unknown field"}
	}

	return o, nil
}

// MustLoad is like Load but panics on error.
func MustLoad(schema *Schema, data map[string]any) *Object {
	o, err := Load(schema, data)
	if err != nil {
		panic(err)
	}
	return o
}

// EnsureReferences resolves every reference whose field requires existence,
// including those of nested objects. A reference that does not resolve
// yields a *ValidationError wrapping the resolver error.
func EnsureReferences(ctx context.Context, o *Object) error {
	for _, f := range o.schema.Fields {
		switch {
		case f.Kind.IsReference() && f.EnsureExistence:
			refs := o.Refs(f.Name)
			if !f.Many {
				refs = nil
				if l := o.Ref(f.Name); l != nil {
					refs = []*Lazy{l}
				}
			}
			for _, l := range refs {
				obj, err := l.Get(ctx)
				if err == nil && obj == nil {
					err = NotFound(l.ID())
				}
				if err != nil {
					if errors.Is(err, ErrNoResolver) {
						return err
					}
					return &ValidationError{
						Type:   o.schema.Type,
						Field:  f.Name,
						Reason: fmt.Sprintf("referenced %s does not exist", l.ID()),
						Err:    err,
					}
				}
			}
		case f.Kind == KindNested:
			nested := o.NestedObjects(f.Name)
			if n := o.NestedObject(f.Name); n != nil {
				nested = append(nested, n)
			}
			for _, n := range nested {
				if err := EnsureReferences(ctx, n); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
