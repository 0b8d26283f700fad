package model

import (
	"context"
	"fmt"
	"sort"
)

// FlattenDependencies returns roots and everything they transitively depend
// on, in preorder, each object once. Cycles are tolerated. Dependencies are
// resolved through the resolver carried by ctx.
func FlattenDependencies(ctx context.Context, roots []*Object) ([]*Object, error) {
	seen := make(map[ObjectID]bool)
	var out []*Object

	var visit func(o *Object) error
	visit = func(o *Object) error {
		id := o.ObjectID()
		if seen[id] {
			return nil
		}
		seen[id] = true
		out = append(out, o)

		for _, dep := range o.Dependencies() {
			if seen[dep.ID()] {
				continue
			}
			obj, err := dep.Get(ctx)
			if err != nil {
				return fmt.Errorf("failed to resolve dependency %s of %s: %w", dep.ID(), id, err)
			}
			if err := visit(obj); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range roots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Signature identifies a set of objects together with their dependency
// closure. It is order-independent.
func Signature(ctx context.Context, roots []*Object) ([]string, error) {
	all, err := FlattenDependencies(ctx, roots)
	if err != nil {
		return nil, err
	}
	sig := make([]string, 0, len(all))
	for _, o := range all {
		sig = append(sig, o.ObjectID().String())
	}
	sort.Strings(sig)
	return sig, nil
}

// SameSignature compares two signatures.
func SameSignature(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
