package migration

import (
	"context"
	"fmt"
	"sort"

	"go.starlark.net/starlark"

	"github.com/cloudferry/cloudferry/pkg/model"
)

// Filter is a Starlark boolean expression evaluated against an object.
// The object's fields are predeclared by name, together with id, cloud and
// type:
//
//	status == "ACTIVE" and size < 100
//	name.startswith("web-")
type Filter struct {
	expr string
}

// NewFilter creates a filter for expr.
func NewFilter(expr string) *Filter {
	return &Filter{expr: expr}
}

// Match evaluates the filter against obj. Evaluation stops when ctx is done.
func (f *Filter) Match(ctx context.Context, obj *model.Object) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	env, err := filterEnv(obj)
	if err != nil {
		return false, err
	}

	thread := &starlark.Thread{
		Name:  "filter",
		Print: func(*starlark.Thread, string) {},
	}

	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	v, err := starlark.Eval(thread, "where", f.expr, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %q on %s: %w", f.expr, obj.ObjectID(), err)
	}
	return bool(v.Truth()), nil
}

func filterEnv(obj *model.Object) (starlark.StringDict, error) {
	id := obj.ObjectID()
	env := starlark.StringDict{
		"id":    starlark.String(id.ID),
		"cloud": starlark.String(id.Cloud),
		"type":  starlark.String(id.Type),
	}

	fields := obj.Fields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name == model.PrimaryKeyField || name == model.LinksField {
			continue
		}
		v, err := toStarlarkValue(fields[name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		env[name] = v
	}
	return env, nil
}

// toStarlarkValue converts a stored field value. References become their
// "type:cloud:id" strings.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case model.ObjectID:
		return starlark.String(val.String()), nil
	case []model.ObjectID:
		list := make([]starlark.Value, len(val))
		for i, id := range val {
			list[i] = starlark.String(id.String())
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case []map[string]any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
