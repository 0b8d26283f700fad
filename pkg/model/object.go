package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Object is a schema-typed record. Field values are held in their normalized
// form: ObjectID for the primary key, *Lazy or []*Lazy for references, and
// *Object or []*Object for nested fields.
type Object struct {
	schema   *Schema
	values   map[string]any
	baseline map[string][]byte
}

func newObject(schema *Schema) *Object {
	return &Object{
		schema: schema,
		values: make(map[string]any, len(schema.Fields)),
	}
}

// Schema returns the object's schema.
func (o *Object) Schema() *Schema {
	return o.schema
}

// Type returns the schema type tag.
func (o *Object) Type() string {
	return o.schema.Type
}

// ObjectID returns the primary key, or the zero ObjectID for nested objects.
func (o *Object) ObjectID() ObjectID {
	id, _ := o.values[PrimaryKeyField].(ObjectID)
	return id
}

// String returns a short description for logs.
func (o *Object) String() string {
	if o.schema.HasPrimaryKey() {
		return o.ObjectID().String()
	}
	return o.schema.Type
}

// Get returns the normalized value of a field, or nil.
func (o *Object) Get(name string) any {
	return o.values[name]
}

// Set assigns a field. Values are normalized the same way Load does.
func (o *Object) Set(name string, v any) error {
	f, ok := o.schema.Field(name)
	if !ok {
		return &ValidationError{Type: o.schema.Type, Field: name, Reason: "unknown field"}
	}
	if v == nil {
		delete(o.values, name)
		return nil
	}
	nv, err := o.normalize(f, v)
	if err != nil {
		return err
	}
	o.values[name] = nv
	return nil
}

// MustSet is like Set but panics on error.
func (o *Object) MustSet(name string, v any) {
	if err := o.Set(name, v); err != nil {
		panic(err)
	}
}

// Str returns a string field, or "".
func (o *Object) Str(name string) string {
	s, _ := o.values[name].(string)
	return s
}

// Int returns an integer field, or 0.
func (o *Object) Int(name string) int64 {
	i, _ := o.values[name].(int64)
	return i
}

// Bool returns a boolean field, or false.
func (o *Object) Bool(name string) bool {
	b, _ := o.values[name].(bool)
	return b
}

// Map returns a map field, or nil.
func (o *Object) Map(name string) map[string]any {
	m, _ := o.values[name].(map[string]any)
	return m
}

// Ref returns a single-valued reference field, or nil.
func (o *Object) Ref(name string) *Lazy {
	l, _ := o.values[name].(*Lazy)
	return l
}

// Refs returns a multi-valued reference field.
func (o *Object) Refs(name string) []*Lazy {
	l, _ := o.values[name].([]*Lazy)
	return l
}

// NestedObject returns a single-valued nested field, or nil.
func (o *Object) NestedObject(name string) *Object {
	n, _ := o.values[name].(*Object)
	return n
}

// NestedObjects returns a multi-valued nested field.
func (o *Object) NestedObjects(name string) []*Object {
	n, _ := o.values[name].([]*Object)
	return n
}

// SameObject reports primary key equality.
func (o *Object) SameObject(other *Object) bool {
	if other == nil || !o.schema.HasPrimaryKey() {
		return false
	}
	return o.ObjectID() == other.ObjectID()
}

// Equals reports whether other describes the same resource, typically in
// another cloud. The schema's Equals is used when set; otherwise all scalar
// fields are compared.
func (o *Object) Equals(other *Object) bool {
	if other == nil || other.schema.Type != o.schema.Type {
		return false
	}
	if o.schema.Equals != nil {
		return o.schema.Equals(o, other)
	}
	for _, f := range o.schema.Fields {
		if f.Kind != KindScalar {
			continue
		}
		a, errA := json.Marshal(o.values[f.Name])
		b, errB := json.Marshal(other.values[f.Name])
		if errA != nil || errB != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

// Dependencies returns the dependency references of the object and of its
// nested objects.
func (o *Object) Dependencies() []*Lazy {
	return o.collectRefs(func(f Field) bool { return f.Kind == KindDependency })
}

func (o *Object) collectRefs(match func(Field) bool) []*Lazy {
	var refs []*Lazy
	for _, f := range o.schema.Fields {
		switch {
		case f.Kind.IsReference() && match(f):
			if f.Many {
				refs = append(refs, o.Refs(f.Name)...)
			} else if l := o.Ref(f.Name); l != nil {
				refs = append(refs, l)
			}
		case f.Kind == KindNested:
			if f.Many {
				for _, n := range o.NestedObjects(f.Name) {
					refs = append(refs, n.collectRefs(match)...)
				}
			} else if n := o.NestedObject(f.Name); n != nil {
				refs = append(refs, n.collectRefs(match)...)
			}
		}
	}
	return refs
}

// IsDirty reports whether any field stored in table differs from the
// baseline captured when the object was retrieved or last stored.
func (o *Object) IsDirty(table string) bool {
	base, ok := o.baseline[table]
	if !ok {
		return true
	}
	cur, err := o.Fingerprint(table)
	if err != nil {
		return true
	}
	return !bytes.Equal(base, cur)
}

// Fingerprint returns the encoding of table that IsDirty compares with the
// baseline.
func (o *Object) Fingerprint(table string) ([]byte, error) {
	return o.encodeTable(table, true)
}

// SetBaseline records fp, as returned by Fingerprint, as the baseline of
// table. Stores call it once a write of table is durable.
func (o *Object) SetBaseline(table string, fp []byte) {
	if o.baseline == nil {
		o.baseline = make(map[string][]byte, len(o.schema.tables))
	}
	o.baseline[table] = fp
}

// DirtyTables returns the tables that need to be written.
func (o *Object) DirtyTables() []string {
	var dirty []string
	for _, t := range o.schema.Tables() {
		if o.IsDirty(t) {
			dirty = append(dirty, t)
		}
	}
	return dirty
}

// ClearDirty makes the current values the baseline.
func (o *Object) ClearDirty() {
	o.baseline = make(map[string][]byte, len(o.schema.tables))
	for _, t := range o.schema.Tables() {
		if cur, err := o.encodeTable(t, true); err == nil {
			o.baseline[t] = cur
		}
	}
}

// Dump serializes the fields stored in table.
func (o *Object) Dump(table string) ([]byte, error) {
	return o.encodeTable(table, false)
}

// Restore rebuilds an object from per-table JSON fragments. Tables without a
// fragment leave their fields unset. The result is not dirty.
func Restore(schema *Schema, rows map[string][]byte) (*Object, error) {
	o := newObject(schema)
	for _, t := range schema.Tables() {
		raw, ok := rows[t]
		if !ok || raw == nil {
			continue
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode %s row of %s: %w", t, schema.Type, err)
		}
		if err := o.decodeFields(schema.FieldsIn(t), fields); err != nil {
			return nil, err
		}
	}
	o.ClearDirty()
	return o, nil
}

func (o *Object) encodeTable(table string, significant bool) ([]byte, error) {
	m := make(map[string]any)
	for _, f := range o.schema.Fields {
		if f.Table == table {
			m[f.Name] = encodeValue(f, o.values[f.Name], significant)
		}
	}
	return json.Marshal(m)
}

// Fields returns every field in its stored form: references become object
// ids and nested objects become maps.
func (o *Object) Fields() map[string]any {
	return o.encodeAll(false)
}

func (o *Object) encodeAll(significant bool) map[string]any {
	m := make(map[string]any, len(o.schema.Fields))
	for _, f := range o.schema.Fields {
		m[f.Name] = encodeValue(f, o.values[f.Name], significant)
	}
	return m
}

// encodeValue renders a field value for storage. In significant mode,
// multi-valued references become a sorted id list so reordering is not a change.
func encodeValue(f Field, v any, significant bool) any {
	switch {
	case f.Kind.IsReference() && f.Many:
		refs, _ := v.([]*Lazy)
		ids := make([]ObjectID, 0, len(refs))
		for _, l := range refs {
			ids = append(ids, l.ID())
		}
		if significant {
			sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		}
		return ids
	case f.Kind.IsReference():
		if l, ok := v.(*Lazy); ok && l != nil {
			return l.ID()
		}
		return nil
	case f.Kind == KindNested && f.Many:
		nested, _ := v.([]*Object)
		out := make([]map[string]any, 0, len(nested))
		for _, n := range nested {
			out = append(out, n.encodeAll(significant))
		}
		return out
	case f.Kind == KindNested:
		if n, ok := v.(*Object); ok && n != nil {
			return n.encodeAll(significant)
		}
		return nil
	default:
		return v
	}
}

func (o *Object) decodeFields(fields []Field, raw map[string]json.RawMessage) error {
	for _, f := range fields {
		data, ok := raw[f.Name]
		if !ok || string(data) == "null" {
			continue
		}
		v, err := decodeValue(f, data)
		if err != nil {
			return &ValidationError{Type: o.schema.Type, Field: f.Name, Reason: "undecodable stored value", Err: err}
		}
		if v != nil {
			o.values[f.Name] = v
		}
	}
	return nil
}

func decodeValue(f Field, data json.RawMessage) (any, error) {
	switch f.Kind {
	case KindPrimaryKey:
		var id ObjectID
		err := json.Unmarshal(data, &id)
		return id, err
	case KindReference, KindDependency:
		if f.Many {
			var ids []ObjectID
			if err := json.Unmarshal(data, &ids); err != nil {
				return nil, err
			}
			refs := make([]*Lazy, 0, len(ids))
			for _, id := range ids {
				refs = append(refs, NewLazy(id))
			}
			return refs, nil
		}
		var id ObjectID
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, err
		}
		return NewLazy(id), nil
	case KindNested:
		if f.Many {
			var items []map[string]json.RawMessage
			if err := json.Unmarshal(data, &items); err != nil {
				return nil, err
			}
			nested := make([]*Object, 0, len(items))
			for _, item := range items {
				n := newObject(f.Nested)
				if err := n.decodeFields(f.Nested.Fields, item); err != nil {
					return nil, err
				}
				nested = append(nested, n)
			}
			return nested, nil
		}
		var item map[string]json.RawMessage
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, err
		}
		n := newObject(f.Nested)
		if err := n.decodeFields(f.Nested.Fields, item); err != nil {
			return nil, err
		}
		return n, nil
	default:
		return decodeScalar(f.Scalar, data)
	}
}

func decodeScalar(typ ScalarType, data json.RawMessage) (any, error) {
	switch typ {
	case String:
		var s string
		err := json.Unmarshal(data, &s)
		return s, err
	case Int:
		var i int64
		err := json.Unmarshal(data, &i)
		return i, err
	case Bool:
		var b bool
		err := json.Unmarshal(data, &b)
		return b, err
	case Float:
		var f float64
		err := json.Unmarshal(data, &f)
		return f, err
	case Map:
		var m map[string]any
		err := json.Unmarshal(data, &m)
		return m, err
	default:
		var v any
		err := json.Unmarshal(data, &v)
		return v, err
	}
}

// normalize converts v to the representation stored for f.
func (o *Object) normalize(f Field, v any) (any, error) {
	invalid := func(reason string) error {
		return &ValidationError{Type: o.schema.Type, Field: f.Name, Reason: reason}
	}

	switch f.Kind {
	case KindPrimaryKey:
		id, ok := objectIDFrom(v)
		if !ok {
			return nil, invalid(fmt.Sprintf("expected object id, got %T", v))
		}
		if id.Type != o.schema.Type {
			return nil, invalid(fmt.Sprintf("primary key type %q does not match schema", id.Type))
		}
		return id, nil

	case KindReference, KindDependency:
		if f.Many {
			items, ok := toSlice(v)
			if !ok {
				return nil, invalid(fmt.Sprintf("expected a list of references, got %T", v))
			}
			refs := make([]*Lazy, 0, len(items))
			for _, item := range items {
				l, err := toLazy(item)
				if err != nil {
					return nil, invalid(err.Error())
				}
				if l.ID().Type != f.Target {
					return nil, invalid(fmt.Sprintf("reference to %s, expected %s", l.ID().Type, f.Target))
				}
				refs = append(refs, l)
			}
			return refs, nil
		}
		l, err := toLazy(v)
		if err != nil {
			return nil, invalid(err.Error())
		}
		if l.ID().Type != f.Target {
			return nil, invalid(fmt.Sprintf("reference to %s, expected %s", l.ID().Type, f.Target))
		}
		return l, nil

	case KindNested:
		if f.Many {
			items, ok := toSlice(v)
			if !ok {
				return nil, invalid(fmt.Sprintf("expected a list of %s, got %T", f.Nested.Type, v))
			}
			nested := make([]*Object, 0, len(items))
			for _, item := range items {
				n, err := toNested(f.Nested, item)
				if err != nil {
					return nil, err
				}
				nested = append(nested, n)
			}
			return nested, nil
		}
		return toNested(f.Nested, v)

	default:
		nv, ok := normalizeScalar(f.Scalar, v)
		if !ok {
			return nil, invalid(fmt.Sprintf("expected %s, got %T", f.Scalar, v))
		}
		return nv, nil
	}
}

func toLazy(v any) (*Lazy, error) {
	switch ref := v.(type) {
	case *Lazy:
		if ref == nil {
			return nil, fmt.Errorf("nil reference")
		}
		return ref, nil
	case *Object:
		if ref == nil || !ref.schema.HasPrimaryKey() {
			return nil, fmt.Errorf("reference to an object without primary key")
		}
		return LazyOf(ref), nil
	}
	id, ok := objectIDFrom(v)
	if !ok {
		return nil, fmt.Errorf("expected reference, got %T", v)
	}
	return NewLazy(id), nil
}

func toNested(schema *Schema, v any) (*Object, error) {
	switch n := v.(type) {
	case *Object:
		if n.schema != schema {
			return nil, &ValidationError{Type: schema.Type, Reason: fmt.Sprintf("expected nested %s, got %s", schema.Type, n.schema.Type)}
		}
		return n, nil
	case map[string]any:
		return Load(schema, n)
	}
	return nil, &ValidationError{Type: schema.Type, Reason: fmt.Sprintf("expected nested object, got %T", v)}
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []*Lazy:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []*Object:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []ObjectID:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	return nil, false
}

func normalizeScalar(typ ScalarType, v any) (any, bool) {
	switch typ {
	case String:
		s, ok := v.(string)
		return s, ok
	case Bool:
		b, ok := v.(bool)
		return b, ok
	case Int:
		switch n := v.(type) {
		case int:
			return int64(n), true
		case int32:
			return int64(n), true
		case int64:
			return n, true
		case uint32:
			return int64(n), true
		case float64:
			if n != math.Trunc(n) {
				return nil, false
			}
			return int64(n), true
		case json.Number:
			i, err := n.Int64()
			return i, err == nil
		}
		return nil, false
	case Float:
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			f, err := n.Float64()
			return f, err == nil
		}
		return nil, false
	case Map:
		m, ok := v.(map[string]any)
		return m, ok
	default:
		if _, err := json.Marshal(v); err != nil {
			return nil, false
		}
		return v, true
	}
}
