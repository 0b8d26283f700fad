package model

import (
	"fmt"
	"regexp"
)

// FieldKind is the variant of a schema field.
type FieldKind int

const (
	// KindScalar is a plain value.
	KindScalar FieldKind = iota

	// KindPrimaryKey is the ObjectID identifying a stored object.
	KindPrimaryKey

	// KindReference points to another object by ObjectID.
	KindReference

	// KindDependency is a reference the owning object cannot exist without.
	KindDependency

	// KindNested embeds a sub-object without its own primary key.
	KindNested
)

// String returns the kind name.
func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindPrimaryKey:
		return "primary_key"
	case KindReference:
		return "reference"
	case KindDependency:
		return "dependency"
	case KindNested:
		return "nested"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsReference reports whether values of this kind are ObjectID pointers.
func (k FieldKind) IsReference() bool {
	return k == KindReference || k == KindDependency
}

// ScalarType is the value type of a scalar field.
type ScalarType int

const (
	// Any accepts every JSON-encodable value.
	Any ScalarType = iota
	String
	Int
	Bool
	Float
	Map
)

// String returns the scalar type name.
func (t ScalarType) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case Float:
		return "float"
	case Map:
		return "map"
	default:
		return "any"
	}
}

// Storage tables and reserved field names.
const (
	DefaultTable = "objects"
	LinksTable   = "links"

	PrimaryKeyField = "object_id"
	LinksField      = "links"
)

var tableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Field describes one field of a schema.
type Field struct {
	Name     string
	Kind     FieldKind
	Scalar   ScalarType
	Table    string
	Required bool
	Default  any
	Many     bool

	// Target is the referenced type tag for reference and dependency fields.
	Target string

	// Nested is the embedded schema for nested fields.
	Nested *Schema

	// EnsureExistence requires the referent to exist when loading.
	EnsureExistence bool

	// Validate holds go-playground/validator rules applied to scalar values.
	Validate string
}

// FieldOption customizes a Field.
type FieldOption func(*Field)

// Required marks a field as mandatory.
func Required() FieldOption {
	return func(f *Field) { f.Required = true }
}

// Many makes a reference or nested field multi-valued.
func Many() FieldOption {
	return func(f *Field) { f.Many = true }
}

// InTable stores the field in the named table instead of DefaultTable.
func InTable(table string) FieldOption {
	return func(f *Field) { f.Table = table }
}

// Default sets the value used when Load receives no value.
func Default(v any) FieldOption {
	return func(f *Field) { f.Default = v }
}

// EnsureExistence requires a reference to resolve when loading.
func EnsureExistence() FieldOption {
	return func(f *Field) { f.EnsureExistence = true }
}

// Validate attaches validator rules such as "min=1,max=255".
func Validate(rules string) FieldOption {
	return func(f *Field) { f.Validate = rules }
}

func newField(name string, kind FieldKind, opts []FieldOption) Field {
	f := Field{Name: name, Kind: kind, Table: DefaultTable}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// PrimaryKey declares the object_id field.
func PrimaryKey() Field {
	return Field{Name: PrimaryKeyField, Kind: KindPrimaryKey, Table: DefaultTable, Required: true}
}

// Scalar declares a plain value field.
func Scalar(name string, typ ScalarType, opts ...FieldOption) Field {
	f := newField(name, KindScalar, opts)
	f.Scalar = typ
	return f
}

// Reference declares a non-owning pointer to an object of type target.
func Reference(name, target string, opts ...FieldOption) Field {
	f := newField(name, KindReference, opts)
	f.Target = target
	return f
}

// Dependency declares an owning pointer to an object of type target.
func Dependency(name, target string, opts ...FieldOption) Field {
	f := newField(name, KindDependency, opts)
	f.Target = target
	return f
}

// Nested declares an embedded sub-object.
func Nested(name string, schema *Schema, opts ...FieldOption) Field {
	f := newField(name, KindNested, opts)
	f.Nested = schema
	return f
}

// EqualsFunc compares two objects of the same type living in different clouds.
type EqualsFunc func(a, b *Object) bool

// Schema is the declarative description of an object type.
type Schema struct {
	// Type is the stable type tag, also stored in the type column.
	Type string

	// Fields are the declared fields in order.
	Fields []Field

	// Equals decides cross-cloud equality. Nil compares scalar fields.
	Equals EqualsFunc

	index  map[string]int
	pk     int
	tables []string
}

// NewSchema builds a schema. A schema with a primary key also receives the
// links field stored in LinksTable.
func NewSchema(typ string, fields ...Field) (*Schema, error) {
	if typ == "" {
		return nil, fmt.Errorf("schema type is required")
	}

	s := &Schema{
		Type:  typ,
		index: make(map[string]int),
		pk:    -1,
	}

	for _, f := range fields {
		if err := s.add(f); err != nil {
			return nil, err
		}
	}

	if s.pk >= 0 {
		if _, exists := s.index[LinksField]; exists {
			return nil, fmt.Errorf("schema %s: field %q is reserved", typ, LinksField)
		}
		links := Reference(LinksField, typ, Many(), InTable(LinksTable))
		if err := s.add(links); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// MustSchema is like NewSchema but panics on error.
func MustSchema(typ string, fields ...Field) *Schema {
	s, err := NewSchema(typ, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) add(f Field) error {
	if f.Name == "" {
		return fmt.Errorf("schema %s: field name is required", s.Type)
	}
	if _, exists := s.index[f.Name]; exists {
		return fmt.Errorf("schema %s: duplicate field %q", s.Type, f.Name)
	}
	if f.Table == "" {
		f.Table = DefaultTable
	}
	if !tableNameRe.MatchString(f.Table) {
		return fmt.Errorf("schema %s: invalid table name %q", s.Type, f.Table)
	}

	switch f.Kind {
	case KindPrimaryKey:
		if s.pk >= 0 {
			return fmt.Errorf("schema %s: more than one primary key", s.Type)
		}
		if f.Table != DefaultTable {
			return fmt.Errorf("schema %s: primary key must live in %s", s.Type, DefaultTable)
		}
		s.pk = len(s.Fields)
	case KindReference, KindDependency:
		if f.Target == "" {
			return fmt.Errorf("schema %s: field %q has no target type", s.Type, f.Name)
		}
	case KindNested:
		if f.Nested == nil {
			return fmt.Errorf("schema %s: field %q has no nested schema", s.Type, f.Name)
		}
		if f.Nested.HasPrimaryKey() {
			return fmt.Errorf("schema %s: nested schema %s must not have a primary key", s.Type, f.Nested.Type)
		}
	}

	s.index[f.Name] = len(s.Fields)
	s.Fields = append(s.Fields, f)

	known := false
	for _, t := range s.tables {
		if t == f.Table {
			known = true
			break
		}
	}
	if !known {
		s.tables = append(s.tables, f.Table)
	}
	return nil
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// HasPrimaryKey reports whether objects of this schema can be stored as roots.
func (s *Schema) HasPrimaryKey() bool {
	return s.pk >= 0
}

// Tables returns the storage tables used by the schema, DefaultTable first.
func (s *Schema) Tables() []string {
	tables := make([]string, 0, len(s.tables)+1)
	if s.HasPrimaryKey() {
		tables = append(tables, DefaultTable)
	}
	for _, t := range s.tables {
		if t != DefaultTable || !s.HasPrimaryKey() {
			tables = append(tables, t)
		}
	}
	return tables
}

// FieldsIn returns the fields stored in table.
func (s *Schema) FieldsIn(table string) []Field {
	var fields []Field
	for _, f := range s.Fields {
		if f.Table == table {
			fields = append(fields, f)
		}
	}
	return fields
}
