package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ObjectID identifies an object instance within a specific cloud.
type ObjectID struct {
	ID    string `json:"id"`
	Cloud string `json:"cloud"`
	Type  string `json:"type"`
}

// NewObjectID creates an ObjectID.
func NewObjectID(typ, cloud, id string) ObjectID {
	return ObjectID{ID: id, Cloud: cloud, Type: typ}
}

// IsZero reports whether the id is unset.
func (o ObjectID) IsZero() bool {
	return o == ObjectID{}
}

// String renders the id as type:cloud:id.
func (o ObjectID) String() string {
	return o.Type + ":" + o.Cloud + ":" + o.ID
}

// ParseObjectID parses the output of ObjectID.String.
func ParseObjectID(s string) (ObjectID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ObjectID{}, fmt.Errorf("invalid object id %q", s)
	}
	return ObjectID{Type: parts[0], Cloud: parts[1], ID: parts[2]}, nil
}

// objectIDFrom converts the representations accepted by Load into an ObjectID.
func objectIDFrom(v any) (ObjectID, bool) {
	switch id := v.(type) {
	case ObjectID:
		return id, true
	case *ObjectID:
		if id == nil {
			return ObjectID{}, false
		}
		return *id, true
	case string:
		parsed, err := ParseObjectID(id)
		return parsed, err == nil
	case map[string]any:
		raw, err := json.Marshal(id)
		if err != nil {
			return ObjectID{}, false
		}
		var parsed ObjectID
		if err := json.Unmarshal(raw, &parsed); err != nil || parsed.ID == "" {
			return ObjectID{}, false
		}
		return parsed, true
	}
	return ObjectID{}, false
}
