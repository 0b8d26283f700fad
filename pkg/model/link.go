package model

import "fmt"

// Links returns the references to equivalent objects in other clouds.
func (o *Object) Links() []*Lazy {
	return o.Refs(LinksField)
}

// FindLink returns the link into cloud, or nil.
func (o *Object) FindLink(cloud string) *Lazy {
	for _, l := range o.Links() {
		if l.ID().Cloud == cloud {
			return l
		}
	}
	return nil
}

// IsLinkedTo reports whether the object has a counterpart in cloud.
func (o *Object) IsLinkedTo(cloud string) bool {
	return o.FindLink(cloud) != nil
}

// LinkTo records other as the counterpart of o and o as the counterpart of
// other. Linking twice is a no-op. An existing link into other's cloud is
// replaced.
func (o *Object) LinkTo(other *Object) error {
	if !o.schema.HasPrimaryKey() || other == nil || !other.schema.HasPrimaryKey() {
		return fmt.Errorf("link: %w", ErrMissingPrimaryKey)
	}
	if o.Type() != other.Type() {
		return fmt.Errorf("link: cannot link %s to %s", o.Type(), other.Type())
	}
	if o.ObjectID().Cloud == other.ObjectID().Cloud {
		return fmt.Errorf("link: %s and %s are in the same cloud", o.ObjectID(), other.ObjectID())
	}

	o.setLink(other)
	other.setLink(o)
	return nil
}

func (o *Object) setLink(other *Object) {
	id := other.ObjectID()
	links := make([]*Lazy, 0, len(o.Links())+1)
	for _, l := range o.Links() {
		if l.ID() == id {
			return
		}
		if l.ID().Cloud != id.Cloud {
			links = append(links, l)
		}
	}
	o.values[LinksField] = append(links, LazyOf(other))
}
