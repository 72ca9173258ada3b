// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"sort"

	"github.com/absmach/lwm2m-gw/pkg/codec"
)

// Operation is a bit set of the operations a resource allows.
type Operation uint8

const (
	OpRead Operation = 1 << iota
	OpWrite
	OpExecute
)

const (
	OpNone      Operation = 0
	OpReadWrite           = OpRead | OpWrite
)

// Allows reports whether o includes op.
func (o Operation) Allows(op Operation) bool {
	return o&op == op
}

// Resource describes one resource of an object.
type Resource struct {
	ID         uint16
	Name       string
	Kind       codec.Kind
	Operations Operation
	Multiple   bool
	Mandatory  bool
	Units      string
}

// Object describes an LwM2M object.
type Object struct {
	ID        uint16
	Name      string
	URN       string
	Multiple  bool
	Resources []Resource
}

// Resource returns the definition of resource id.
func (o Object) Resource(id uint16) (Resource, bool) {
	for _, r := range o.Resources {
		if r.ID == id {
			return r, true
		}
	}
	return Resource{}, false
}

// Hints returns the decode hints of the object's resources.
func (o Object) Hints() codec.Hints {
	h := make(codec.Hints, len(o.Resources))
	for _, r := range o.Resources {
		if r.Kind != codec.KindNone {
			h[r.ID] = r.Kind
		}
	}
	return h
}

// Catalog is a read-only set of object definitions.
type Catalog struct {
	objects map[uint16]Object
}

// NewCatalog creates a catalog of objs. Later definitions of the same id win.
func NewCatalog(objs ...Object) *Catalog {
	c := &Catalog{objects: make(map[uint16]Object, len(objs))}
	for _, o := range objs {
		c.objects[o.ID] = o
	}
	return c
}

// DefaultCatalog holds the Security, Server, Device and Temperature objects.
func DefaultCatalog() *Catalog {
	return NewCatalog(Security(), Server(), Device(), Temperature())
}

// Get returns the object definition for id.
func (c *Catalog) Get(id uint16) (Object, bool) {
	if c == nil {
		return Object{}, false
	}
	o, ok := c.objects[id]
	return o, ok
}

// Hints returns the decode hints for object id, or nil when unknown.
func (c *Catalog) Hints(id uint16) codec.Hints {
	o, ok := c.Get(id)
	if !ok {
		return nil
	}
	return o.Hints()
}

// List returns all objects ordered by id.
func (c *Catalog) List() []Object {
	out := make([]Object, 0, len(c.objects))
	for _, o := range c.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
