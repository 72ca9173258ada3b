// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
)

// ErrOperationNotAllowed is returned when a resource does not support the
// requested operation.
var ErrOperationNotAllowed = errors.New("operation not allowed")

// ValueFunc computes a resource value at read time.
type ValueFunc func() codec.Value

// ExecuteFunc runs an executable resource with its arguments.
type ExecuteFunc func(ctx context.Context, args string) error

type instance map[uint16]codec.Value

// Store holds the instances of the objects the gateway serves itself.
type Store struct {
	catalog *Catalog

	mu        sync.RWMutex
	instances map[Path]instance
	funcs     map[Path]ValueFunc
	execs     map[Path]ExecuteFunc
}

// NewStore creates an empty store validated against catalog.
func NewStore(catalog *Catalog) *Store {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Store{
		catalog:   catalog,
		instances: make(map[Path]instance),
		funcs:     make(map[Path]ValueFunc),
		execs:     make(map[Path]ExecuteFunc),
	}
}

// Catalog returns the store's object definitions.
func (s *Store) Catalog() *Catalog {
	return s.catalog
}

// CreateInstance adds an empty instance of obj.
func (s *Store) CreateInstance(obj, inst uint16) error {
	o, ok := s.catalog.Get(obj)
	if !ok {
		return fmt.Errorf("%w: object %d", gwerrors.ErrNotFound, obj)
	}
	p := InstancePath(obj, inst)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !o.Multiple {
		for k := range s.instances {
			if k.Object == obj && k != p {
				return gwerrors.Validation("object %d is single-instance", obj)
			}
		}
	}
	if _, ok := s.instances[p]; !ok {
		s.instances[p] = make(instance)
	}
	return nil
}

// Set stores a static value for resource p, creating the instance if needed.
func (s *Store) Set(p Path, v codec.Value) error {
	if _, err := s.resourceDef(p); err != nil {
		return err
	}
	if err := s.CreateInstance(p.Object, p.Instance); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[p.InstanceOf()][p.Resource] = v
	return nil
}

// Bind makes resource p computed by fn on every read.
func (s *Store) Bind(p Path, fn ValueFunc) error {
	if _, err := s.resourceDef(p); err != nil {
		return err
	}
	if err := s.CreateInstance(p.Object, p.Instance); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[p] = fn
	return nil
}

// OnExecute registers fn as the action of executable resource p.
func (s *Store) OnExecute(p Path, fn ExecuteFunc) error {
	def, err := s.resourceDef(p)
	if err != nil {
		return err
	}
	if !def.Operations.Allows(OpExecute) {
		return fmt.Errorf("%w: %s is not executable", ErrOperationNotAllowed, p)
	}
	if err := s.CreateInstance(p.Object, p.Instance); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[p] = fn
	return nil
}

// Read returns the readable resources under p ordered by id. Object-level
// paths are not readable as a flat resource list.
func (s *Store) Read(p Path) ([]codec.Resource, error) {
	if p.Depth < 2 {
		return nil, fmt.Errorf("%w: read of %s", ErrOperationNotAllowed, p)
	}
	s.mu.RLock()
	inst, ok := s.instances[p.InstanceOf()]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", gwerrors.ErrNotFound, p)
	}
	values := make(map[uint16]codec.Value, len(inst))
	for id, v := range inst {
		values[id] = v
	}
	funcs := make(map[uint16]ValueFunc)
	for k, fn := range s.funcs {
		if k.InstanceOf() == p.InstanceOf() {
			funcs[k.Resource] = fn
		}
	}
	s.mu.RUnlock()

	for id, fn := range funcs {
		values[id] = fn()
	}

	o, _ := s.catalog.Get(p.Object)
	if p.Depth == 3 {
		def, ok := o.Resource(p.Resource)
		if !ok {
			return nil, fmt.Errorf("%w: %s", gwerrors.ErrNotFound, p)
		}
		if !def.Operations.Allows(OpRead) {
			return nil, fmt.Errorf("%w: %s is not readable", ErrOperationNotAllowed, p)
		}
		v, ok := values[p.Resource]
		if !ok {
			return nil, fmt.Errorf("%w: %s", gwerrors.ErrNotFound, p)
		}
		return []codec.Resource{{ID: p.Resource, Value: v}}, nil
	}

	out := make([]codec.Resource, 0, len(values))
	for id, v := range values {
		if def, ok := o.Resource(id); ok && def.Operations.Allows(OpRead) {
			out = append(out, codec.Resource{ID: id, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Write replaces resource values under p. Every value must target a
// writable resource of the right kind; nothing is written otherwise.
func (s *Store) Write(p Path, values map[uint16]codec.Value) error {
	if p.Depth < 2 {
		return fmt.Errorf("%w: write to %s", ErrOperationNotAllowed, p)
	}
	o, ok := s.catalog.Get(p.Object)
	if !ok {
		return fmt.Errorf("%w: object %d", gwerrors.ErrNotFound, p.Object)
	}
	for id, v := range values {
		if p.Depth == 3 && id != p.Resource {
			return gwerrors.Validation("resource %d written through %s", id, p)
		}
		def, ok := o.Resource(id)
		if !ok {
			return fmt.Errorf("%w: resource %d of object %d", gwerrors.ErrNotFound, id, p.Object)
		}
		if !def.Operations.Allows(OpWrite) {
			return fmt.Errorf("%w: /%d/%d/%d is not writable", ErrOperationNotAllowed, p.Object, p.Instance, id)
		}
		if def.Kind != codec.KindNone && v.Kind != def.Kind {
			return gwerrors.Validation("resource %d expects %s, got %s", id, def.Kind, v.Kind)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[p.InstanceOf()]
	if !ok {
		return fmt.Errorf("%w: %s", gwerrors.ErrNotFound, p.InstanceOf())
	}
	for id, v := range values {
		inst[id] = v
		delete(s.funcs, ResourcePath(p.Object, p.Instance, id))
	}
	return nil
}

// Execute runs executable resource p.
func (s *Store) Execute(ctx context.Context, p Path, args string) error {
	if p.Depth != 3 {
		return fmt.Errorf("%w: execute on %s", ErrOperationNotAllowed, p)
	}
	def, err := s.resourceDef(p)
	if err != nil {
		return err
	}
	if !def.Operations.Allows(OpExecute) {
		return fmt.Errorf("%w: %s is not executable", ErrOperationNotAllowed, p)
	}
	s.mu.RLock()
	fn, ok := s.execs[p]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", gwerrors.ErrNotFound, p)
	}
	return fn(ctx, args)
}

// Delete removes instance p with all its values.
func (s *Store) Delete(p Path) error {
	if p.Depth != 2 {
		return fmt.Errorf("%w: delete of %s", ErrOperationNotAllowed, p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[p]; !ok {
		return fmt.Errorf("%w: %s", gwerrors.ErrNotFound, p)
	}
	delete(s.instances, p)
	for k := range s.funcs {
		if k.InstanceOf() == p {
			delete(s.funcs, k)
		}
	}
	for k := range s.execs {
		if k.InstanceOf() == p {
			delete(s.execs, k)
		}
	}
	return nil
}

// Exists reports whether the instance or resource at p is present.
func (s *Store) Exists(p Path) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch p.Depth {
	case 1:
		for k := range s.instances {
			if k.Object == p.Object {
				return true
			}
		}
		return false
	case 2:
		_, ok := s.instances[p]
		return ok
	default:
		inst, ok := s.instances[p.InstanceOf()]
		if !ok {
			return false
		}
		if _, ok := inst[p.Resource]; ok {
			return true
		}
		if _, ok := s.funcs[p]; ok {
			return true
		}
		_, ok = s.execs[p]
		return ok
	}
}

// Instances returns the instance paths ordered by object then instance.
func (s *Store) Instances() []Path {
	s.mu.RLock()
	out := make([]Path, 0, len(s.instances))
	for p := range s.instances {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Object != out[j].Object {
			return out[i].Object < out[j].Object
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

// Links renders the instances in CoRE link format, e.g. "</3/0>,</3303/0>".
func (s *Store) Links() string {
	paths := s.Instances()
	links := make([]string, 0, len(paths))
	for _, p := range paths {
		links = append(links, "<"+p.String()+">")
	}
	return strings.Join(links, ",")
}

func (s *Store) resourceDef(p Path) (Resource, error) {
	if p.Depth != 3 {
		return Resource{}, gwerrors.Validation("%s is not a resource path", p)
	}
	o, ok := s.catalog.Get(p.Object)
	if !ok {
		return Resource{}, fmt.Errorf("%w: object %d", gwerrors.ErrNotFound, p.Object)
	}
	def, ok := o.Resource(p.Resource)
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", gwerrors.ErrNotFound, p)
	}
	return def, nil
}
