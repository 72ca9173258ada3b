// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import (
	"fmt"
	"strconv"
	"strings"

	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
)

// Path addresses an object, an object instance or a resource.
type Path struct {
	Object   uint16
	Instance uint16
	Resource uint16
	// Depth is 1 for an object, 2 for an instance and 3 for a resource.
	Depth int
}

// ObjectPath, InstancePath and ResourcePath build paths of each depth.
func ObjectPath(obj uint16) Path { return Path{Object: obj, Depth: 1} }

func InstancePath(obj, inst uint16) Path { return Path{Object: obj, Instance: inst, Depth: 2} }

func ResourcePath(obj, inst, res uint16) Path {
	return Path{Object: obj, Instance: inst, Resource: res, Depth: 3}
}

// ParsePath parses "/3", "/3/0" or "/3/0/1". The leading slash is optional.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return Path{}, gwerrors.Validation("empty resource path")
	}
	parts := strings.Split(s, "/")
	if len(parts) > 3 {
		return Path{}, gwerrors.Validation("resource path %q is too deep", s)
	}
	var ids [3]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Path{}, gwerrors.Validation("invalid path segment %q", p)
		}
		ids[i] = uint16(n)
	}
	return Path{Object: ids[0], Instance: ids[1], Resource: ids[2], Depth: len(parts)}, nil
}

func (p Path) String() string {
	switch p.Depth {
	case 1:
		return fmt.Sprintf("/%d", p.Object)
	case 2:
		return fmt.Sprintf("/%d/%d", p.Object, p.Instance)
	default:
		return fmt.Sprintf("/%d/%d/%d", p.Object, p.Instance, p.Resource)
	}
}

// InstanceOf returns the instance-level prefix of p.
func (p Path) InstanceOf() Path {
	return InstancePath(p.Object, p.Instance)
}
