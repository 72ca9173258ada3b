// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the declared type of a resource value.
type Kind int

// Kinds are a closed set; the zero value means "no hint".
const (
	KindNone Kind = iota
	KindInteger
	KindUnsigned
	KindFloat
	KindDouble
	KindString
	KindBoolean
	KindOpaque
	KindTime
)

var kindNames = map[Kind]string{
	KindInteger:  "integer",
	KindUnsigned: "unsigned",
	KindFloat:    "float",
	KindDouble:   "double",
	KindString:   "string",
	KindBoolean:  "boolean",
	KindOpaque:   "opaque",
	KindTime:     "time",
}

// String returns the catalog name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "none"
}

// ParseKind resolves a catalog type name. Unknown names are rejected here so
// that encoding never sees them.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "integer", "int":
		return KindInteger, nil
	case "unsigned", "uint", "unsigned integer":
		return KindUnsigned, nil
	case "float":
		return KindFloat, nil
	case "double":
		return KindDouble, nil
	case "string":
		return KindString, nil
	case "boolean", "bool":
		return KindBoolean, nil
	case "opaque":
		return KindOpaque, nil
	case "time":
		return KindTime, nil
	default:
		return KindNone, fmt.Errorf("%w: unknown resource type %q", ErrUnknownKind, name)
	}
}

// Hints maps resource ids to their declared kind for decoding.
type Hints map[uint16]Kind

// Value is a typed resource value. Only the field matching Kind is meaningful;
// Time values keep unix-epoch seconds in Int.
type Value struct {
	Kind  Kind
	Int   int64
	Uint  uint64
	Float float64
	Str   string
	Bool  bool
	Bytes []byte
}

// Resource pairs a resource id with its value.
type Resource struct {
	ID    uint16
	Value Value
}

func Integer(v int64) Value { return Value{Kind: KindInteger, Int: v} }
func Unsigned(v uint64) Value { return Value{Kind: KindUnsigned, Uint: v} }
func Float(v float32) Value { return Value{Kind: KindFloat, Float: float64(v)} }
func Double(v float64) Value { return Value{Kind: KindDouble, Float: v} }
func String(v string) Value { return Value{Kind: KindString, Str: v} }
func Boolean(v bool) Value { return Value{Kind: KindBoolean, Bool: v} }
func Opaque(v []byte) Value { return Value{Kind: KindOpaque, Bytes: v} }
func Time(t time.Time) Value { return Value{Kind: KindTime, Int: t.Unix()} }
func Epoch(seconds int64) Value { return Value{Kind: KindTime, Int: seconds} }

// TimeFromString converts an ISO-8601 timestamp into a Time value.
func TimeFromString(s string) (Value, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Time(t), nil
		}
	}
	return Value{}, fmt.Errorf("%w: invalid ISO-8601 time %q", ErrInvalidValue, s)
}

// OpaqueFromHex decodes a hex string into an Opaque value.
func OpaqueFromHex(s string) (Value, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Value{}, fmt.Errorf("%w: invalid hex opaque: %w", ErrInvalidValue, err)
	}
	return Opaque(b), nil
}

// Time returns the value as a UTC time. Valid for KindTime.
func (v Value) Time() time.Time {
	return time.Unix(v.Int, 0).UTC()
}

// Any returns the natural Go representation of the value.
func (v Value) Any() any {
	switch v.Kind {
	case KindInteger:
		return v.Int
	case KindUnsigned:
		return v.Uint
	case KindFloat:
		return float32(v.Float)
	case KindDouble:
		return v.Float
	case KindString:
		return v.Str
	case KindBoolean:
		return v.Bool
	case KindOpaque:
		return v.Bytes
	case KindTime:
		return v.Int
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and content. Floats are
// compared within the precision of their wire width.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInteger, KindTime:
		return v.Int == o.Int
	case KindUnsigned:
		return v.Uint == o.Uint
	case KindFloat:
		return math.Abs(v.Float-o.Float) <= 1e-5
	case KindDouble:
		return math.Abs(v.Float-o.Float) <= 1e-10
	case KindString:
		return v.Str == o.Str
	case KindBoolean:
		return v.Bool == o.Bool
	case KindOpaque:
		return bytes.Equal(v.Bytes, o.Bytes)
	default:
		return true
	}
}

// String renders the value as text/plain content.
func (v Value) String() string {
	switch v.Kind {
	case KindInteger, KindTime:
		return strconv.FormatInt(v.Int, 10)
	case KindUnsigned:
		return strconv.FormatUint(v.Uint, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 32)
	case KindDouble:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindBoolean:
		if v.Bool {
			return "1"
		}
		return "0"
	case KindOpaque:
		return hex.EncodeToString(v.Bytes)
	default:
		return ""
	}
}

// Parse converts text/plain content into a value of kind k.
func Parse(k Kind, s string) (Value, error) {
	s = strings.TrimSpace(s)
	var err error
	switch k {
	case KindInteger:
		var n int64
		if n, err = strconv.ParseInt(s, 10, 64); err == nil {
			return Integer(n), nil
		}
	case KindUnsigned:
		var n uint64
		if n, err = strconv.ParseUint(s, 10, 64); err == nil {
			return Unsigned(n), nil
		}
	case KindFloat:
		var f float64
		if f, err = strconv.ParseFloat(s, 32); err == nil {
			return Float(float32(f)), nil
		}
	case KindDouble:
		var f float64
		if f, err = strconv.ParseFloat(s, 64); err == nil {
			return Double(f), nil
		}
	case KindString, KindNone:
		return String(s), nil
	case KindBoolean:
		switch s {
		case "1", "true":
			return Boolean(true), nil
		case "0", "false":
			return Boolean(false), nil
		}
		err = fmt.Errorf("not a boolean: %q", s)
	case KindOpaque:
		return OpaqueFromHex(s)
	case KindTime:
		var n int64
		if n, err = strconv.ParseInt(s, 10, 64); err == nil {
			return Epoch(n), nil
		}
		return TimeFromString(s)
	default:
		err = fmt.Errorf("kind %d", k)
	}
	return Value{}, fmt.Errorf("%w: cannot parse %q as %s: %w", ErrInvalidValue, s, k, err)
}
