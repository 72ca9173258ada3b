// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// EncodeCBOR encodes a resource id to value map as a CBOR map. Time values are
// written as integer epoch seconds.
func EncodeCBOR(values map[uint16]Value) ([]byte, error) {
	m := make(map[uint16]any, len(values))
	for id, v := range values {
		if v.Kind == KindNone {
			return nil, codecErr(int(id), ErrUnknownKind)
		}
		m[id] = v.Any()
	}
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, codecErr(-1, err)
	}
	return b, nil
}

// DecodeCBOR decodes a CBOR map keyed by resource id. Hints convert items to
// their declared kind; a Time hint accepts epoch integers and ISO-8601 strings.
func DecodeCBOR(b []byte, hints Hints) (map[uint16]Value, error) {
	var m map[uint16]any
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, codecErr(-1, err)
	}
	out := make(map[uint16]Value, len(m))
	for id, item := range m {
		v, err := fromAny(item, hints[id])
		if err != nil {
			return nil, codecErr(int(id), err)
		}
		out[id] = v
	}
	return out, nil
}

func fromAny(item any, k Kind) (Value, error) {
	switch k {
	case KindNone:
		return inferAny(item)
	case KindInteger:
		n, err := anyToInt(item)
		return Integer(n), err
	case KindTime:
		if s, ok := item.(string); ok {
			return TimeFromString(s)
		}
		n, err := anyToInt(item)
		return Epoch(n), err
	case KindUnsigned:
		n, err := anyToInt(item)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Value{}, fmt.Errorf("%w: negative unsigned %d", ErrInvalidValue, n)
		}
		if u, ok := item.(uint64); ok {
			return Unsigned(u), nil
		}
		return Unsigned(uint64(n)), nil
	case KindFloat, KindDouble:
		var f float64
		switch x := item.(type) {
		case float64:
			f = x
		case float32:
			f = float64(x)
		default:
			n, err := anyToInt(item)
			if err != nil {
				return Value{}, err
			}
			f = float64(n)
		}
		if k == KindFloat {
			return Float(float32(f)), nil
		}
		return Double(f), nil
	case KindString:
		if s, ok := item.(string); ok {
			return String(s), nil
		}
	case KindBoolean:
		if bv, ok := item.(bool); ok {
			return Boolean(bv), nil
		}
	case KindOpaque:
		switch x := item.(type) {
		case []byte:
			return Opaque(x), nil
		case string:
			return OpaqueFromHex(x)
		}
	}
	return Value{}, fmt.Errorf("%w: %T is not %s", ErrInvalidValue, item, k)
}

func inferAny(item any) (Value, error) {
	switch x := item.(type) {
	case uint64:
		return Unsigned(x), nil
	case int64:
		return Integer(x), nil
	case float32:
		return Float(x), nil
	case float64:
		return Double(x), nil
	case string:
		return String(x), nil
	case bool:
		return Boolean(x), nil
	case []byte:
		return Opaque(x), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported CBOR item %T", ErrInvalidValue, item)
	}
}

func anyToInt(item any) (int64, error) {
	switch x := item.(type) {
	case int64:
		return x, nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrInvalidValue, x)
		}
		return int64(x), nil
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", ErrInvalidValue, item)
	}
}
