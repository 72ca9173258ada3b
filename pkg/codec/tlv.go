// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
)

// TLV identifier types, bits 7-6 of the header byte.
const (
	TypeObjectInstance   byte = 0x00
	TypeResourceInstance byte = 0x40
	TypeMultipleResource byte = 0x80
	TypeResourceValue    byte = 0xC0
)

const (
	typeMask     = 0xC0
	idWideBit    = 0x20
	lenTypeMask  = 0x18
	lenValueMask = 0x07

	maxTLVLength = 0xFFFFFF
)

var (
	// ErrTruncated is returned when the buffer ends inside a header.
	ErrTruncated = errors.New("tlv: truncated buffer")
	// ErrLengthOverflow is returned when a declared length exceeds the remaining bytes.
	ErrLengthOverflow = errors.New("tlv: declared length exceeds remaining bytes")
	// ErrInvalidLength is returned when a value width does not fit its kind.
	ErrInvalidLength = errors.New("tlv: invalid value length")
	// ErrTooLarge is returned when a value does not fit a 3-byte length.
	ErrTooLarge = errors.New("tlv: value too large")
	// ErrUnknownKind is returned for an unknown resource type.
	ErrUnknownKind = errors.New("unknown resource kind")
	// ErrInvalidValue is returned when a value cannot be converted to its kind.
	ErrInvalidValue = errors.New("invalid resource value")
)

// Error reports a codec failure. ResourceID is -1 when the failure is not
// attributable to a single resource.
type Error struct {
	ResourceID int
	Err        error
}

func (e *Error) Error() string {
	if e.ResourceID < 0 {
		return fmt.Sprintf("codec: %v", e.Err)
	}
	return fmt.Sprintf("codec: resource %d: %v", e.ResourceID, e.Err)
}

// Unwrap exposes both the gateway codec sentinel and the cause.
func (e *Error) Unwrap() []error {
	return []error{gwerrors.ErrCodec, e.Err}
}

func codecErr(id int, err error) error {
	return &Error{ResourceID: id, Err: err}
}

// Record is one raw TLV entry.
type Record struct {
	Type     byte
	ID       uint16
	Value    []byte
	Children []Record
}

// EncodeResource encodes a single resource-with-value TLV.
func EncodeResource(id uint16, v Value) ([]byte, error) {
	val, err := encodeValue(v)
	if err != nil {
		return nil, codecErr(int(id), err)
	}
	out, err := appendRecord(nil, TypeResourceValue, id, val)
	if err != nil {
		return nil, codecErr(int(id), err)
	}
	return out, nil
}

// EncodeResources concatenates resource TLVs without an instance header.
func EncodeResources(resources []Resource) ([]byte, error) {
	var out []byte
	for _, r := range resources {
		b, err := EncodeResource(r.ID, r.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// EncodeInstance wraps the resource TLVs under an object instance header.
func EncodeInstance(instanceID uint16, resources []Resource) ([]byte, error) {
	body, err := EncodeResources(resources)
	if err != nil {
		return nil, err
	}
	out, err := appendRecord(nil, TypeObjectInstance, instanceID, body)
	if err != nil {
		return nil, codecErr(-1, err)
	}
	return out, nil
}

// DecodeRecords parses b into raw records. Object instance and multiple
// resource records have their children parsed as well.
func DecodeRecords(b []byte) ([]Record, error) {
	var recs []Record
	for len(b) > 0 {
		rec, n, err := readRecord(b)
		if err != nil {
			return nil, err
		}
		if rec.Type == TypeObjectInstance || rec.Type == TypeMultipleResource {
			children, err := DecodeRecords(rec.Value)
			if err != nil {
				return nil, err
			}
			rec.Children = children
		}
		recs = append(recs, rec)
		b = b[n:]
	}
	return recs, nil
}

// DecodeResources decodes resource TLVs into values, using hints to pick each
// resource kind. A payload holding a single object instance is unwrapped.
// Multiple-resource entries are not representable as one value and are skipped.
//
// Resources without a hint go through a best-effort guess (see Guess); the
// guess is lossy and must not be relied upon.
func DecodeResources(b []byte, hints Hints) (map[uint16]Value, error) {
	recs, err := DecodeRecords(b)
	if err != nil {
		return nil, err
	}
	if len(recs) == 1 && recs[0].Type == TypeObjectInstance {
		recs = recs[0].Children
	}
	return decodeResourceRecords(recs, hints)
}

// DecodeInstances decodes a payload of object instances into per-instance values.
// Top-level resources without an instance header are reported under instance 0.
func DecodeInstances(b []byte, hints Hints) (map[uint16]map[uint16]Value, error) {
	recs, err := DecodeRecords(b)
	if err != nil {
		return nil, err
	}
	out := make(map[uint16]map[uint16]Value)
	var loose []Record
	for _, rec := range recs {
		if rec.Type != TypeObjectInstance {
			loose = append(loose, rec)
			continue
		}
		vals, err := decodeResourceRecords(rec.Children, hints)
		if err != nil {
			return nil, err
		}
		out[rec.ID] = vals
	}
	if len(loose) > 0 {
		vals, err := decodeResourceRecords(loose, hints)
		if err != nil {
			return nil, err
		}
		out[0] = vals
	}
	return out, nil
}

func decodeResourceRecords(recs []Record, hints Hints) (map[uint16]Value, error) {
	out := make(map[uint16]Value, len(recs))
	for _, rec := range recs {
		if rec.Type != TypeResourceValue {
			continue
		}
		v, err := decodeValue(rec.Value, hints[rec.ID])
		if err != nil {
			return nil, codecErr(int(rec.ID), err)
		}
		out[rec.ID] = v
	}
	return out, nil
}

func appendRecord(dst []byte, typ byte, id uint16, val []byte) ([]byte, error) {
	n := len(val)
	if n > maxTLVLength {
		return nil, ErrTooLarge
	}

	h := typ
	if id > 0xFF {
		h |= idWideBit
	}
	switch {
	case n <= 7:
		h |= byte(n)
	case n <= 0xFF:
		h |= 0x08
	case n <= 0xFFFF:
		h |= 0x10
	default:
		h |= 0x18
	}

	dst = append(dst, h)
	if id > 0xFF {
		dst = binary.BigEndian.AppendUint16(dst, id)
	} else {
		dst = append(dst, byte(id))
	}
	switch h & lenTypeMask {
	case 0x08:
		dst = append(dst, byte(n))
	case 0x10:
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	case 0x18:
		dst = append(dst, byte(n>>16), byte(n>>8), byte(n))
	}
	return append(dst, val...), nil
}

// readRecord parses one record from the front of b and returns the number of
// bytes consumed.
func readRecord(b []byte) (Record, int, error) {
	h := b[0]
	pos := 1

	idLen := 1
	if h&idWideBit != 0 {
		idLen = 2
	}
	if len(b) < pos+idLen {
		return Record{}, 0, codecErr(-1, ErrTruncated)
	}
	var id uint16
	if idLen == 2 {
		id = binary.BigEndian.Uint16(b[pos:])
	} else {
		id = uint16(b[pos])
	}
	pos += idLen

	var length int
	lenBytes := int(h&lenTypeMask) >> 3
	if lenBytes == 0 {
		length = int(h & lenValueMask)
	} else {
		if len(b) < pos+lenBytes {
			return Record{}, 0, codecErr(int(id), ErrTruncated)
		}
		for i := 0; i < lenBytes; i++ {
			length = length<<8 | int(b[pos+i])
		}
		pos += lenBytes
	}

	if len(b)-pos < length {
		return Record{}, 0, codecErr(int(id), ErrLengthOverflow)
	}
	return Record{Type: h & typeMask, ID: id, Value: b[pos : pos+length]}, pos + length, nil
}

func encodeValue(v Value) ([]byte, error) {
	switch v.Kind {
	case KindInteger, KindTime:
		if v.Kind == KindTime {
			if v.Int < math.MinInt32 || v.Int > math.MaxInt32 {
				return nil, fmt.Errorf("%w: time %d out of 32-bit range", ErrInvalidValue, v.Int)
			}
			return binary.BigEndian.AppendUint32(nil, uint32(int32(v.Int))), nil
		}
		return encodeSigned(v.Int), nil
	case KindUnsigned:
		return encodeUnsigned(v.Uint), nil
	case KindFloat:
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(v.Float))), nil
	case KindDouble:
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(v.Float)), nil
	case KindString:
		return []byte(v.Str), nil
	case KindBoolean:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case KindOpaque:
		return v.Bytes, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, v.Kind)
	}
}

func encodeSigned(n int64) []byte {
	switch {
	case n >= math.MinInt8 && n <= math.MaxInt8:
		return []byte{byte(int8(n))}
	case n >= math.MinInt16 && n <= math.MaxInt16:
		return binary.BigEndian.AppendUint16(nil, uint16(int16(n)))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		return binary.BigEndian.AppendUint32(nil, uint32(int32(n)))
	default:
		return binary.BigEndian.AppendUint64(nil, uint64(n))
	}
}

func encodeUnsigned(n uint64) []byte {
	switch {
	case n <= math.MaxUint8:
		return []byte{byte(n)}
	case n <= math.MaxUint16:
		return binary.BigEndian.AppendUint16(nil, uint16(n))
	case n <= math.MaxUint32:
		return binary.BigEndian.AppendUint32(nil, uint32(n))
	default:
		return binary.BigEndian.AppendUint64(nil, n)
	}
}

func decodeValue(b []byte, k Kind) (Value, error) {
	switch k {
	case KindNone:
		return Guess(b), nil
	case KindInteger:
		n, err := decodeSigned(b)
		return Integer(n), err
	case KindTime:
		n, err := decodeSigned(b)
		return Epoch(n), err
	case KindUnsigned:
		if len(b) == 0 || len(b) > 8 {
			return Value{}, ErrInvalidLength
		}
		return Unsigned(decodeUnsigned(b)), nil
	case KindFloat, KindDouble:
		var f float64
		switch len(b) {
		case 4:
			f = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		case 8:
			f = math.Float64frombits(binary.BigEndian.Uint64(b))
		default:
			return Value{}, ErrInvalidLength
		}
		if k == KindFloat {
			return Float(float32(f)), nil
		}
		return Double(f), nil
	case KindString:
		return String(string(b)), nil
	case KindBoolean:
		if len(b) != 1 || b[0] > 1 {
			return Value{}, ErrInvalidLength
		}
		return Boolean(b[0] == 1), nil
	case KindOpaque:
		return Opaque(append([]byte(nil), b...)), nil
	default:
		return Value{}, fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
}

func decodeSigned(b []byte) (int64, error) {
	switch len(b) {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, ErrInvalidLength
	}
}

func decodeUnsigned(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n
}

// Guess decodes a value without a declared kind. It is best-effort only:
// 4-byte values become Float, printable ASCII becomes String, values of at
// most 6 bytes become Unsigned and anything else stays Opaque. A 4-byte
// integer or a short string is therefore misread.
func Guess(b []byte) Value {
	switch {
	case len(b) == 4:
		return Float(math.Float32frombits(binary.BigEndian.Uint32(b)))
	case printable(b):
		return String(string(b))
	case len(b) > 0 && len(b) <= 6:
		return Unsigned(decodeUnsigned(b))
	default:
		return Opaque(append([]byte(nil), b...))
	}
}

func printable(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}
