// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/plgd-dev/go-coap/v3/message"
)

// MediaTypeTLV is the LwM2M TLV content format (application/vnd.oma.lwm2m+tlv).
const MediaTypeTLV message.MediaType = 11542

// Format is a content format the gateway negotiates.
type Format int

const (
	FormatUnknown Format = iota
	FormatText
	FormatLinkFormat
	FormatJSON
	FormatCBOR
	FormatTLV
)

// String returns the MIME name of the format.
func (f Format) String() string {
	switch f {
	case FormatText:
		return "text/plain"
	case FormatLinkFormat:
		return "application/link-format"
	case FormatJSON:
		return "application/json"
	case FormatCBOR:
		return "application/cbor"
	case FormatTLV:
		return "application/vnd.oma.lwm2m+tlv"
	default:
		return "unknown"
	}
}

// MediaType returns the CoAP content-format number of f.
func (f Format) MediaType() message.MediaType {
	switch f {
	case FormatLinkFormat:
		return message.AppLinkFormat
	case FormatJSON:
		return message.AppJSON
	case FormatCBOR:
		return message.AppCBOR
	case FormatTLV:
		return MediaTypeTLV
	default:
		return message.TextPlain
	}
}

// FormatFromMediaType resolves a CoAP content-format number.
func FormatFromMediaType(mt message.MediaType) (Format, bool) {
	switch mt {
	case message.TextPlain:
		return FormatText, true
	case message.AppLinkFormat:
		return FormatLinkFormat, true
	case message.AppJSON:
		return FormatJSON, true
	case message.AppCBOR:
		return FormatCBOR, true
	case MediaTypeTLV:
		return FormatTLV, true
	default:
		return FormatUnknown, false
	}
}

// ParseFormat resolves a MIME name or short alias ("tlv", "cbor", "json", "text").
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "text", "text/plain":
		return FormatText, nil
	case "json", "application/json":
		return FormatJSON, nil
	case "cbor", "application/cbor":
		return FormatCBOR, nil
	case "tlv", "application/vnd.oma.lwm2m+tlv":
		return FormatTLV, nil
	case "link", "application/link-format":
		return FormatLinkFormat, nil
	}
	return FormatUnknown, fmt.Errorf("%w: unsupported format %q", ErrInvalidValue, s)
}

// Encode renders resources in format f. Text supports exactly one resource.
func Encode(f Format, resources []Resource) ([]byte, error) {
	switch f {
	case FormatTLV:
		return EncodeResources(resources)
	case FormatCBOR:
		return EncodeCBOR(toMap(resources))
	case FormatJSON:
		return EncodeJSON(toMap(resources))
	case FormatText:
		if len(resources) != 1 {
			return nil, codecErr(-1, fmt.Errorf("%w: text/plain carries a single resource", ErrInvalidValue))
		}
		return []byte(resources[0].Value.String()), nil
	default:
		return nil, codecErr(-1, fmt.Errorf("%w: cannot encode %s", ErrInvalidValue, f))
	}
}

// Decode parses a payload in format f. Text payloads are attributed to textID.
func Decode(f Format, b []byte, hints Hints, textID uint16) (map[uint16]Value, error) {
	switch f {
	case FormatTLV:
		return DecodeResources(b, hints)
	case FormatCBOR:
		return DecodeCBOR(b, hints)
	case FormatJSON:
		return DecodeJSON(b, hints)
	case FormatText:
		v, err := Parse(hints[textID], string(b))
		if err != nil {
			return nil, codecErr(int(textID), err)
		}
		return map[uint16]Value{textID: v}, nil
	default:
		return nil, codecErr(-1, fmt.Errorf("%w: cannot decode %s", ErrInvalidValue, f))
	}
}

// EncodeJSON renders values as a JSON object keyed by resource id. Opaque
// values are hex strings, as in text/plain.
func EncodeJSON(values map[uint16]Value) ([]byte, error) {
	m := make(map[string]any, len(values))
	for id, v := range values {
		if v.Kind == KindOpaque {
			m[strconv.Itoa(int(id))] = v.String()
			continue
		}
		m[strconv.Itoa(int(id))] = v.Any()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, codecErr(-1, err)
	}
	return b, nil
}

// DecodeJSON parses a JSON object keyed by resource id.
func DecodeJSON(b []byte, hints Hints) (map[uint16]Value, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, codecErr(-1, err)
	}
	out := make(map[uint16]Value, len(m))
	for key, raw := range m {
		n, err := strconv.ParseUint(key, 10, 16)
		if err != nil {
			return nil, codecErr(-1, fmt.Errorf("%w: resource id %q", ErrInvalidValue, key))
		}
		id := uint16(n)
		v, err := jsonValue(raw, hints[id])
		if err != nil {
			return nil, codecErr(int(id), err)
		}
		out[id] = v
	}
	return out, nil
}

func jsonValue(raw json.RawMessage, k Kind) (Value, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if k == KindNone {
			return String(s), nil
		}
		return Parse(k, s)
	}
	var bv bool
	if err := json.Unmarshal(raw, &bv); err == nil {
		if k == KindNone || k == KindBoolean {
			return Boolean(bv), nil
		}
		return Value{}, fmt.Errorf("%w: boolean is not %s", ErrInvalidValue, k)
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	if k == KindNone {
		if n, err := num.Int64(); err == nil {
			return Integer(n), nil
		}
		k = KindDouble
	}
	return Parse(k, num.String())
}

func toMap(resources []Resource) map[uint16]Value {
	m := make(map[uint16]Value, len(resources))
	for _, r := range resources {
		m[r.ID] = r.Value
	}
	return m
}
