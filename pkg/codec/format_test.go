// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		want    Kind
		wantErr bool
	}{
		{"float", KindFloat, false},
		{"Integer", KindInteger, false},
		{"opaque", KindOpaque, false},
		{"time", KindTime, false},
		{"objlnk", KindNone, true},
		{"", KindNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKind(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrUnknownKind) {
				t.Errorf("expected ErrUnknownKind, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseKind() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFormatMediaTypes(t *testing.T) {
	for _, f := range []Format{FormatText, FormatLinkFormat, FormatJSON, FormatCBOR, FormatTLV} {
		got, ok := FormatFromMediaType(f.MediaType())
		if !ok || got != f {
			t.Errorf("FormatFromMediaType(%d) = %s, want %s", f.MediaType(), got, f)
		}
	}
	if FormatTLV.MediaType() != message.MediaType(11542) {
		t.Errorf("TLV media type = %d, want 11542", FormatTLV.MediaType())
	}
	if _, ok := FormatFromMediaType(message.AppXML); ok {
		t.Error("expected XML to be unsupported")
	}
}

func TestEncodeDecode_AllFormats(t *testing.T) {
	res := []Resource{{ID: 5700, Value: Float(20.0)}}
	hints := Hints{5700: KindFloat}

	for _, f := range []Format{FormatText, FormatJSON, FormatCBOR, FormatTLV} {
		t.Run(f.String(), func(t *testing.T) {
			b, err := Encode(f, res)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(f, b, hints, 5700)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !got[5700].Equal(res[0].Value) {
				t.Errorf("got %+v, want %+v", got[5700], res[0].Value)
			}
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		id    uint16
		value Value
	}{
		{"integer", 1, Integer(-129)},
		{"integer 8 bytes", 2, Integer(1 << 40)},
		{"unsigned", 3, Unsigned(65535)},
		{"float", 5700, Float(-3.14159)},
		{"double", 4, Double(1234.5678901234)},
		{"string", 5, String("Open Mobile Alliance")},
		{"boolean", 6, Boolean(true)},
		{"opaque", 7, Opaque([]byte{0xDE, 0xAD, 0xBE, 0xEF})},
		{"time", 13, Time(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeJSON(map[uint16]Value{tt.id: tt.value})
			if err != nil {
				t.Fatalf("EncodeJSON() error = %v", err)
			}
			got, err := DecodeJSON(b, Hints{tt.id: tt.value.Kind})
			if err != nil {
				t.Fatalf("DecodeJSON(%s) error = %v", b, err)
			}
			if !got[tt.id].Equal(tt.value) {
				t.Errorf("round trip = %+v, want %+v", got[tt.id], tt.value)
			}
		})
	}
}

func TestEncodeJSON_OpaqueAsHex(t *testing.T) {
	b, err := EncodeJSON(map[uint16]Value{1: Opaque([]byte{0xDE, 0xAD, 0xBE, 0xEF})})
	if err != nil {
		t.Fatalf("EncodeJSON() error = %v", err)
	}
	if string(b) != `{"1":"deadbeef"}` {
		t.Errorf("EncodeJSON() = %s", b)
	}
}

func TestEncodeText_SingleResourceOnly(t *testing.T) {
	_, err := Encode(FormatText, []Resource{{ID: 1, Value: Integer(1)}, {ID: 2, Value: Integer(2)}})
	if err == nil {
		t.Error("expected error for multi-resource text payload")
	}
}

func TestParseTextValues(t *testing.T) {
	tests := []struct {
		kind Kind
		in   string
		want Value
	}{
		{KindInteger, "-17", Integer(-17)},
		{KindUnsigned, "17", Unsigned(17)},
		{KindBoolean, "1", Boolean(true)},
		{KindBoolean, "false", Boolean(false)},
		{KindOpaque, "0xCAFE", Opaque([]byte{0xCA, 0xFE})},
		{KindTime, "1700000000", Epoch(1700000000)},
		{KindTime, "2023-11-14T22:13:20Z", Epoch(1700000000)},
		{KindString, " padded ", String("padded")},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String()+"/"+tt.in, func(t *testing.T) {
			got, err := Parse(tt.kind, tt.in)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := Parse(KindBoolean, "maybe"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}
