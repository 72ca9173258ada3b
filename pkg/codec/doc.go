// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec encodes and decodes typed LwM2M resource values.
//
// # Values
//
// Value is a closed tagged union over the LwM2M data types (integer,
// unsigned, float, double, string, boolean, opaque, time). Catalog type names
// are resolved with ParseKind, which rejects unknown names up front.
//
// # TLV
//
// The OMA TLV layout is implemented bit-exactly. The header byte carries the
// identifier type in bits 7-6, the identifier width in bit 5 and the length
// encoding in bits 4-3 (embedded in bits 2-0, or 1, 2 or 3 following bytes):
//
//	11 0 00 011  0x15  0x41 0xA0 0x00 0x00   resource 21, float 20.0
//
// Integers use the smallest of 1, 2, 4 (or 8) bytes; floats are 4 bytes,
// doubles 8; time is a 4-byte signed epoch. Decoding needs a Hints entry per
// resource. Without one, Guess applies a lossy best-effort heuristic.
//
// # CBOR, JSON and text
//
// CBOR maps resource ids to values via fxamacker/cbor; time values are written
// as epoch seconds and restored with a Time hint. JSON and text/plain
// renderings back the resource server's content negotiation.
//
// # Errors
//
// Malformed input yields *Error carrying the offending resource id (or -1).
// Every *Error matches errors.ErrCodec from the gateway errors package.
package codec
