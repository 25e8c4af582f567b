// Package abi defines the fixed binary layouts shared with externally
// generated kernel code: the buffer descriptor, the trace event record, and
// the filter argument/metadata blocks.
//
// Every layout has an explicit field order and no implicit padding; sizes
// and field offsets are exported as constants and pinned by tests. Pointers
// in the original structures are represented as 64-bit tokens: either opaque
// handles supplied by the embedding layer, or byte offsets inside a
// self-contained encoded block (see EncodeFilterMetadata).
//
// All multi-byte fields are little-endian.
package abi

import (
	"encoding/binary"
	"math"

	"golang.org/x/exp/constraints"
)

// TypeCode describes the numeric class of a scalar value. The bit width is
// carried separately.
type TypeCode int32

const (
	TypeInt    TypeCode = 0 // signed integers
	TypeUint   TypeCode = 1 // unsigned integers
	TypeFloat  TypeCode = 2 // floating point
	TypeHandle TypeCode = 3 // opaque pointer-sized handle
)

// String returns the lowercase name of the type code.
func (c TypeCode) String() string {
	switch c {
	case TypeInt:
		return "int"
	case TypeUint:
		return "uint"
	case TypeFloat:
		return "float"
	case TypeHandle:
		return "handle"
	}
	return "invalid"
}

// EventCode tags a trace event record.
type EventCode int32

const (
	EventLoad EventCode = iota
	EventStore
	EventBeginRealization
	EventEndRealization
	EventProduce
	EventUpdate
	EventConsume
	EventEndConsume
)

var eventCodeNames = [...]string{
	"Load", "Store", "Begin realization", "End realization",
	"Produce", "Update", "Consume", "End consume",
}

func (c EventCode) String() string {
	if c < 0 || int(c) >= len(eventCodeNames) {
		return "Invalid event"
	}
	return eventCodeNames[c]
}

// ArgumentKind classifies a filter argument.
type ArgumentKind int32

const (
	ArgumentInputScalar  ArgumentKind = 0
	ArgumentInputBuffer  ArgumentKind = 1
	ArgumentOutputBuffer ArgumentKind = 2
)

// ScalarValue is an 8-byte untagged union able to hold any supported scalar.
// The owner must know the TypeCode/bits to interpret it; the accessors do
// not check.
type ScalarValue [8]byte

// ScalarFromInt64 stores v into a ScalarValue.
func ScalarFromInt64(v int64) (s ScalarValue) {
	binary.LittleEndian.PutUint64(s[:], uint64(v))
	return
}

// ScalarFromUint64 stores v into a ScalarValue.
func ScalarFromUint64(v uint64) (s ScalarValue) {
	binary.LittleEndian.PutUint64(s[:], v)
	return
}

// ScalarFromFloat64 stores v into a ScalarValue.
func ScalarFromFloat64(v float64) (s ScalarValue) {
	binary.LittleEndian.PutUint64(s[:], math.Float64bits(v))
	return
}

// ScalarFromFloat32 stores v into a ScalarValue, upper 4 bytes zero.
func ScalarFromFloat32(v float32) (s ScalarValue) {
	binary.LittleEndian.PutUint32(s[:4], math.Float32bits(v))
	return
}

// Int64 reinterprets the value as a signed 64-bit integer.
func (s ScalarValue) Int64() int64 { return int64(binary.LittleEndian.Uint64(s[:])) }

// Uint64 reinterprets the value as an unsigned 64-bit integer.
func (s ScalarValue) Uint64() uint64 { return binary.LittleEndian.Uint64(s[:]) }

// Float64 reinterprets the value as a 64-bit float.
func (s ScalarValue) Float64() float64 { return math.Float64frombits(binary.LittleEndian.Uint64(s[:])) }

// Float32 reinterprets the low 4 bytes as a 32-bit float.
func (s ScalarValue) Float32() float32 { return math.Float32frombits(binary.LittleEndian.Uint32(s[:4])) }

// put32/put64 write fixed-width little-endian integers at explicit offsets.
// Tiny generic helpers so the layout code reads as an offset table.
func put32[T constraints.Integer](dst []byte, off int, v T) {
	binary.LittleEndian.PutUint32(dst[off:], uint32(int32(v)))
}

func put64[T constraints.Integer](dst []byte, off int, v T) {
	binary.LittleEndian.PutUint64(dst[off:], uint64(v))
}

func get32(src []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(src[off:]))
}

func get64(src []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(src[off:])
}
