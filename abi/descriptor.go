package abi

import (
	"github.com/pkg/errors"

	"github.com/loopforge/loopforge/buffer"
)

// Buffer descriptor layout: the raw representation of a buffer passed across
// the kernel boundary.
//
//	offset size field
//	     0    8 device handle
//	     8    8 host pointer token
//	    16   16 extent[4] (int32 each)
//	    32   16 stride[4]
//	    48   16 min[4]
//	    64    4 element size
//	    68    1 host-dirty flag
//	    69    1 device-dirty flag
//	    70    2 padding (zero)
const (
	BufferDescriptorSize = 72

	bufDescDevOffset       = 0
	bufDescHostOffset      = 8
	bufDescExtentOffset    = 16
	bufDescStrideOffset    = 32
	bufDescMinOffset       = 48
	bufDescElemSizeOffset  = 64
	bufDescHostDirtyOffset = 68
	bufDescDevDirtyOffset  = 69
)

// BufferDescriptor is the decoded form of the 72-byte buffer record.
// HostToken stands in for the host pointer: an opaque 64-bit value the
// embedding layer uses to locate the host storage (Go memory has no stable
// addresses to embed).
type BufferDescriptor struct {
	Dev       uint64
	HostToken uint64
	Extent    [buffer.MaxDimensions]int32
	Stride    [buffer.MaxDimensions]int32
	Min       [buffer.MaxDimensions]int32
	ElemSize  int32
	HostDirty bool
	DevDirty  bool
}

// DescriptorFromBuffer captures b's metadata into a descriptor, using
// hostToken to stand in for the host pointer.
func DescriptorFromBuffer(b *buffer.Buffer, hostToken uint64) BufferDescriptor {
	b.AssertValid()
	return BufferDescriptor{
		Dev:       b.Dev,
		HostToken: hostToken,
		Extent:    b.Extent,
		Stride:    b.Stride,
		Min:       b.Min,
		ElemSize:  b.ElemSize,
		HostDirty: b.HostDirty,
		DevDirty:  b.DevDirty,
	}
}

// ToBuffer reconstructs a Buffer from the descriptor, attaching the given
// host storage (resolved from HostToken by the caller).
func (d *BufferDescriptor) ToBuffer(host []byte) *buffer.Buffer {
	return &buffer.Buffer{
		Dev:       d.Dev,
		Host:      host,
		Extent:    d.Extent,
		Stride:    d.Stride,
		Min:       d.Min,
		ElemSize:  d.ElemSize,
		HostDirty: d.HostDirty,
		DevDirty:  d.DevDirty,
	}
}

// AppendTo encodes the descriptor in its fixed binary layout, appending to
// dst and returning the extended slice.
func (d *BufferDescriptor) AppendTo(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, BufferDescriptorSize)...)
	rec := dst[start:]
	put64(rec, bufDescDevOffset, d.Dev)
	put64(rec, bufDescHostOffset, d.HostToken)
	for i := 0; i < buffer.MaxDimensions; i++ {
		put32(rec, bufDescExtentOffset+4*i, d.Extent[i])
		put32(rec, bufDescStrideOffset+4*i, d.Stride[i])
		put32(rec, bufDescMinOffset+4*i, d.Min[i])
	}
	put32(rec, bufDescElemSizeOffset, d.ElemSize)
	if d.HostDirty {
		rec[bufDescHostDirtyOffset] = 1
	}
	if d.DevDirty {
		rec[bufDescDevDirtyOffset] = 1
	}
	return dst
}

// DecodeBufferDescriptor parses a descriptor from the start of src.
func DecodeBufferDescriptor(src []byte) (d BufferDescriptor, err error) {
	if len(src) < BufferDescriptorSize {
		err = errors.Errorf("abi: buffer descriptor requires %d bytes, got %d", BufferDescriptorSize, len(src))
		return
	}
	d.Dev = get64(src, bufDescDevOffset)
	d.HostToken = get64(src, bufDescHostOffset)
	for i := 0; i < buffer.MaxDimensions; i++ {
		d.Extent[i] = get32(src, bufDescExtentOffset+4*i)
		d.Stride[i] = get32(src, bufDescStrideOffset+4*i)
		d.Min[i] = get32(src, bufDescMinOffset+4*i)
	}
	d.ElemSize = get32(src, bufDescElemSizeOffset)
	d.HostDirty = src[bufDescHostDirtyOffset] != 0
	d.DevDirty = src[bufDescDevDirtyOffset] != 0
	return
}

// Trace event record layout (fixed part; variable payloads -- name, value,
// coordinates -- are carried out-of-line, referenced by token):
//
//	offset size field
//	     0    8 function name token
//	     8    4 event code
//	    12    4 parent id
//	    16    4 value type code
//	    20    4 value bit width
//	    24    4 vector width
//	    28    4 value index
//	    32    8 value token
//	    40    4 dimensions
//	    44    8 coordinates token
const (
	TraceEventRecordSize = 52

	traceFuncOffset        = 0
	traceKindOffset        = 8
	traceParentOffset      = 12
	traceTypeCodeOffset    = 16
	traceBitsOffset        = 20
	traceVectorWidthOffset = 24
	traceValueIndexOffset  = 28
	traceValueOffset       = 32
	traceDimensionsOffset  = 40
	traceCoordinatesOffset = 44
)

// TraceEventRecord is the decoded fixed part of a trace event.
type TraceEventRecord struct {
	FuncToken        uint64
	Kind             EventCode
	ParentID         int32
	TypeCode         TypeCode
	Bits             int32
	VectorWidth      int32
	ValueIndex       int32
	ValueToken       uint64
	Dimensions       int32
	CoordinatesToken uint64
}

// AppendTo encodes the record in its fixed binary layout.
func (r *TraceEventRecord) AppendTo(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, TraceEventRecordSize)...)
	rec := dst[start:]
	put64(rec, traceFuncOffset, r.FuncToken)
	put32(rec, traceKindOffset, int32(r.Kind))
	put32(rec, traceParentOffset, r.ParentID)
	put32(rec, traceTypeCodeOffset, int32(r.TypeCode))
	put32(rec, traceBitsOffset, r.Bits)
	put32(rec, traceVectorWidthOffset, r.VectorWidth)
	put32(rec, traceValueIndexOffset, r.ValueIndex)
	put64(rec, traceValueOffset, r.ValueToken)
	put32(rec, traceDimensionsOffset, r.Dimensions)
	put64(rec, traceCoordinatesOffset, r.CoordinatesToken)
	return dst
}

// DecodeTraceEventRecord parses the fixed part of a trace event from the
// start of src.
func DecodeTraceEventRecord(src []byte) (r TraceEventRecord, err error) {
	if len(src) < TraceEventRecordSize {
		err = errors.Errorf("abi: trace event record requires %d bytes, got %d", TraceEventRecordSize, len(src))
		return
	}
	r.FuncToken = get64(src, traceFuncOffset)
	r.Kind = EventCode(get32(src, traceKindOffset))
	r.ParentID = get32(src, traceParentOffset)
	r.TypeCode = TypeCode(get32(src, traceTypeCodeOffset))
	r.Bits = get32(src, traceBitsOffset)
	r.VectorWidth = get32(src, traceVectorWidthOffset)
	r.ValueIndex = get32(src, traceValueIndexOffset)
	r.ValueToken = get64(src, traceValueOffset)
	r.Dimensions = get32(src, traceDimensionsOffset)
	r.CoordinatesToken = get64(src, traceCoordinatesOffset)
	return
}
