package abi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopforge/loopforge/buffer"
)

// The binary layouts are compatibility-critical: these tests pin every
// field's offset, not just a marshal/unmarshal round trip.

func TestBufferDescriptorLayout(t *testing.T) {
	d := BufferDescriptor{
		Dev:       0x1122334455667788,
		HostToken: 0x99AABBCCDDEEFF00,
		Extent:    [4]int32{10, 20, 30, 40},
		Stride:    [4]int32{1, 10, 200, 6000},
		Min:       [4]int32{-1, -2, -3, -4},
		ElemSize:  4,
		HostDirty: true,
		DevDirty:  false,
	}
	rec := d.AppendTo(nil)
	require.Len(t, rec, BufferDescriptorSize)

	le := binary.LittleEndian
	assert.Equal(t, uint64(0x1122334455667788), le.Uint64(rec[0:]))
	assert.Equal(t, uint64(0x99AABBCCDDEEFF00), le.Uint64(rec[8:]))
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint32(d.Extent[i]), le.Uint32(rec[16+4*i:]))
		assert.Equal(t, uint32(d.Stride[i]), le.Uint32(rec[32+4*i:]))
		assert.Equal(t, int32(d.Min[i]), int32(le.Uint32(rec[48+4*i:])))
	}
	assert.Equal(t, uint32(4), le.Uint32(rec[64:]))
	assert.Equal(t, byte(1), rec[68])
	assert.Equal(t, byte(0), rec[69])
	assert.Equal(t, []byte{0, 0}, rec[70:72])

	back, err := DecodeBufferDescriptor(rec)
	require.NoError(t, err)
	assert.Equal(t, d, back)
}

func TestBufferDescriptorTooShort(t *testing.T) {
	_, err := DecodeBufferDescriptor(make([]byte, BufferDescriptorSize-1))
	assert.Error(t, err)
}

func TestDescriptorBufferConversion(t *testing.T) {
	b := &buffer.Buffer{ElemSize: 2, HostDirty: true}
	b.Extent[0], b.Extent[1] = 8, 4
	b.Stride[0], b.Stride[1] = 1, 8
	b.Min[1] = -4
	b.Host = make([]byte, b.SizeBytes())

	d := DescriptorFromBuffer(b, 0xF00D)
	assert.Equal(t, uint64(0xF00D), d.HostToken)

	back := d.ToBuffer(b.Host)
	assert.Equal(t, b, back)
}

func TestTraceEventRecordLayout(t *testing.T) {
	r := TraceEventRecord{
		FuncToken:        0xCAFE,
		Kind:             EventEndConsume,
		ParentID:         -7,
		TypeCode:         TypeUint,
		Bits:             16,
		VectorWidth:      8,
		ValueIndex:       2,
		ValueToken:       0xBEEF,
		Dimensions:       3,
		CoordinatesToken: 12,
	}
	rec := r.AppendTo(nil)
	require.Len(t, rec, TraceEventRecordSize)

	le := binary.LittleEndian
	assert.Equal(t, uint64(0xCAFE), le.Uint64(rec[0:]))
	assert.Equal(t, uint32(EventEndConsume), le.Uint32(rec[8:]))
	assert.Equal(t, int32(-7), int32(le.Uint32(rec[12:])))
	assert.Equal(t, uint32(TypeUint), le.Uint32(rec[16:]))
	assert.Equal(t, uint32(16), le.Uint32(rec[20:]))
	assert.Equal(t, uint32(8), le.Uint32(rec[24:]))
	assert.Equal(t, uint32(2), le.Uint32(rec[28:]))
	assert.Equal(t, uint64(0xBEEF), le.Uint64(rec[32:]))
	assert.Equal(t, uint32(3), le.Uint32(rec[40:]))
	assert.Equal(t, uint64(12), le.Uint64(rec[44:]))

	back, err := DecodeTraceEventRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, r, back)
}

func TestScalarValue(t *testing.T) {
	assert.Equal(t, int64(-42), ScalarFromInt64(-42).Int64())
	assert.Equal(t, uint64(1<<63), ScalarFromUint64(1<<63).Uint64())
	assert.Equal(t, 3.25, ScalarFromFloat64(3.25).Float64())
	assert.Equal(t, float32(-0.5), ScalarFromFloat32(-0.5).Float32())
}

func TestFilterMetadataRoundTrip(t *testing.T) {
	def := ScalarFromInt64(1)
	lo := ScalarFromInt64(0)
	hi := ScalarFromInt64(10)
	md := &FilterMetadata{
		Target: "x86-64-avx2",
		Arguments: []FilterArgument{
			{Name: "radius", Kind: ArgumentInputScalar, TypeCode: TypeInt, TypeBits: 32, Def: &def, Min: &lo, Max: &hi},
			{Name: "input", Kind: ArgumentInputBuffer, Dimensions: 2, TypeCode: TypeUint, TypeBits: 8},
			{Name: "output", Kind: ArgumentOutputBuffer, Dimensions: 2, TypeCode: TypeUint, TypeBits: 8},
		},
	}
	blob, err := EncodeFilterMetadata(md)
	require.NoError(t, err)

	back, err := DecodeFilterMetadata(blob)
	require.NoError(t, err)
	assert.Equal(t, md, back)

	// Header offsets are fixed.
	le := binary.LittleEndian
	assert.Equal(t, uint64(FilterMetadataSize), le.Uint64(blob[8:]))
	assert.Equal(t, uint32(3), le.Uint32(blob[16:]))
}

func TestFilterMetadataValidation(t *testing.T) {
	_, err := EncodeFilterMetadata(&FilterMetadata{Target: "t"})
	assert.ErrorContains(t, err, "at least one argument")

	_, err = EncodeFilterMetadata(&FilterMetadata{
		Target: "t",
		Arguments: []FilterArgument{
			{Name: "x", Kind: ArgumentInputScalar, TypeBits: 32},
			{Name: "x", Kind: ArgumentInputScalar, TypeBits: 32},
		},
	})
	assert.ErrorContains(t, err, "duplicate")

	_, err = EncodeFilterMetadata(&FilterMetadata{
		Target: "t",
		Arguments: []FilterArgument{
			{Name: "s", Kind: ArgumentInputScalar, Dimensions: 2, TypeBits: 32},
		},
	})
	assert.ErrorContains(t, err, "dimensions")

	bad := ScalarFromInt64(0)
	_, err = EncodeFilterMetadata(&FilterMetadata{
		Target: "t",
		Arguments: []FilterArgument{
			{Name: "b", Kind: ArgumentInputBuffer, Dimensions: 1, TypeBits: 8, Def: &bad},
		},
	})
	assert.ErrorContains(t, err, "scalar def/min/max")
}
